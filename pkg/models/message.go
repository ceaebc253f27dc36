// Package models provides domain types for the agentgate execution core.
package models

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem is a system instruction message.
	RoleSystem Role = "system"

	// RoleUser is a user-authored message.
	RoleUser Role = "user"

	// RoleAssistant is a model-authored message.
	RoleAssistant Role = "assistant"

	// RoleTool is a tool output message.
	RoleTool Role = "tool"
)

// Message is one entry in an ordered conversation.
type Message struct {
	// Role identifies the author.
	Role Role `json:"role"`

	// Content is the textual payload.
	Content string `json:"content"`
}

// TotalBytes returns the byte length of all message content combined.
func TotalBytes(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total
}
