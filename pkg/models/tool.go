package models

import "encoding/json"

// ProviderKind categorizes tool providers by transport.
type ProviderKind string

const (
	// KindMCP is an MCP-server-backed provider.
	KindMCP ProviderKind = "mcp"

	// KindAgent is a sub-agent provider (delegated sessions).
	KindAgent ProviderKind = "agent"

	// KindREST is a REST-endpoint-backed provider.
	KindREST ProviderKind = "rest"
)

// ToolSummary describes one tool as advertised to the model.
type ToolSummary struct {
	// Name is the exposed tool name.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// Instructions are optional extra usage notes for the model.
	Instructions string `json:"instructions,omitempty"`
}

// ToolExecuteResult is the outcome of one tool execution attempt.
// It is produced exactly once per attempt and never mutated after return.
type ToolExecuteResult struct {
	// OK reports whether the execution succeeded.
	OK bool `json:"ok"`

	// Result is the textual tool output when OK is true.
	Result string `json:"result,omitempty"`

	// Error is the failure message when OK is false.
	Error string `json:"error,omitempty"`

	// ProviderID identifies the provider that handled the call.
	ProviderID string `json:"provider_id"`

	// Extras carries optional provider-specific metadata.
	Extras map[string]any `json:"extras,omitempty"`
}
