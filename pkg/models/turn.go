package models

// TurnStatus is the terminal status of one delegated LLM turn.
type TurnStatus string

const (
	// TurnOK means the turn produced a usable answer.
	TurnOK TurnStatus = "ok"

	// TurnFailed means the turn did not complete.
	TurnFailed TurnStatus = "failed"

	// TurnSynthetic means the answer was synthesized by the runtime rather
	// than genuinely produced by the model (e.g. a default final report).
	TurnSynthetic TurnStatus = "synthetic"
)

// TurnRequest asks an LLM client to run one bounded turn.
type TurnRequest struct {
	// Messages is the ordered conversation to send.
	Messages []Message `json:"messages"`

	// Provider and Model select the target.
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// Temperature is the sampling temperature.
	Temperature float64 `json:"temperature"`

	// MaxOutputTokens caps the completion length; zero means provider default.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

// TurnResult is the outcome of one delegated LLM turn.
type TurnResult struct {
	Status TurnStatus `json:"status"`

	// Messages holds the assistant output, in order.
	Messages []Message `json:"messages"`

	// Tokens is the usage reported by the provider, if any.
	Tokens TokenUsage `json:"tokens"`

	// ProviderMetadata carries optional provider-specific fields.
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
}

// Text concatenates the assistant message contents of the result.
func (r *TurnResult) Text() string {
	out := ""
	for _, m := range r.Messages {
		if m.Role == RoleAssistant {
			out += m.Content
		}
	}
	return out
}
