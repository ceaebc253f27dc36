package models

// TargetContextConfig describes one (provider, model) target the session may
// use, with its context window and token limits. The target list is fixed for
// a session's lifetime; an agent may have several fallback models, each with
// its own window.
type TargetContextConfig struct {
	// Provider is the LLM provider name, e.g. "anthropic".
	Provider string `json:"provider"`

	// Model is the model identifier.
	Model string `json:"model"`

	// ContextWindow is the total context window in tokens.
	ContextWindow int `json:"context_window"`

	// BufferTokens is the safety margin kept free below the window.
	BufferTokens int `json:"buffer_tokens"`

	// MaxOutputTokens is the per-turn completion budget for this target.
	MaxOutputTokens int `json:"max_output_tokens"`

	// TokenizerID names the tokenizer encoding, e.g. "cl100k_base".
	// Empty selects the default encoding; unknown encodings degrade to a
	// byte-count heuristic.
	TokenizerID string `json:"tokenizer_id,omitempty"`
}

// Label returns the canonical "provider/model" label for the target.
func (t TargetContextConfig) Label() string {
	return t.Provider + "/" + t.Model
}
