package models

import "time"

// AccountingType distinguishes tool attempts from LLM attempts.
type AccountingType string

const (
	// AccountingTool is a tool execution attempt.
	AccountingTool AccountingType = "tool"

	// AccountingLLM is an LLM call attempt.
	AccountingLLM AccountingType = "llm"
)

// AccountingStatus is the terminal status of one attempt.
type AccountingStatus string

const (
	// AccountingOK marks a successful attempt.
	AccountingOK AccountingStatus = "ok"

	// AccountingFailed marks a failed attempt.
	AccountingFailed AccountingStatus = "failed"
)

// TokenUsage breaks down token totals for one LLM call.
// Total is reconciled as Input + Output + CacheRead + CacheWrite.
type TokenUsage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cache_read"`
	CacheWrite int `json:"cache_write"`
}

// Total returns the reconciled token total.
func (u TokenUsage) Total() int {
	return u.Input + u.Output + u.CacheRead + u.CacheWrite
}

// AccountingEntry is an immutable record of one tool or LLM attempt.
// Entries are append-only and consumed by an external sink.
type AccountingEntry struct {
	Type      AccountingType   `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Status    AccountingStatus `json:"status"`
	Latency   time.Duration    `json:"latency"`

	// Provider is the tool provider label or LLM provider name.
	Provider string `json:"provider,omitempty"`

	// Command is the tool name for tool entries.
	Command string `json:"command,omitempty"`

	// Model is the model identifier for llm entries.
	Model string `json:"model,omitempty"`

	CharactersIn  int `json:"characters_in,omitempty"`
	CharactersOut int `json:"characters_out,omitempty"`

	// Tokens is populated for llm entries.
	Tokens *TokenUsage `json:"tokens,omitempty"`

	// CostUSD is populated when the pricing table knows the model.
	CostUSD float64 `json:"cost_usd,omitempty"`

	Error string `json:"error,omitempty"`

	// Call lineage.
	AgentID     string `json:"agent_id,omitempty"`
	CallPath    string `json:"call_path,omitempty"`
	TxnID       string `json:"txn_id,omitempty"`
	ParentTxnID string `json:"parent_txn_id,omitempty"`
	OriginTxnID string `json:"origin_txn_id,omitempty"`

	// Details carries optional structured context.
	Details map[string]any `json:"details,omitempty"`
}

// AccountingSink receives accounting entries. Failures in a sink never
// abort the operation that produced the entry.
type AccountingSink func(AccountingEntry)
