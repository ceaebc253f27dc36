package models

import "time"

// Severity grades a log entry.
type Severity string

const (
	// SeverityVerbose is diagnostic detail.
	SeverityVerbose Severity = "VRB"

	// SeverityInfo is routine operation.
	SeverityInfo Severity = "INF"

	// SeverityWarning is a recoverable anomaly.
	SeverityWarning Severity = "WRN"

	// SeverityError is a failed operation.
	SeverityError Severity = "ERR"
)

// LogDirection marks whether an entry describes an outgoing request or
// an incoming response.
type LogDirection string

const (
	// DirectionRequest is an outgoing request.
	DirectionRequest LogDirection = "request"

	// DirectionResponse is an incoming response.
	DirectionResponse LogDirection = "response"
)

// LogEntry is one immutable structured log record emitted to the log sink.
type LogEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	Severity  Severity     `json:"severity"`
	Turn      int          `json:"turn"`
	Subturn   int          `json:"subturn"`
	Direction LogDirection `json:"direction"`

	// Type is the remote category, "tool" or "llm".
	Type string `json:"type"`

	// RemoteIdentifier names the remote party, e.g. "mcp:files" or
	// "anthropic/claude-sonnet".
	RemoteIdentifier string `json:"remote_identifier"`

	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`

	// Details carries optional structured context.
	Details map[string]any `json:"details,omitempty"`
}

// LogSink receives log entries. Implementations must not block for long;
// failures in a sink never abort the operation that produced the entry.
type LogSink func(LogEntry)
