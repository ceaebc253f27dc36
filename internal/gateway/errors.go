package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for gateway operations.
var (
	// ErrUnknownTool indicates no provider serves the requested name.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrUnknownSubagentTool indicates an unresolved name carrying the
	// sub-agent prefix, so callers can tell a typo from a legitimate
	// unknown tool.
	ErrUnknownSubagentTool = errors.New("unknown subagent tool")

	// ErrTimeout indicates the provider call lost the timeout race.
	ErrTimeout = errors.New("Tool execution timed out")

	// ErrCanceled indicates the gateway was canceled.
	ErrCanceled = errors.New("gateway canceled")

	// ErrToolCallLimit indicates the per-turn tool call cap was reached.
	ErrToolCallLimit = errors.New("tool calls per turn exceeded")
)

// ErrorKind categorizes execution failures for callers.
type ErrorKind string

const (
	// KindUnknownTool is a resolution failure.
	KindUnknownTool ErrorKind = "unknown_tool"

	// KindUnknownSubagentTool is a resolution failure of an agent-prefixed name.
	KindUnknownSubagentTool ErrorKind = "unknown_subagent_tool"

	// KindExecutionFailed is a provider-reported failure.
	KindExecutionFailed ErrorKind = "execution_failed"

	// KindTimeout is a lost timeout race.
	KindTimeout ErrorKind = "timeout"

	// KindCanceled is a gateway-wide cancellation.
	KindCanceled ErrorKind = "canceled"

	// KindCallLimit is the per-turn tool call cap.
	KindCallLimit ErrorKind = "tool_call_limit"
)

// ExecError is a structured gateway execution failure.
type ExecError struct {
	// Kind categorizes the failure.
	Kind ErrorKind

	// ToolName is the requested (possibly unresolved) tool name.
	ToolName string

	// Message is the human-readable failure message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Kind))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ExecError) Unwrap() error {
	return e.Cause
}

func newExecError(kind ErrorKind, tool string, cause error) *ExecError {
	err := &ExecError{Kind: kind, ToolName: tool, Cause: cause}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// GetExecError extracts an ExecError from an error chain.
func GetExecError(err error) (*ExecError, bool) {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr, true
	}
	return nil, false
}
