// Package gateway implements the tool admission and execution gateway: name
// resolution and aliasing, bounded concurrent execution, timeouts, response
// size capping, and structured logging/accounting/span tracking.
package gateway

import (
	"context"

	"github.com/haasonsaas/agentgate/pkg/models"
)

// Provider is a capability unit owning zero or more tools. The gateway stores
// provider references but never owns provider internals.
type Provider interface {
	// ID is the provider's stable identifier, used as the provider label.
	ID() string

	// Kind categorizes the provider's transport.
	Kind() models.ProviderKind

	// ListTools returns the tools this provider currently exposes.
	ListTools(ctx context.Context) ([]models.ToolSummary, error)

	// Execute runs one tool by name with structured arguments.
	Execute(ctx context.Context, name string, args map[string]any) (*models.ToolExecuteResult, error)
}

// Warmer is implemented by providers that need startup work.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Cleaner is implemented by providers that need teardown work.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// mappingEntry records which provider serves an exposed tool name.
type mappingEntry struct {
	provider Provider
	kind     models.ProviderKind
}

// toolMapping is an immutable name→provider snapshot. It is rebuilt wholesale
// on every ListTools call and swapped atomically, never patched in place, so
// it is never observed half-updated.
type toolMapping struct {
	entries map[string]mappingEntry
	tools   []models.ToolSummary
}

func (m *toolMapping) lookup(name string) (mappingEntry, bool) {
	if m == nil {
		return mappingEntry{}, false
	}
	e, ok := m.entries[name]
	return e, ok
}
