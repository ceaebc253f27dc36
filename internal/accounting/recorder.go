package accounting

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/agentgate/pkg/models"
)

// Lineage identifies the session a recorder's entries belong to.
type Lineage struct {
	AgentID     string
	CallPath    string
	TxnID       string
	ParentTxnID string
	OriginTxnID string
}

// Recorder forwards accounting entries to an external sink. The sink is
// fire-and-forget: a nil sink drops entries and a panicking sink never aborts
// the operation that produced the entry.
type Recorder struct {
	sink    models.AccountingSink
	pricing Pricing
	lineage Lineage
}

// NewRecorder creates a recorder. sink and pricing may be nil.
func NewRecorder(sink models.AccountingSink, pricing Pricing, lineage Lineage) *Recorder {
	return &Recorder{sink: sink, pricing: pricing, lineage: lineage}
}

// Record stamps lineage and cost onto the entry and forwards it to the sink.
func (r *Recorder) Record(entry models.AccountingEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.AgentID = r.lineage.AgentID
	entry.CallPath = r.lineage.CallPath
	entry.TxnID = r.lineage.TxnID
	entry.ParentTxnID = r.lineage.ParentTxnID
	entry.OriginTxnID = r.lineage.OriginTxnID

	if entry.Type == models.AccountingLLM && entry.Tokens != nil && r.pricing != nil {
		entry.CostUSD = r.pricing.Cost(entry.Provider, entry.Model, *entry.Tokens)
	}

	if r.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Warn("accounting sink panicked", "panic", p)
		}
	}()
	r.sink(entry)
}
