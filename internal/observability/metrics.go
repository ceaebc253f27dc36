package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects execution-core metrics via Prometheus.
//
// Tracked concerns:
//   - Tool execution counts and latencies by provider label and status
//   - Concurrency-slot occupancy and queued waiters
//   - Token ledger activity (reserved tokens, budget rejections)
//   - Extraction attempts by mode and outcome
//   - Delegated LLM call counts, latencies, and token consumption
type Metrics struct {
	// ToolExecutions counts tool invocations.
	// Labels: provider, status (ok|failed|timeout)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: provider
	ToolDuration *prometheus.HistogramVec

	// SlotsInUse is a gauge of currently held concurrency slots.
	SlotsInUse prometheus.Gauge

	// SlotWaiters is a gauge of calls queued for a slot.
	SlotWaiters prometheus.Gauge

	// TokensReserved counts tokens accepted into the ledger.
	TokensReserved prometheus.Counter

	// BudgetRejections counts reservations rejected for budget reasons.
	BudgetRejections prometheus.Counter

	// Extractions counts extraction attempts.
	// Labels: mode (full_chunked|read_grep|truncate), outcome (ok|failed)
	Extractions *prometheus.CounterVec

	// LLMRequests counts delegated LLM calls.
	// Labels: provider, model, status (ok|failed)
	LLMRequests *prometheus.CounterVec

	// LLMDuration measures delegated LLM call latency in seconds.
	// Labels: provider, model
	LLMDuration *prometheus.HistogramVec

	// LLMTokens counts token consumption of delegated LLM calls.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	LLMTokens *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics creates and registers all Prometheus metrics on the default
// registry. Safe to call more than once; the same instance is returned.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			ToolExecutions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_tool_executions_total",
					Help: "Total tool executions by provider and status",
				},
				[]string{"provider", "status"},
			),
			ToolDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgate_tool_duration_seconds",
					Help:    "Tool execution latency in seconds",
					Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
				},
				[]string{"provider"},
			),
			SlotsInUse: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentgate_slots_in_use",
					Help: "Concurrency slots currently held",
				},
			),
			SlotWaiters: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentgate_slot_waiters",
					Help: "Calls queued for a concurrency slot",
				},
			),
			TokensReserved: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "agentgate_tokens_reserved_total",
					Help: "Tokens accepted into the context ledger",
				},
			),
			BudgetRejections: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "agentgate_budget_rejections_total",
					Help: "Reservations rejected because the budget was exceeded",
				},
			),
			Extractions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_extractions_total",
					Help: "Oversized-output extraction attempts by mode and outcome",
				},
				[]string{"mode", "outcome"},
			),
			LLMRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_llm_requests_total",
					Help: "Delegated LLM calls by provider, model, and status",
				},
				[]string{"provider", "model", "status"},
			),
			LLMDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgate_llm_duration_seconds",
					Help:    "Delegated LLM call latency in seconds",
					Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
				},
				[]string{"provider", "model"},
			),
			LLMTokens: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_llm_tokens_total",
					Help: "Token consumption of delegated LLM calls",
				},
				[]string{"provider", "model", "type"},
			),
		}
	})
	return metrics
}
