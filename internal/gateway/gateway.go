package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentgate/internal/accounting"
	"github.com/haasonsaas/agentgate/internal/budget"
	"github.com/haasonsaas/agentgate/internal/observability"
	"github.com/haasonsaas/agentgate/internal/optree"
	"github.com/haasonsaas/agentgate/pkg/models"
)

// Prefixes tried during name resolution, and the provider label whose outputs
// are exempt from budget reservation (the internal agent provider charges its
// own sub-session).
const (
	subagentPrefix       = "agent__"
	restPrefix           = "rest__"
	internalProviderID   = "agent"
	argPreviewMaxBytes   = 512
	opPreviewMaxBytes    = 4096
	defaultToolTimeout   = 30 * time.Second
	defaultMaxPerTurn    = 10
	defaultMaxConcurrent = 4
)

// Config configures a Gateway.
type Config struct {
	// MaxConcurrent is the concurrency-slot cap. Default: 4.
	MaxConcurrent int

	// ParallelDisabled forces an effective cap of 1.
	ParallelDisabled bool

	// ToolTimeout is the per-call timeout. Default: 30s. Delegated
	// sub-agent calls are never timed here; they manage their own timing.
	ToolTimeout time.Duration

	// ResponseMaxBytes caps tool responses; 0 disables the cap.
	ResponseMaxBytes int

	// MaxCallsPerTurn caps tool calls within one turn. Default: 10.
	MaxCallsPerTurn int

	// TraceMode emits full-argument and full-response trace logs.
	TraceMode bool

	// Aliases maps alternative exposed names to canonical ones.
	Aliases map[string]string

	// LogSink receives structured LogEntry records. Optional.
	LogSink models.LogSink

	// Logger defaults to a no-op logger.
	Logger *observability.Logger

	// Tracer defaults to a no-op tracer.
	Tracer *observability.Tracer

	// Metrics is optional.
	Metrics *observability.Metrics

	// Recorder receives accounting entries. Optional.
	Recorder *accounting.Recorder

	// Budget, when set, runs every managed non-internal tool output through
	// the reservation protocol before it is returned upward.
	Budget *budget.ToolBudgetCallbacks

	// Tree receives hierarchical op nodes. Optional.
	Tree *optree.Tree
}

// CallContext locates a call within the conversation for logs and accounting.
type CallContext struct {
	Turn    int
	Subturn int

	// ParentOp attaches the call's op node under an existing tree node.
	ParentOp optree.NodeID
}

// ExecuteOptions tune one managed execution.
type ExecuteOptions struct {
	// Timeout overrides the configured tool timeout for this call.
	Timeout time.Duration

	// BypassConcurrency skips the slot gate, for calls that must not queue
	// (e.g. batch containers already gated by their parent).
	BypassConcurrency bool

	// DisableTimeout skips the timeout race entirely.
	DisableTimeout bool
}

// Managed is the result of one managed execution.
type Managed struct {
	// Result is the finalized (normalized, capped) tool output.
	Result string

	// ProviderLabel identifies the serving provider.
	ProviderLabel string

	// Latency is the provider call duration.
	Latency time.Duration

	CharactersIn  int
	CharactersOut int

	// Tokens is the ledger charge when a budget is configured.
	Tokens int

	// Dropped marks an output rejected by the budget guard. Reason and
	// AvailableTokens let the caller shrink and retry.
	Dropped         bool
	Reason          string
	AvailableTokens int

	// OpID is the hierarchical op node for this call, if a tree is wired.
	OpID optree.NodeID
}

// Gateway resolves tool names to providers and executes calls under a
// concurrency gate with timeout, capping, and full instrumentation.
type Gateway struct {
	cfg Config

	mu        sync.Mutex
	providers []Provider
	turnCalls map[int]int

	mapping atomic.Pointer[toolMapping]
	schemas atomic.Pointer[map[string]*jsonschema.Schema]

	slots    *slotGate
	rules    []normalizeRule
	canceled atomic.Bool

	log     *observability.Logger
	tracer  *observability.Tracer
	metrics *observability.Metrics
	tree    *optree.Tree
}

// New creates a gateway. Zero-value config fields get defaults.
func New(cfg Config) *Gateway {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.MaxCallsPerTurn <= 0 {
		cfg.MaxCallsPerTurn = defaultMaxPerTurn
	}
	log := cfg.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &Gateway{
		cfg:       cfg,
		turnCalls: make(map[int]int),
		slots:     newSlotGate(cfg.MaxConcurrent, cfg.ParallelDisabled, cfg.Metrics),
		rules:     defaultNormalizeRules(),
		log:       log,
		tracer:    tracer,
		metrics:   cfg.Metrics,
		tree:      cfg.Tree,
	}
}

// Register stores a provider reference. No validation is performed; the next
// ListTools rebuild picks up its tools.
func (g *Gateway) Register(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers = append(g.providers, p)
}

// Warmup warms every provider that wants it. Per-provider failures are logged
// and swallowed so one broken provider never aborts the others.
func (g *Gateway) Warmup(ctx context.Context) {
	g.mu.Lock()
	providers := append([]Provider(nil), g.providers...)
	g.mu.Unlock()

	for _, p := range providers {
		w, ok := p.(Warmer)
		if !ok {
			continue
		}
		if err := w.Warmup(ctx); err != nil {
			g.log.Warn(ctx, "provider warmup failed", "provider", p.ID(), "error", err)
		}
	}
}

// ListTools rebuilds the name→provider mapping wholesale and returns the
// current tool set sorted by name. Providers that fail to list are skipped
// with a warning. Tools with invalid input schemas are still listed; the
// schema is just not enforced.
func (g *Gateway) ListTools(ctx context.Context) []models.ToolSummary {
	g.mu.Lock()
	providers := append([]Provider(nil), g.providers...)
	g.mu.Unlock()

	entries := make(map[string]mappingEntry)
	schemas := make(map[string]*jsonschema.Schema)
	var tools []models.ToolSummary

	for _, p := range providers {
		listed, err := p.ListTools(ctx)
		if err != nil {
			g.log.Warn(ctx, "provider list failed", "provider", p.ID(), "error", err)
			continue
		}
		for _, t := range listed {
			entries[t.Name] = mappingEntry{provider: p, kind: p.Kind()}
			tools = append(tools, t)
			if s := compileSchema(t.Name, t.InputSchema); s != nil {
				schemas[t.Name] = s
			} else if len(t.InputSchema) > 0 {
				g.log.Warn(ctx, "tool schema invalid, not enforced",
					"tool", t.Name, "provider", p.ID())
			}
		}
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	g.mapping.Store(&toolMapping{entries: entries, tools: tools})
	g.schemas.Store(&schemas)
	return tools
}

func compileSchema(name string, raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", strings.NewReader(string(raw))); err != nil {
		return nil
	}
	s, err := c.Compile(name + ".json")
	if err != nil {
		return nil
	}
	return s
}

// HasTool reports whether name resolves against the current mapping.
func (g *Gateway) HasTool(name string) bool {
	_, _, ok := g.resolve(name)
	return ok
}

// resolve maps an exposed name to a mapping entry: exact match, alias table,
// then the agent__ and rest__ prefix heuristics, in that order.
func (g *Gateway) resolve(name string) (string, mappingEntry, bool) {
	m := g.mapping.Load()
	if e, ok := m.lookup(name); ok {
		return name, e, true
	}
	if alias, ok := g.cfg.Aliases[name]; ok {
		if e, ok := m.lookup(alias); ok {
			return alias, e, true
		}
	}
	if e, ok := m.lookup(subagentPrefix + name); ok {
		return subagentPrefix + name, e, true
	}
	if e, ok := m.lookup(restPrefix + name); ok {
		return restPrefix + name, e, true
	}
	return "", mappingEntry{}, false
}

// Execute is the unmanaged path: resolve and call the provider directly with
// no timeout, accounting, or admission. Callers on this path manage their own
// instrumentation.
func (g *Gateway) Execute(ctx context.Context, name string, args map[string]any) (*models.ToolExecuteResult, error) {
	if g.canceled.Load() {
		return nil, newExecError(KindCanceled, name, ErrCanceled)
	}
	resolved, entry, ok := g.resolve(name)
	if !ok {
		return nil, g.unresolvedError(name)
	}
	return entry.provider.Execute(ctx, resolved, args)
}

// ExecuteWithManagement is the primary path: resolve (refreshing the mapping
// once on a miss), log, normalize arguments, acquire a slot, race the provider
// against the timeout, cap the response, and emit accounting/span/op records.
func (g *Gateway) ExecuteWithManagement(ctx context.Context, name string, args map[string]any, callCtx CallContext, opts ExecuteOptions) (*Managed, error) {
	if g.canceled.Load() {
		return nil, newExecError(KindCanceled, name, ErrCanceled)
	}

	resolved, entry, ok := g.resolve(name)
	if !ok {
		// One full mapping refresh before giving up: a provider may have
		// grown the tool since the last rebuild.
		g.ListTools(ctx)
		if resolved, entry, ok = g.resolve(name); !ok {
			return nil, g.unresolvedError(name)
		}
	}

	if err := g.countTurnCall(callCtx.Turn); err != nil {
		g.emitLog(models.LogEntry{
			Severity:         models.SeverityWarning,
			Turn:             callCtx.Turn,
			Subturn:          callCtx.Subturn,
			Direction:        models.DirectionResponse,
			Type:             "tool",
			RemoteIdentifier: "agent:limits",
			Message: fmt.Sprintf("Tool calls per turn exceeded: limit=%d. Avoid further tool calls this turn.",
				g.cfg.MaxCallsPerTurn),
		})
		return nil, newExecError(KindCallLimit, name, err)
	}

	providerLabel := entry.provider.ID()
	argsJSON := marshalArgs(args)
	argsJSON = normalizeArgs(g.rules, resolved, argsJSON)
	args = unmarshalArgs(argsJSON, args)
	g.validateArgs(ctx, resolved, argsJSON)

	g.emitLog(models.LogEntry{
		Severity:         models.SeverityVerbose,
		Turn:             callCtx.Turn,
		Subturn:          callCtx.Subturn,
		Direction:        models.DirectionRequest,
		Type:             "tool",
		RemoteIdentifier: providerLabel,
		Message:          fmt.Sprintf("Tool '%s' requested (%s)", resolved, previewArgs(argsJSON)),
	})
	if g.cfg.TraceMode {
		g.log.Debug(ctx, "tool request trace", "tool", resolved, "args", argsJSON)
	}

	spanCtx, span := g.tracer.TraceToolExecution(ctx, resolved, providerLabel)
	opID := g.beginOp(callCtx.ParentOp, resolved, entry.kind, argsJSON)

	isSubagent := entry.kind == models.KindAgent
	if !opts.BypassConcurrency {
		if err := g.slots.acquire(ctx); err != nil {
			g.tracer.RecordError(span, err)
			span.End()
			g.endOp(opID, optree.StatusFailed, 0)
			kind := KindExecutionFailed
			if err == ErrCanceled {
				kind = KindCanceled
			}
			return nil, newExecError(kind, resolved, err)
		}
		defer g.slots.release()
	}

	start := time.Now()
	result, err := g.executeWithTimeout(spanCtx, entry.provider, resolved, args, opts, isSubagent)
	latency := time.Since(start)

	if err == nil && result == nil {
		// A provider returning neither a result nor an error is broken;
		// fold it into the failure path.
		err = newExecError(KindExecutionFailed, resolved, fmt.Errorf("provider %s returned no result", providerLabel))
	}
	if err == nil && !result.OK {
		msg := result.Error
		if msg == "" {
			msg = "execution failed"
		}
		err = newExecError(KindExecutionFailed, resolved, fmt.Errorf("%s", msg))
	}

	if err != nil {
		g.finishFailure(span, opID, resolved, providerLabel, callCtx, len(argsJSON), latency, err)
		return nil, err
	}

	raw := result.Result
	capped := raw
	if g.cfg.ResponseMaxBytes > 0 && len(raw) > g.cfg.ResponseMaxBytes {
		g.emitLog(models.LogEntry{
			Severity:         models.SeverityWarning,
			Turn:             callCtx.Turn,
			Subturn:          callCtx.Subturn,
			Direction:        models.DirectionResponse,
			Type:             "tool",
			RemoteIdentifier: providerLabel,
			Message: fmt.Sprintf("response exceeded max size: %d bytes > limit %d bytes (truncated)",
				len(raw), g.cfg.ResponseMaxBytes),
		})
		capped = TruncateWithNotice(raw, g.cfg.ResponseMaxBytes)
	}
	if capped == "" {
		// Downstream consumers reject empty tool outputs.
		capped = " "
	}
	if g.cfg.TraceMode {
		g.log.Debug(ctx, "tool response trace", "tool", resolved, "response", capped)
	}

	managed := &Managed{
		Result:        capped,
		ProviderLabel: providerLabel,
		Latency:       latency,
		CharactersIn:  len(argsJSON),
		CharactersOut: len(capped),
		OpID:          opID,
	}

	if g.cfg.Budget != nil && providerLabel != internalProviderID {
		res := g.cfg.Budget.ReserveToolOutput(capped)
		managed.Tokens = res.Tokens
		if !res.OK {
			managed.Dropped = true
			managed.Reason = res.Reason
			managed.AvailableTokens = res.AvailableTokens
			g.recordAccounting(models.AccountingEntry{
				Type:          models.AccountingTool,
				Status:        models.AccountingFailed,
				Latency:       latency,
				Provider:      providerLabel,
				Command:       resolved,
				CharactersIn:  managed.CharactersIn,
				CharactersOut: managed.CharactersOut,
				Error:         res.Reason,
				Details: map[string]any{
					"original_tokens":  res.Tokens,
					"available_tokens": res.AvailableTokens,
				},
			})
			g.countToolMetric(providerLabel, "failed", latency)
			g.tracer.RecordError(span, fmt.Errorf("%s", res.Reason))
			span.End()
			g.endOp(opID, optree.StatusFailed, len(capped))
			return managed, nil
		}
	}

	g.recordAccounting(models.AccountingEntry{
		Type:          models.AccountingTool,
		Status:        models.AccountingOK,
		Latency:       latency,
		Provider:      providerLabel,
		Command:       resolved,
		CharactersIn:  managed.CharactersIn,
		CharactersOut: managed.CharactersOut,
		Details:       map[string]any{"tokens": managed.Tokens},
	})
	g.emitLog(models.LogEntry{
		Severity:         models.SeverityVerbose,
		Turn:             callCtx.Turn,
		Subturn:          callCtx.Subturn,
		Direction:        models.DirectionResponse,
		Type:             "tool",
		RemoteIdentifier: providerLabel,
		Message: fmt.Sprintf("Tool '%s' completed (%d bytes, %d tokens)",
			resolved, managed.CharactersOut, managed.Tokens),
		Details: map[string]any{"latency_ms": latency.Milliseconds()},
	})
	g.countToolMetric(providerLabel, "ok", latency)
	span.End()
	g.endOp(opID, optree.StatusOK, len(capped))
	return managed, nil
}

// executeWithTimeout races the provider call against the configured timeout.
// Delegated sub-agent calls manage their own timing and skip the race. The
// losing provider call keeps running; its result is discarded.
func (g *Gateway) executeWithTimeout(ctx context.Context, p Provider, name string, args map[string]any, opts ExecuteOptions, isSubagent bool) (*models.ToolExecuteResult, error) {
	if isSubagent || opts.DisableTimeout {
		return p.Execute(ctx, name, args)
	}

	timeout := g.cfg.ToolTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	type outcome struct {
		result *models.ToolExecuteResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := p.Execute(ctx, name, args)
		select {
		case ch <- outcome{result, err}:
		default:
			g.log.Warn(ctx, "tool completed after timeout, result discarded",
				"tool", name, "provider", p.ID())
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, newExecError(KindExecutionFailed, name, out.err)
		}
		return out.result, nil
	case <-timer.C:
		return nil, newExecError(KindTimeout, name,
			fmt.Errorf("%w after %v", ErrTimeout, timeout))
	case <-ctx.Done():
		return nil, newExecError(KindCanceled, name, ctx.Err())
	}
}

// Cancel is terminal and idempotent: it flips the canceled flag, rejects every
// queued waiter, and tears down providers in the background without blocking
// the caller. Teardown outcomes are logged.
func (g *Gateway) Cancel() {
	if g.canceled.Swap(true) {
		return
	}
	g.slots.cancel()

	g.mu.Lock()
	providers := append([]Provider(nil), g.providers...)
	g.mu.Unlock()

	go func() {
		ctx := context.Background()
		for _, p := range providers {
			c, ok := p.(Cleaner)
			if !ok {
				continue
			}
			if err := c.Cleanup(ctx); err != nil {
				g.log.Warn(ctx, "provider cleanup failed", "provider", p.ID(), "error", err)
			}
		}
	}()
}

// ResetTurn clears the per-turn call counter for a finished turn.
func (g *Gateway) ResetTurn(turn int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.turnCalls, turn)
}

func (g *Gateway) countTurnCall(turn int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.turnCalls[turn]++
	if g.turnCalls[turn] > g.cfg.MaxCallsPerTurn {
		return fmt.Errorf("%w: limit=%d", ErrToolCallLimit, g.cfg.MaxCallsPerTurn)
	}
	return nil
}

func (g *Gateway) unresolvedError(name string) error {
	if strings.HasPrefix(name, subagentPrefix) {
		return newExecError(KindUnknownSubagentTool, name,
			fmt.Errorf("%w: %s", ErrUnknownSubagentTool, name))
	}
	return newExecError(KindUnknownTool, name,
		fmt.Errorf("%w: no provider found for %s", ErrUnknownTool, name))
}

func (g *Gateway) finishFailure(span trace.Span, opID optree.NodeID, tool, providerLabel string, callCtx CallContext, argsLen int, latency time.Duration, err error) {
	status := "failed"
	if ee, ok := GetExecError(err); ok && ee.Kind == KindTimeout {
		status = "timeout"
	}
	g.recordAccounting(models.AccountingEntry{
		Type:         models.AccountingTool,
		Status:       models.AccountingFailed,
		Latency:      latency,
		Provider:     providerLabel,
		Command:      tool,
		CharactersIn: argsLen,
		Error:        err.Error(),
	})
	g.emitLog(models.LogEntry{
		Severity:         models.SeverityError,
		Turn:             callCtx.Turn,
		Subturn:          callCtx.Subturn,
		Direction:        models.DirectionResponse,
		Type:             "tool",
		RemoteIdentifier: providerLabel,
		Message:          fmt.Sprintf("Tool '%s' failed: %v", tool, err),
	})
	g.countToolMetric(providerLabel, status, latency)
	g.tracer.RecordError(span, err)
	span.End()
	g.endOp(opID, optree.StatusFailed, 0)
}

func (g *Gateway) validateArgs(ctx context.Context, tool, argsJSON string) {
	schemas := g.schemas.Load()
	if schemas == nil {
		return
	}
	s, ok := (*schemas)[tool]
	if !ok {
		return
	}
	var v any
	if err := json.Unmarshal([]byte(argsJSON), &v); err != nil {
		return
	}
	if err := s.Validate(v); err != nil {
		// Providers enforce their own contracts; this is advisory.
		g.log.Warn(ctx, "tool arguments fail schema", "tool", tool, "error", err)
	}
}

func (g *Gateway) beginOp(parent optree.NodeID, tool string, kind models.ProviderKind, argsJSON string) optree.NodeID {
	if g.tree == nil {
		return ""
	}
	var id optree.NodeID
	if kind == models.KindAgent {
		// Sub-agent calls open a session node with an immediate placeholder
		// child so live viewers see the pending sub-session.
		id = g.tree.BeginWithPlaceholder(parent, tool)
	} else {
		id = g.tree.Begin(parent, optree.KindOp, tool)
	}
	g.tree.SetRequest(id, optree.MakeSummary(argsJSON, opPreviewMaxBytes))
	return id
}

func (g *Gateway) endOp(id optree.NodeID, status optree.Status, size int) {
	if g.tree == nil || id == "" {
		return
	}
	g.tree.End(id, status, size)
}

func (g *Gateway) emitLog(entry models.LogEntry) {
	if g.cfg.LogSink == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	defer func() { _ = recover() }()
	g.cfg.LogSink(entry)
}

func (g *Gateway) recordAccounting(entry models.AccountingEntry) {
	if g.cfg.Recorder == nil {
		return
	}
	g.cfg.Recorder.Record(entry)
}

func (g *Gateway) countToolMetric(provider, status string, latency time.Duration) {
	if g.metrics == nil {
		return
	}
	g.metrics.ToolExecutions.WithLabelValues(provider, status).Inc()
	g.metrics.ToolDuration.WithLabelValues(provider).Observe(latency.Seconds())
}

func marshalArgs(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalArgs(argsJSON string, fallback map[string]any) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &out); err != nil {
		return fallback
	}
	return out
}

func previewArgs(argsJSON string) string {
	return truncateOnRuneBoundary(argsJSON, argPreviewMaxBytes)
}
