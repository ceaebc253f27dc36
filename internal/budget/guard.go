// Package budget implements the context budget guard: a per-target token
// ledger, overflow evaluation, forced-final-turn enforcement, and the
// mutex-serialized reservation protocol concurrent tool executions go through.
package budget

import (
	"context"
	"sync"

	"github.com/haasonsaas/agentgate/internal/observability"
	"github.com/haasonsaas/agentgate/internal/tokens"
	"github.com/haasonsaas/agentgate/pkg/models"
)

// Verdict is the outcome of evaluating a single provider/model target.
type Verdict string

const (
	// VerdictOK means the target has budget for more conversation.
	VerdictOK Verdict = "ok"

	// VerdictSkip means this target is blocked but another target may fit.
	VerdictSkip Verdict = "skip"

	// VerdictFinal means every target is blocked; the session must conclude.
	VerdictFinal Verdict = "final"
)

// FinalTurnTrigger names the reason a final turn was forced.
type FinalTurnTrigger string

const (
	// TriggerTaskCompleted is an explicit task-completion signal.
	TriggerTaskCompleted FinalTurnTrigger = "task_completed"

	// TriggerContextOverflow means projected context exceeded every target.
	TriggerContextOverflow FinalTurnTrigger = "context_overflow"

	// TriggerMaxTurns means the turn limit was reached.
	TriggerMaxTurns FinalTurnTrigger = "max_turns"

	// TriggerToolPreflight means a tool output reservation was rejected.
	TriggerToolPreflight FinalTurnTrigger = "tool_preflight"

	// TriggerRetriesExhausted means turn retries ran out. Lowest priority:
	// it never overwrites an explicit completion signal.
	TriggerRetriesExhausted FinalTurnTrigger = "retries_exhausted"
)

// BlockedTarget describes one target the projected context does not fit.
type BlockedTarget struct {
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	ContextWindow   int    `json:"context_window"`
	BufferTokens    int    `json:"buffer_tokens"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	Limit           int    `json:"limit"`
	Projected       int    `json:"projected"`
}

// Evaluation is a fresh overflow assessment; it is never cached.
type Evaluation struct {
	Blocked         []BlockedTarget `json:"blocked"`
	ProjectedTokens int             `json:"projected_tokens"`
}

// Reservation is the result of one ReserveToolOutput call. Budget failures
// are values, not errors, so the caller can shrink and retry.
type Reservation struct {
	OK bool `json:"ok"`

	// Tokens is the estimated cost charged to the ledger when OK.
	Tokens int `json:"tokens"`

	// Reason is "token_budget_exceeded" on rejection.
	Reason string `json:"reason,omitempty"`

	// AvailableTokens is the budget remaining for a shrunk retry.
	AvailableTokens int `json:"available_tokens,omitempty"`
}

// RejectionReasonBudget is the reason carried by budget rejections.
const RejectionReasonBudget = "token_budget_exceeded"

// ToolBudgetCallbacks is the bridge handed to concurrent tool execution.
type ToolBudgetCallbacks struct {
	// ReserveToolOutput charges a candidate tool output against the shared
	// ledger, or rejects it with the available budget.
	ReserveToolOutput func(output string) Reservation

	// CanExecuteTool reports whether tool execution is still allowed this
	// turn. Once a reservation is rejected it stays false until reset.
	CanExecuteTool func() bool

	// CountTokens estimates the token cost of a string.
	CountTokens func(s string) int
}

// FinalTurnFunc is notified (once) when a final turn is enforced so the turn
// loop can switch to final-answer mode.
type FinalTurnFunc func(trigger FinalTurnTrigger, blocked []BlockedTarget)

// Guard owns the session's token ledger. All counters are mutated under one
// mutex; reservation against the ledger is strictly serialized.
type Guard struct {
	mu sync.Mutex

	targets   []models.TargetContextConfig
	estimator *tokens.Estimator

	// Committed conversation history.
	currentCtxTokens int

	// Mid-turn additions not yet committed.
	pendingCtxTokens int

	// Accumulated this turn, including tool outputs.
	newCtxTokens int

	// Tool-schema advertisement overhead.
	schemaCtxTokens int

	finalForced  bool
	finalTrigger FinalTurnTrigger

	toolBudgetExceeded bool

	onFinalTurn FinalTurnFunc

	log     *observability.Logger
	metrics *observability.Metrics
}

// Config configures a Guard.
type Config struct {
	// Targets is the fixed list of (provider, model) targets for the session.
	Targets []models.TargetContextConfig

	// OnFinalTurn is invoked once when a final turn is enforced. Optional.
	OnFinalTurn FinalTurnFunc

	// Logger defaults to a no-op logger.
	Logger *observability.Logger

	// Metrics is optional.
	Metrics *observability.Metrics
}

// NewGuard creates a guard over the given targets.
func NewGuard(cfg Config) *Guard {
	log := cfg.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Guard{
		targets:     cfg.Targets,
		estimator:   tokens.NewEstimator(cfg.Targets),
		onFinalTurn: cfg.OnFinalTurn,
		log:         log,
		metrics:     cfg.Metrics,
	}
}

// EstimateTokens estimates the token cost of a message list: the maximum
// across all configured targets' tokenizers, floored by a bytes/4 heuristic.
func (g *Guard) EstimateTokens(msgs []models.Message) int {
	return g.estimator.EstimateMessages(msgs)
}

// EstimateToolSchemaTokens estimates the overhead of advertising tool schemas.
func (g *Guard) EstimateToolSchemaTokens(tools []models.ToolSummary) int {
	return g.estimator.EstimateToolSchemas(tools)
}

// Evaluate computes a fresh overflow assessment with extraTokens added to the
// projection. A target is blocked when its limit is positive and the projected
// total exceeds it.
func (g *Guard) Evaluate(extraTokens int) Evaluation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evaluateLocked(extraTokens)
}

func (g *Guard) evaluateLocked(extraTokens int) Evaluation {
	projected := g.currentCtxTokens + g.pendingCtxTokens + g.newCtxTokens + extraTokens
	eval := Evaluation{ProjectedTokens: projected}
	for _, t := range g.targets {
		limit := t.ContextWindow - t.BufferTokens - t.MaxOutputTokens
		if limit < 0 {
			limit = 0
		}
		if limit > 0 && projected > limit {
			eval.Blocked = append(eval.Blocked, BlockedTarget{
				Provider:        t.Provider,
				Model:           t.Model,
				ContextWindow:   t.ContextWindow,
				BufferTokens:    t.BufferTokens,
				MaxOutputTokens: t.MaxOutputTokens,
				Limit:           limit,
				Projected:       projected,
			})
		}
	}
	return eval
}

// EvaluateForProvider decides whether a specific target can take another turn.
// VerdictFinal means every target is blocked (no fallback model would help);
// VerdictSkip means only this target is blocked. A target whose only overflow
// source is schema tokens is treated as ok: schema overhead alone must never
// force a final turn.
func (g *Guard) EvaluateForProvider(provider, model string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	withSchema := g.evaluateLocked(g.schemaCtxTokens)
	withoutSchema := g.evaluateLocked(0)

	conversational := make(map[string]bool, len(withoutSchema.Blocked))
	for _, b := range withoutSchema.Blocked {
		conversational[b.Provider+"/"+b.Model] = true
	}

	blocked := make(map[string]bool, len(withSchema.Blocked))
	for _, b := range withSchema.Blocked {
		key := b.Provider + "/" + b.Model
		if !conversational[key] {
			// Schema-only overflow: treated as ok.
			continue
		}
		blocked[key] = true
	}

	if len(blocked) == len(g.targets) && len(g.targets) > 0 {
		return VerdictFinal
	}
	if blocked[provider+"/"+model] {
		return VerdictSkip
	}
	return VerdictOK
}

// EnforceFinalTurn forces the session into final-answer mode. Idempotent: the
// first trigger wins, pending tokens are committed exactly once, and the
// callback fires exactly once. An explicit task-completion trigger upgrades a
// previously recorded retry-exhaustion reason; nothing else is overwritten.
func (g *Guard) EnforceFinalTurn(blocked []BlockedTarget, trigger FinalTurnTrigger) {
	g.mu.Lock()
	notify := g.enforceFinalTurnLocked(trigger)
	g.mu.Unlock()
	if notify != nil {
		notify(trigger, blocked)
	}
}

// enforceFinalTurnLocked updates the ledger and returns the callback to fire
// after the lock is released, or nil if already enforced.
func (g *Guard) enforceFinalTurnLocked(trigger FinalTurnTrigger) FinalTurnFunc {
	if g.finalForced {
		if g.finalTrigger == TriggerRetriesExhausted && trigger == TriggerTaskCompleted {
			g.finalTrigger = trigger
		}
		return nil
	}
	g.finalForced = true
	g.finalTrigger = trigger
	g.currentCtxTokens += g.pendingCtxTokens
	g.pendingCtxTokens = 0
	g.newCtxTokens = 0
	return g.onFinalTurn
}

// FinalTurnForced reports whether a final turn has been enforced, and why.
func (g *Guard) FinalTurnForced() (bool, FinalTurnTrigger) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finalForced, g.finalTrigger
}

// CommitPendingTokens folds pending tokens into the committed ledger.
// Must be called exactly once per completed turn: twice double-counts, never
// silently undercounts and defeats the guard.
func (g *Guard) CommitPendingTokens() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentCtxTokens += g.pendingCtxTokens
	g.pendingCtxTokens = 0
}

// ResetTurnTokens zeroes the new-turn accumulator at a turn boundary.
func (g *Guard) ResetTurnTokens() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.newCtxTokens = 0
}

// AddPendingTokens accumulates speculative mid-turn tokens.
func (g *Guard) AddPendingTokens(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingCtxTokens += n
}

// AddNewTokens accumulates tokens for this turn, including tool outputs.
func (g *Guard) AddNewTokens(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.newCtxTokens += n
}

// SetSchemaTokens records the tool-schema advertisement overhead.
func (g *Guard) SetSchemaTokens(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.schemaCtxTokens = n
}

// CurrentTokens returns the committed conversation token count.
func (g *Guard) CurrentTokens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentCtxTokens
}

// PendingTokens returns the uncommitted mid-turn token count.
func (g *Guard) PendingTokens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingCtxTokens
}

// NewTokens returns the tokens accumulated this turn.
func (g *Guard) NewTokens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.newCtxTokens
}

// ToolBudgetCallbacks returns the bridge used by concurrent tool execution.
func (g *Guard) ToolBudgetCallbacks() ToolBudgetCallbacks {
	return ToolBudgetCallbacks{
		ReserveToolOutput: g.ReserveToolOutput,
		CanExecuteTool:    g.CanExecuteTool,
		CountTokens:       g.estimator.EstimateText,
	}
}

// ReserveToolOutput charges a candidate tool output against the shared ledger.
// The whole protocol runs in one critical section: estimate, evaluate with the
// candidate's cost, and either accumulate tokens or latch the budget-exceeded
// flag and enforce a final turn. Two executions that finish concurrently
// charge the ledger one at a time, each seeing the other's committed charge.
//
// On rejection, AvailableTokens is the smallest blocked limit minus the base
// projection (floored at zero), so the caller can retry with a shrunk output.
func (g *Guard) ReserveToolOutput(output string) Reservation {
	cost := g.estimator.EstimateText(output)

	g.mu.Lock()
	eval := g.evaluateLocked(cost)
	if len(eval.Blocked) == 0 {
		g.newCtxTokens += cost
		g.mu.Unlock()
		if g.metrics != nil {
			g.metrics.TokensReserved.Add(float64(cost))
		}
		return Reservation{OK: true, Tokens: cost}
	}

	baseProjected := g.currentCtxTokens + g.pendingCtxTokens + g.newCtxTokens
	minLimit := eval.Blocked[0].Limit
	for _, b := range eval.Blocked[1:] {
		if b.Limit < minLimit {
			minLimit = b.Limit
		}
	}
	available := minLimit - baseProjected
	if available < 0 {
		available = 0
	}

	g.toolBudgetExceeded = true
	notify := g.enforceFinalTurnLocked(TriggerToolPreflight)
	blocked := eval.Blocked
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.BudgetRejections.Inc()
	}
	g.log.Warn(context.Background(), "tool output rejected: context budget exceeded",
		"tokens", cost,
		"projected", eval.ProjectedTokens,
		"limit", minLimit,
		"available", available,
	)
	if notify != nil {
		notify(TriggerToolPreflight, blocked)
	}
	return Reservation{
		OK:              false,
		Tokens:          cost,
		Reason:          RejectionReasonBudget,
		AvailableTokens: available,
	}
}

// CanExecuteTool reports whether tool execution is still allowed this turn.
// One-way latch: once any reservation is rejected for budget reasons it stays
// false, even for calls whose own cost would have fit.
func (g *Guard) CanExecuteTool() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.toolBudgetExceeded
}

// ResetForTesting clears the budget-exceeded latch and forced-final state.
func (g *Guard) ResetForTesting() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.toolBudgetExceeded = false
	g.finalForced = false
	g.finalTrigger = ""
}

// Targets returns the configured targets.
func (g *Guard) Targets() []models.TargetContextConfig {
	return g.targets
}
