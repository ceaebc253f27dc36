package budget

import (
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/agentgate/pkg/models"
)

// heuristicTarget forces the bytes/4 estimate by naming a tokenizer that
// cannot be loaded, so token math in tests is exact.
func heuristicTarget(provider, model string, window, buffer, maxOut int) models.TargetContextConfig {
	return models.TargetContextConfig{
		Provider:        provider,
		Model:           model,
		ContextWindow:   window,
		BufferTokens:    buffer,
		MaxOutputTokens: maxOut,
		TokenizerID:     "x-test-no-such-encoding",
	}
}

func newTestGuard(t *testing.T, targets ...models.TargetContextConfig) *Guard {
	t.Helper()
	return NewGuard(Config{Targets: targets})
}

func TestEvaluateLimitArithmetic(t *testing.T) {
	// window 1000, buffer 100, maxOut 100 -> limit 800
	g := newTestGuard(t, heuristicTarget("p", "m", 1000, 100, 100))

	g.AddNewTokens(800)
	if eval := g.Evaluate(0); len(eval.Blocked) != 0 {
		t.Errorf("projected 800 against limit 800 should not block: %+v", eval.Blocked)
	}
	if eval := g.Evaluate(1); len(eval.Blocked) != 1 {
		t.Fatalf("projected 801 against limit 800 should block")
	} else if eval.Blocked[0].Limit != 800 {
		t.Errorf("blocked limit = %d, want 800", eval.Blocked[0].Limit)
	}
}

func TestEvaluateNonPositiveLimitNeverBlocks(t *testing.T) {
	// buffer + maxOut >= window -> limit clamps to 0, target never blocks.
	g := newTestGuard(t, heuristicTarget("p", "m", 100, 80, 40))
	g.AddNewTokens(1_000_000)
	if eval := g.Evaluate(0); len(eval.Blocked) != 0 {
		t.Errorf("zero-limit target must never block, got %+v", eval.Blocked)
	}
}

func TestEvaluateCountsAllLedgerBuckets(t *testing.T) {
	g := newTestGuard(t, heuristicTarget("p", "m", 1000, 100, 100))
	g.AddPendingTokens(300)
	g.AddNewTokens(300)
	g.CommitPendingTokens()
	g.AddPendingTokens(100)

	eval := g.Evaluate(50)
	if eval.ProjectedTokens != 750 {
		t.Errorf("projected = %d, want 750 (300 committed + 100 pending + 300 new + 50 extra)",
			eval.ProjectedTokens)
	}
}

func TestReserveToolOutputChargesSequentially(t *testing.T) {
	g := newTestGuard(t, heuristicTarget("p", "m", 1000, 100, 100))

	// 400 bytes -> 100 tokens under the heuristic.
	out := strings.Repeat("a", 400)
	for i := 0; i < 3; i++ {
		res := g.ReserveToolOutput(out)
		if !res.OK {
			t.Fatalf("reservation %d rejected: %+v", i, res)
		}
		if res.Tokens != 100 {
			t.Fatalf("reservation %d tokens = %d, want 100", i, res.Tokens)
		}
	}
	if got := g.NewTokens(); got != 300 {
		t.Errorf("new tokens = %d, want 300", got)
	}
}

func TestReserveToolOutputRejectionCarriesAvailable(t *testing.T) {
	g := newTestGuard(t, heuristicTarget("p", "m", 1000, 100, 100))
	g.AddNewTokens(700)

	// 800-token output cannot fit the remaining 100.
	res := g.ReserveToolOutput(strings.Repeat("a", 3200))
	if res.OK {
		t.Fatal("oversized reservation accepted")
	}
	if res.Reason != RejectionReasonBudget {
		t.Errorf("reason = %q, want %q", res.Reason, RejectionReasonBudget)
	}
	if res.AvailableTokens != 100 {
		t.Errorf("available = %d, want 100 (limit 800 - projected 700)", res.AvailableTokens)
	}
	// The rejected cost must not have been charged.
	if got := g.NewTokens(); got != 700 {
		t.Errorf("new tokens after rejection = %d, want 700", got)
	}
}

func TestReserveToolOutputFreshLedgerScenario(t *testing.T) {
	g := newTestGuard(t, heuristicTarget("p", "m", 1000, 100, 100))

	// A 900-token output cannot fit an empty ledger's 800-token limit; the
	// rejection reports the full limit as available.
	res := g.ReserveToolOutput(strings.Repeat("a", 3600))
	if res.OK {
		t.Fatal("900-token reservation accepted against limit 800")
	}
	if res.AvailableTokens != 800 {
		t.Errorf("available = %d, want 800", res.AvailableTokens)
	}

	// A 700-token output fits and is charged.
	g.ResetForTesting()
	res = g.ReserveToolOutput(strings.Repeat("a", 2800))
	if !res.OK || res.Tokens != 700 {
		t.Fatalf("700-token reservation = %+v, want ok", res)
	}
	if got := g.NewTokens(); got != 700 {
		t.Errorf("new tokens = %d, want 700", got)
	}
}

func TestCanExecuteToolIsOneWayLatch(t *testing.T) {
	g := newTestGuard(t, heuristicTarget("p", "m", 1000, 100, 100))
	if !g.CanExecuteTool() {
		t.Fatal("fresh guard should allow tool execution")
	}

	g.AddNewTokens(799)
	if res := g.ReserveToolOutput(strings.Repeat("a", 40)); res.OK {
		t.Fatal("reservation should have been rejected")
	}
	if g.CanExecuteTool() {
		t.Error("latch should be closed after a rejection")
	}

	// Even a tiny output that would fit on its own stays subject to the latch.
	if g.CanExecuteTool() {
		t.Error("latch must not reopen")
	}
	g.ResetForTesting()
	if !g.CanExecuteTool() {
		t.Error("reset should reopen the latch")
	}
}

func TestReserveToolOutputConcurrentLedgerAtomicity(t *testing.T) {
	g := newTestGuard(t, heuristicTarget("p", "m", 100000, 0, 0))

	const workers = 16
	const perWorker = 10
	out := strings.Repeat("a", 40) // 10 tokens

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if res := g.ReserveToolOutput(out); !res.OK {
					t.Errorf("unexpected rejection: %+v", res)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := g.NewTokens(); got != workers*perWorker*10 {
		t.Errorf("ledger = %d, want %d", got, workers*perWorker*10)
	}
}

func TestEnforceFinalTurnIdempotent(t *testing.T) {
	var mu sync.Mutex
	var calls []FinalTurnTrigger
	g := NewGuard(Config{
		Targets: []models.TargetContextConfig{heuristicTarget("p", "m", 1000, 100, 100)},
		OnFinalTurn: func(trigger FinalTurnTrigger, blocked []BlockedTarget) {
			mu.Lock()
			calls = append(calls, trigger)
			mu.Unlock()
		},
	})

	g.AddPendingTokens(50)
	g.EnforceFinalTurn(nil, TriggerContextOverflow)
	g.EnforceFinalTurn(nil, TriggerMaxTurns)

	forced, trigger := g.FinalTurnForced()
	if !forced || trigger != TriggerContextOverflow {
		t.Errorf("forced=%v trigger=%q, want true/%q", forced, trigger, TriggerContextOverflow)
	}
	if len(calls) != 1 {
		t.Errorf("callback fired %d times, want 1", len(calls))
	}
	// Pending tokens commit exactly once.
	if got := g.CurrentTokens(); got != 50 {
		t.Errorf("committed = %d, want 50", got)
	}
	if got := g.PendingTokens(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestEnforceFinalTurnTaskCompletedUpgradesRetries(t *testing.T) {
	g := newTestGuard(t, heuristicTarget("p", "m", 1000, 100, 100))

	g.EnforceFinalTurn(nil, TriggerRetriesExhausted)
	g.EnforceFinalTurn(nil, TriggerTaskCompleted)
	if _, trigger := g.FinalTurnForced(); trigger != TriggerTaskCompleted {
		t.Errorf("trigger = %q, want task_completed upgrade", trigger)
	}

	// The upgrade is one-directional.
	g.ResetForTesting()
	g.EnforceFinalTurn(nil, TriggerTaskCompleted)
	g.EnforceFinalTurn(nil, TriggerRetriesExhausted)
	if _, trigger := g.FinalTurnForced(); trigger != TriggerTaskCompleted {
		t.Errorf("trigger = %q, retries_exhausted must not overwrite", trigger)
	}
}

func TestEvaluateForProviderVerdicts(t *testing.T) {
	small := heuristicTarget("p", "small", 1000, 100, 100)  // limit 800
	large := heuristicTarget("p", "large", 10000, 100, 100) // limit 9800
	g := newTestGuard(t, small, large)

	if v := g.EvaluateForProvider("p", "small"); v != VerdictOK {
		t.Errorf("empty ledger: verdict = %q, want ok", v)
	}

	g.AddNewTokens(900) // blocks small only
	if v := g.EvaluateForProvider("p", "small"); v != VerdictSkip {
		t.Errorf("small blocked with large open: verdict = %q, want skip", v)
	}
	if v := g.EvaluateForProvider("p", "large"); v != VerdictOK {
		t.Errorf("large open: verdict = %q, want ok", v)
	}

	g.AddNewTokens(9000) // blocks both
	if v := g.EvaluateForProvider("p", "large"); v != VerdictFinal {
		t.Errorf("all blocked: verdict = %q, want final", v)
	}
}

func TestEvaluateForProviderSchemaOnlyOverflowIsOK(t *testing.T) {
	g := newTestGuard(t, heuristicTarget("p", "m", 1000, 100, 100))

	// Conversation fits; schema overhead alone pushes past the limit.
	g.AddNewTokens(700)
	g.SetSchemaTokens(500)
	if v := g.EvaluateForProvider("p", "m"); v != VerdictOK {
		t.Errorf("schema-only overflow: verdict = %q, want ok", v)
	}

	// Once the conversation alone overflows, the verdict changes.
	g.AddNewTokens(200)
	if v := g.EvaluateForProvider("p", "m"); v != VerdictFinal {
		t.Errorf("conversational overflow: verdict = %q, want final", v)
	}
}

func TestReserveToolOutputRejectionForcesFinalTurn(t *testing.T) {
	var mu sync.Mutex
	var triggers []FinalTurnTrigger
	g := NewGuard(Config{
		Targets: []models.TargetContextConfig{heuristicTarget("p", "m", 1000, 100, 100)},
		OnFinalTurn: func(trigger FinalTurnTrigger, blocked []BlockedTarget) {
			mu.Lock()
			triggers = append(triggers, trigger)
			mu.Unlock()
		},
	})

	g.AddNewTokens(799)
	g.ReserveToolOutput(strings.Repeat("a", 400))

	forced, trigger := g.FinalTurnForced()
	if !forced || trigger != TriggerToolPreflight {
		t.Errorf("forced=%v trigger=%q, want true/tool_preflight", forced, trigger)
	}
	if len(triggers) != 1 || triggers[0] != TriggerToolPreflight {
		t.Errorf("callback triggers = %v, want [tool_preflight]", triggers)
	}
}

func TestToolBudgetCallbacksBridge(t *testing.T) {
	g := newTestGuard(t, heuristicTarget("p", "m", 1000, 100, 100))
	cb := g.ToolBudgetCallbacks()

	if got := cb.CountTokens(strings.Repeat("a", 40)); got != 10 {
		t.Errorf("CountTokens = %d, want 10", got)
	}
	if !cb.CanExecuteTool() {
		t.Error("bridge should report tool execution allowed")
	}
	if res := cb.ReserveToolOutput("hi"); !res.OK {
		t.Errorf("small reservation rejected: %+v", res)
	}
}
