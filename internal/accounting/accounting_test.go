package accounting

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/agentgate/pkg/models"
)

const testPricingYAML = `
anthropic:
  claude-sonnet:
    unit: per_1m
    prompt: 3.0
    completion: 15.0
    cache_read: 0.3
    cache_write: 3.75
openai:
  gpt-4o-mini:
    unit: per_1k
    prompt: 0.00015
    completion: 0.0006
`

func writePricing(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prices.yaml")
	if err := os.WriteFile(path, []byte(testPricingYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestLoadPricingAndCost(t *testing.T) {
	p, err := LoadPricing(writePricing(t))
	if err != nil {
		t.Fatal(err)
	}

	usage := models.TokenUsage{Input: 1_000_000, Output: 100_000, CacheRead: 500_000, CacheWrite: 10_000}
	got := p.Cost("anthropic", "claude-sonnet", usage)
	want := 3.0 + 1.5 + 0.15 + 0.0375
	if !almostEqual(got, want) {
		t.Errorf("per_1m cost = %v, want %v", got, want)
	}

	got = p.Cost("openai", "gpt-4o-mini", models.TokenUsage{Input: 2000, Output: 1000})
	want = 2*0.00015 + 0.0006
	if !almostEqual(got, want) {
		t.Errorf("per_1k cost = %v, want %v", got, want)
	}
}

func TestCostUnknownModelIsZero(t *testing.T) {
	p, err := LoadPricing(writePricing(t))
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Cost("anthropic", "no-such-model", models.TokenUsage{Input: 1000}); got != 0 {
		t.Errorf("unknown model cost = %v, want 0", got)
	}
	if got := p.Cost("no-such-provider", "m", models.TokenUsage{Input: 1000}); got != 0 {
		t.Errorf("unknown provider cost = %v, want 0", got)
	}
}

func TestLoadPricingErrors(t *testing.T) {
	if _, err := LoadPricing(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should error")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("anthropic: [not, a, map"), 0o644)
	if _, err := LoadPricing(bad); err == nil {
		t.Error("malformed YAML should error")
	}
}

func TestRecorderStampsLineageAndCost(t *testing.T) {
	p, err := LoadPricing(writePricing(t))
	if err != nil {
		t.Fatal(err)
	}

	var got models.AccountingEntry
	r := NewRecorder(func(e models.AccountingEntry) { got = e }, p, Lineage{
		AgentID:     "researcher",
		CallPath:    "root/researcher",
		TxnID:       "txn-2",
		ParentTxnID: "txn-1",
		OriginTxnID: "txn-0",
	})

	usage := models.TokenUsage{Input: 1_000_000}
	r.Record(models.AccountingEntry{
		Type:     models.AccountingLLM,
		Status:   models.AccountingOK,
		Provider: "anthropic",
		Model:    "claude-sonnet",
		Tokens:   &usage,
	})

	if got.AgentID != "researcher" || got.CallPath != "root/researcher" {
		t.Errorf("lineage not stamped: %+v", got)
	}
	if got.TxnID != "txn-2" || got.ParentTxnID != "txn-1" || got.OriginTxnID != "txn-0" {
		t.Errorf("txn lineage not stamped: %+v", got)
	}
	if !almostEqual(got.CostUSD, 3.0) {
		t.Errorf("cost = %v, want 3.0", got.CostUSD)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}
}

func TestRecorderToolEntriesNotPriced(t *testing.T) {
	p, _ := LoadPricing(writePricing(t))
	var got models.AccountingEntry
	r := NewRecorder(func(e models.AccountingEntry) { got = e }, p, Lineage{})

	r.Record(models.AccountingEntry{
		Type:     models.AccountingTool,
		Status:   models.AccountingOK,
		Provider: "anthropic",
		Model:    "claude-sonnet",
	})
	if got.CostUSD != 0 {
		t.Errorf("tool entry priced: %v", got.CostUSD)
	}
}

func TestRecorderSurvivesPanickingSink(t *testing.T) {
	r := NewRecorder(func(models.AccountingEntry) { panic("sink blew up") }, nil, Lineage{})
	r.Record(models.AccountingEntry{Type: models.AccountingTool}) // must not panic

	nilSink := NewRecorder(nil, nil, Lineage{})
	nilSink.Record(models.AccountingEntry{Type: models.AccountingTool})
}
