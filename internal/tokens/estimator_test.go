package tokens

import (
	"strings"
	"testing"

	"github.com/haasonsaas/agentgate/pkg/models"
)

// heuristicEstimator forces the bytes/4 floor by naming an encoding that
// cannot be loaded.
func heuristicEstimator() *Estimator {
	return NewEstimator([]models.TargetContextConfig{
		{Provider: "p", Model: "m", TokenizerID: "x-test-no-such-encoding"},
	})
}

func TestEstimateTextHeuristicFloor(t *testing.T) {
	e := heuristicEstimator()

	cases := []struct {
		bytes int
		want  int
	}{
		{0, 0},
		{1, 1},
		{3, 1},
		{4, 1},
		{5, 2},
		{400, 100},
	}
	for _, tc := range cases {
		got := e.EstimateText(strings.Repeat("a", tc.bytes))
		if got != tc.want {
			t.Errorf("EstimateText(%d bytes) = %d, want %d", tc.bytes, got, tc.want)
		}
	}
}

func TestEstimateTextMonotonic(t *testing.T) {
	e := heuristicEstimator()
	prev := -1
	for n := 0; n < 64; n++ {
		got := e.EstimateText(strings.Repeat("x", n))
		if got < prev {
			t.Fatalf("estimate decreased at %d bytes: %d < %d", n, got, prev)
		}
		prev = got
	}
}

func TestEstimateMessagesSums(t *testing.T) {
	e := heuristicEstimator()
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: strings.Repeat("a", 40)},
		{Role: models.RoleUser, Content: strings.Repeat("b", 80)},
		{Role: models.RoleAssistant, Content: ""},
	}
	if got := e.EstimateMessages(msgs); got != 30 {
		t.Errorf("EstimateMessages = %d, want 30", got)
	}
}

func TestEstimateToolSchemasExcludesControlTools(t *testing.T) {
	e := heuristicEstimator()

	regular := models.ToolSummary{Name: strings.Repeat("t", 40)}
	control := models.ToolSummary{Name: ControlToolTaskStatus}

	withControl := e.EstimateToolSchemas([]models.ToolSummary{regular, control})
	withoutControl := e.EstimateToolSchemas([]models.ToolSummary{regular})
	if withControl != withoutControl {
		t.Errorf("control tool changed the estimate: %d vs %d", withControl, withoutControl)
	}
}

func TestEstimateToolSchemasControlOnlyStillCounted(t *testing.T) {
	e := heuristicEstimator()
	only := []models.ToolSummary{
		{Name: ControlToolTaskStatus},
		{Name: ControlToolFinalReport},
	}
	if got := e.EstimateToolSchemas(only); got == 0 {
		t.Error("control tools alone must still carry schema cost")
	}
}

func TestEstimateToolSchemasAppliesMultiplier(t *testing.T) {
	e := heuristicEstimator()

	// 400-byte name -> naive 100 tokens -> 209 after the multiplier.
	tool := models.ToolSummary{Name: strings.Repeat("n", 400)}
	if got := e.EstimateToolSchemas([]models.ToolSummary{tool}); got != 209 {
		t.Errorf("EstimateToolSchemas = %d, want 209", got)
	}
}

func TestEstimateToolSchemasCompactsJSON(t *testing.T) {
	e := heuristicEstimator()

	pretty := models.ToolSummary{
		Name:        "t",
		InputSchema: []byte("{\n  \"type\":   \"object\"  \n}"),
	}
	compact := models.ToolSummary{
		Name:        "t",
		InputSchema: []byte(`{"type":"object"}`),
	}
	if got, want := e.EstimateToolSchemas([]models.ToolSummary{pretty}),
		e.EstimateToolSchemas([]models.ToolSummary{compact}); got != want {
		t.Errorf("pretty-printed schema estimated differently: %d vs %d", got, want)
	}
}
