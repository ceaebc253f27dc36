// Package tokens estimates token counts for conversation content and tool
// schemas across the session's configured model targets.
package tokens

import (
	"encoding/json"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/agentgate/pkg/models"
)

// DefaultEncoding is used when a target does not name a tokenizer.
const DefaultEncoding = "cl100k_base"

// schemaTokenMultiplier scales naive token estimates for tool-schema JSON.
// Measured against real provider token counts: repeated structural tokens make
// schema JSON cost roughly twice the naive estimate.
const schemaTokenMultiplier = 2.09

// Control tools that are always advertised; their schema overhead is excluded
// from estimates unless they are the only tools present.
const (
	ControlToolTaskStatus  = "agent__task_status"
	ControlToolFinalReport = "agent__final_report"
)

// Estimator converts text to estimated token counts per target model.
// Estimates take the maximum across all configured targets' tokenizers and are
// floored by a bytes/4 heuristic, so they are non-negative and monotonic in
// content length.
type Estimator struct {
	encodings []*tiktoken.Tiktoken
}

// NewEstimator resolves one tokenizer per target. A target whose encoding
// cannot be loaded degrades to the bytes/4 heuristic.
func NewEstimator(targets []models.TargetContextConfig) *Estimator {
	e := &Estimator{}
	seen := map[string]bool{}
	for _, t := range targets {
		id := t.TokenizerID
		if id == "" {
			id = DefaultEncoding
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		enc, err := tiktoken.GetEncoding(id)
		if err != nil {
			slog.Warn("tokenizer unavailable, using byte heuristic",
				"encoding", id, "target", t.Label(), "error", err)
			continue
		}
		e.encodings = append(e.encodings, enc)
	}
	return e
}

// EstimateText estimates tokens for a single string.
func (e *Estimator) EstimateText(s string) int {
	if s == "" {
		return 0
	}
	best := byteHeuristic(len(s))
	for _, enc := range e.encodings {
		if n := len(enc.Encode(s, nil, nil)); n > best {
			best = n
		}
	}
	return best
}

// EstimateMessages estimates tokens for an ordered message list.
func (e *Estimator) EstimateMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.EstimateText(m.Content)
	}
	return total
}

// EstimateToolSchemas estimates the overhead of advertising tool schemas to
// the model. Control tools are excluded unless they are the only tools
// present, so a session with nothing but control tools still accounts for
// their cost.
func (e *Estimator) EstimateToolSchemas(tools []models.ToolSummary) int {
	counted := make([]models.ToolSummary, 0, len(tools))
	for _, t := range tools {
		if t.Name == ControlToolTaskStatus || t.Name == ControlToolFinalReport {
			continue
		}
		counted = append(counted, t)
	}
	if len(counted) == 0 {
		counted = tools
	}

	naive := 0
	for _, t := range counted {
		naive += e.EstimateText(t.Name)
		naive += e.EstimateText(t.Description)
		naive += e.EstimateText(t.Instructions)
		naive += e.EstimateText(string(compactSchema(t.InputSchema)))
	}
	return int(float64(naive) * schemaTokenMultiplier)
}

// compactSchema normalizes a schema for estimation; invalid JSON is estimated
// as-is rather than rejected.
func compactSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// byteHeuristic is the bytes/4 floor used when no tokenizer is available.
func byteHeuristic(n int) int {
	return (n + 3) / 4
}
