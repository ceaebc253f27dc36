package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentgate/internal/optree"
	"github.com/haasonsaas/agentgate/pkg/models"
)

// chunk is one overlapping byte range of the source content.
type chunk struct {
	index   int
	content string
}

// fullChunked runs the map stage sequentially over overlapping chunks, then
// one reduce call over the concatenated chunk outputs. Any map or reduce call
// that fails, or that does not wrap its answer in the sentinel, aborts the
// whole attempt; there is no partial reduce.
func (e *Extractor) fullChunked(ctx context.Context, src Source, parent optree.NodeID) (Result, error) {
	chunks := e.splitChunks(src.Content)
	if len(chunks) == 0 {
		return Result{}, fmt.Errorf("no content to chunk")
	}

	var sessionID optree.NodeID
	if e.tree != nil {
		sessionID = e.tree.Begin(parent, optree.KindSession, "extract/full_chunked")
	}
	sessionStatus := optree.StatusFailed
	defer func() { e.endOp(sessionID, sessionStatus, 0) }()

	nonce := uuid.NewString()
	open := sentinelOpen(nonce)
	closing := sentinelClose(nonce)

	var usage models.TokenUsage
	outputs := make([]string, 0, len(chunks))
	for _, c := range chunks {
		msgs := []models.Message{
			{Role: models.RoleSystem, Content: mapSystemPrompt(src, c.index+1, len(chunks), nonce)},
			{Role: models.RoleUser, Content: c.content},
		}
		label := fmt.Sprintf("map %d/%d", c.index+1, len(chunks))
		result, err := e.callModel(ctx, sessionID, label, msgs, nil, nil)
		if err != nil {
			return Result{}, fmt.Errorf("map %d/%d: %w", c.index+1, len(chunks), err)
		}
		body, ok := betweenSentinels(result.Text(), open, closing)
		if !ok {
			return Result{}, fmt.Errorf("map %d/%d: response missing sentinel", c.index+1, len(chunks))
		}
		addUsage(&usage, result.Tokens)
		if strings.TrimSpace(body) == noDataMarker {
			continue
		}
		outputs = append(outputs, body)
	}

	var text string
	if len(outputs) == 0 {
		text = fmt.Sprintf("No data relevant to the goal was found in the output of tool '%s'.", src.ToolName)
	} else if len(outputs) == 1 && len(chunks) == 1 {
		// A single chunk needs no reduce pass.
		text = strings.TrimSpace(outputs[0])
	} else {
		combined := strings.Join(outputs, "\n\n---\n\n")
		msgs := []models.Message{
			{Role: models.RoleSystem, Content: reduceSystemPrompt(src, len(outputs), nonce)},
			{Role: models.RoleUser, Content: combined},
		}
		result, err := e.callModel(ctx, sessionID, "reduce", msgs, nil, nil)
		if err != nil {
			return Result{}, fmt.Errorf("reduce: %w", err)
		}
		body, ok := betweenSentinels(result.Text(), open, closing)
		if !ok {
			return Result{}, fmt.Errorf("reduce: response missing sentinel")
		}
		addUsage(&usage, result.Tokens)
		text = strings.TrimSpace(body)
	}

	if text == "" {
		return Result{}, fmt.Errorf("empty extraction result")
	}
	sessionStatus = optree.StatusOK
	return Result{
		Text:   text,
		Mode:   ModeFullChunked,
		Chunks: len(chunks),
		Tokens: usage,
	}, nil
}

// splitChunks cuts content into ordered overlapping chunks sized so each fits
// the chunk token budget, cutting only on rune boundaries.
func (e *Extractor) splitChunks(content string) []chunk {
	if content == "" {
		return nil
	}
	budget := e.chunkBudget()
	if budget <= 0 {
		return []chunk{{index: 0, content: content}}
	}
	total := e.est.EstimateText(content)
	count := (total + budget - 1) / budget
	if count <= 1 {
		return []chunk{{index: 0, content: content}}
	}

	size := (len(content) + count - 1) / count
	overlap := size * e.cfg.OverlapPercent / 100
	stride := size - overlap
	if stride <= 0 {
		stride = size
	}

	var chunks []chunk
	for start, i := 0, 0; start < len(content); start, i = start+stride, i+1 {
		begin := runeFloor(content, start)
		end := runeFloor(content, begin+size)
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, chunk{index: i, content: content[begin:end]})
		if end == len(content) {
			break
		}
	}
	return chunks
}

func mapSystemPrompt(src Source, pos, total int, nonce string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are given part %d of %d of the output of tool '%s'", pos, total, src.ToolName)
	if src.ArgsJSON != "" && src.ArgsJSON != "{}" {
		fmt.Fprintf(&b, " (called with arguments %s)", src.ArgsJSON)
	}
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "Extract %s from this part only.\n\n", src.Goal)
	fmt.Fprintf(&b, "Wrap your entire answer in %s ... %s.\n", sentinelOpen(nonce), sentinelClose(nonce))
	fmt.Fprintf(&b, "If this part contains nothing relevant, answer exactly %s%s%s.",
		sentinelOpen(nonce), noDataMarker, sentinelClose(nonce))
	return b.String()
}

func reduceSystemPrompt(src Source, parts int, nonce string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are given %d partial extractions from the output of tool '%s', in order, separated by '---'.\n\n", parts, src.ToolName)
	fmt.Fprintf(&b, "Merge them into one coherent answer covering %s. Remove duplication; keep concrete values.\n\n", src.Goal)
	fmt.Fprintf(&b, "Wrap your entire answer in %s ... %s.", sentinelOpen(nonce), sentinelClose(nonce))
	return b.String()
}

func sentinelOpen(nonce string) string  { return "<ag-extract-" + nonce + ">" }
func sentinelClose(nonce string) string { return "</ag-extract-" + nonce + ">" }

// betweenSentinels returns the text between the first open tag and the last
// close tag. Both tags must be present.
func betweenSentinels(s, open, closing string) (string, bool) {
	i := strings.Index(s, open)
	if i < 0 {
		return "", false
	}
	j := strings.LastIndex(s, closing)
	if j < 0 || j < i+len(open) {
		return "", false
	}
	return s[i+len(open) : j], true
}

// runeFloor moves i down to the nearest rune start within s.
func runeFloor(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && s[i]&0xC0 == 0x80 {
		i--
	}
	return i
}
