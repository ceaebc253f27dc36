package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentgate/internal/gateway"
	"github.com/haasonsaas/agentgate/internal/optree"
	"github.com/haasonsaas/agentgate/pkg/models"
)

const (
	readToolName = "extract__read"
	grepToolName = "extract__grep"

	defaultReadLimit  = 200
	maxGrepMatches    = 100
	maxToolReplyBytes = 8 * 1024
)

// handle is a named, read-only view over the source content, served to the
// sub-session line-wise.
type handle struct {
	name  string
	lines []string
}

func newHandle(content string) *handle {
	return &handle{
		name:  "extract-" + uuid.NewString()[:8],
		lines: strings.Split(content, "\n"),
	}
}

// readGrep opens a bounded sub-session whose only capability is reading and
// searching the content through a named handle. The sub-session must end with
// a genuine final answer; a synthetic or empty one is a failure.
func (e *Extractor) readGrep(ctx context.Context, src Source, parent optree.NodeID) (Result, error) {
	h := newHandle(src.Content)

	var sessionID optree.NodeID
	if e.tree != nil {
		sessionID = e.tree.Begin(parent, optree.KindSession, "extract/read_grep")
	}
	sessionStatus := optree.StatusFailed
	defer func() { e.endOp(sessionID, sessionStatus, 0) }()

	var calls atomic.Int64
	exec := func(_ context.Context, name string, args map[string]any) (string, error) {
		if calls.Add(1) > int64(e.cfg.SubToolCallCap) {
			return "", fmt.Errorf("tool call limit reached (%d); produce your final answer now", e.cfg.SubToolCallCap)
		}
		switch name {
		case readToolName:
			return h.read(intArg(args, "offset", 1), intArg(args, "limit", defaultReadLimit)), nil
		case grepToolName:
			pattern, _ := args["pattern"].(string)
			return h.grep(pattern)
		default:
			return "", fmt.Errorf("unknown tool %q", name)
		}
	}

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: readGrepSystemPrompt(src, h)},
		{Role: models.RoleUser, Content: "Begin. Use the tools as needed, then give your final answer as plain text."},
	}

	var usage models.TokenUsage
	for turn := 1; turn <= e.cfg.SubTurnCap; turn++ {
		label := fmt.Sprintf("subsession turn %d", turn)
		result, err := e.callModel(ctx, sessionID, label, msgs, readGrepTools(h), exec)
		if err != nil {
			return Result{}, fmt.Errorf("sub-session turn %d: %w", turn, err)
		}
		addUsage(&usage, result.Tokens)
		switch result.Status {
		case models.TurnFailed:
			return Result{}, fmt.Errorf("sub-session turn %d failed", turn)
		case models.TurnSynthetic:
			return Result{}, fmt.Errorf("sub-session ended with a synthetic answer")
		}
		text := strings.TrimSpace(result.Text())
		if text != "" {
			sessionStatus = optree.StatusOK
			return Result{
				Text:   text,
				Mode:   ModeReadGrep,
				Tokens: usage,
			}, nil
		}
		msgs = append(msgs,
			models.Message{Role: models.RoleAssistant, Content: result.Text()},
			models.Message{Role: models.RoleUser, Content: "Continue. Give your final answer as plain text."},
		)
	}
	return Result{}, fmt.Errorf("sub-session produced no answer within %d turns", e.cfg.SubTurnCap)
}

// read returns lines [offset, offset+limit) with 1-based line numbers.
func (h *handle) read(offset, limit int) string {
	if offset < 1 {
		offset = 1
	}
	if limit < 1 {
		limit = defaultReadLimit
	}
	if offset > len(h.lines) {
		return fmt.Sprintf("(past end: %s has %d lines)", h.name, len(h.lines))
	}
	end := offset + limit
	if end > len(h.lines)+1 {
		end = len(h.lines) + 1
	}
	var b strings.Builder
	for i := offset; i < end; i++ {
		fmt.Fprintf(&b, "%d\t%s\n", i, h.lines[i-1])
	}
	return gateway.TruncateWithNotice(b.String(), maxToolReplyBytes)
}

// grep returns numbered matching lines, capped.
func (h *handle) grep(pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	var b strings.Builder
	matches := 0
	for i, line := range h.lines {
		if !re.MatchString(line) {
			continue
		}
		matches++
		if matches > maxGrepMatches {
			fmt.Fprintf(&b, "(more matches omitted after %d)\n", maxGrepMatches)
			break
		}
		fmt.Fprintf(&b, "%d\t%s\n", i+1, line)
	}
	if matches == 0 {
		return "(no matches)", nil
	}
	return gateway.TruncateWithNotice(b.String(), maxToolReplyBytes), nil
}

func readGrepTools(h *handle) []models.ToolSummary {
	readSchema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"offset": map[string]any{"type": "integer", "description": "1-based first line to read"},
			"limit":  map[string]any{"type": "integer", "description": "number of lines to read"},
		},
	})
	grepSchema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Go regular expression"},
		},
		"required": []string{"pattern"},
	})
	return []models.ToolSummary{
		{
			Name:        readToolName,
			Description: fmt.Sprintf("Read numbered lines from %s.", h.name),
			InputSchema: readSchema,
		},
		{
			Name:        grepToolName,
			Description: fmt.Sprintf("Search %s for lines matching a regular expression.", h.name),
			InputSchema: grepSchema,
		},
	}
}

func readGrepSystemPrompt(src Source, h *handle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The output of tool '%s'", src.ToolName)
	if src.ArgsJSON != "" && src.ArgsJSON != "{}" {
		fmt.Fprintf(&b, " (called with arguments %s)", src.ArgsJSON)
	}
	fmt.Fprintf(&b, " is too large to show directly. It is available as %s (%d lines).\n\n", h.name, len(h.lines))
	fmt.Fprintf(&b, "Use %s and %s to inspect it, then report %s as plain text.\n", readToolName, grepToolName, src.Goal)
	b.WriteString("Do not guess; only report what you actually read.")
	return b.String()
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
