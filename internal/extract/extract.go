// Package extract compacts oversized tool outputs so they fit the context
// budget. It tries whole-content chunking with sub-model synthesis, or a
// read/grep delegation to a restricted sub-session, and always degrades to
// plain truncation. Extract never fails: the caller always gets a usable
// string.
package extract

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/haasonsaas/agentgate/internal/accounting"
	"github.com/haasonsaas/agentgate/internal/gateway"
	"github.com/haasonsaas/agentgate/internal/observability"
	"github.com/haasonsaas/agentgate/internal/optree"
	"github.com/haasonsaas/agentgate/internal/tokens"
	"github.com/haasonsaas/agentgate/pkg/models"
)

// Mode selects the extraction strategy.
type Mode string

const (
	// ModeAuto selects between chunked and read-grep from the content shape.
	ModeAuto Mode = "auto"

	// ModeFullChunked maps overlapping chunks through the sub-model and
	// reduces the chunk outputs into one answer.
	ModeFullChunked Mode = "full_chunked"

	// ModeReadGrep opens a bounded sub-session with read/grep access over
	// the content.
	ModeReadGrep Mode = "read_grep"

	// ModeTruncate cuts the content to the byte limit. Never fails.
	ModeTruncate Mode = "truncate"
)

const (
	defaultMaxChunks       = 4
	defaultOverlapPercent  = 10
	defaultLineThreshold   = 2048
	defaultTruncateBytes   = 16 * 1024
	defaultSubTurnCap      = 4
	defaultSubToolCallCap  = 8
	defaultTemperature     = 0.2
	mapPromptOverheadBytes = 1024

	// noDataMarker is what a map step emits when its chunk holds nothing
	// relevant to the goal.
	noDataMarker = "NO_RELEVANT_DATA"
)

// ToolExecFunc executes one tool call on behalf of a delegated sub-session.
type ToolExecFunc func(ctx context.Context, name string, args map[string]any) (string, error)

// LLMClient runs one delegated LLM turn. Map and reduce requests pass no
// tools; the read-grep sub-session passes its read/grep tool and executor.
type LLMClient interface {
	ExecuteTurn(ctx context.Context, req models.TurnRequest, tools []models.ToolSummary, exec ToolExecFunc) (*models.TurnResult, error)
}

// Source is the oversized tool output to compact, with enough call context
// for the sub-model to understand what it is looking at.
type Source struct {
	// ToolName is the tool that produced the content.
	ToolName string

	// ArgsJSON is the tool's argument payload, for prompt context.
	ArgsJSON string

	// Content is the oversized output.
	Content string

	// Goal states what the extraction should preserve. Empty gets a
	// generic "key facts and findings" goal.
	Goal string
}

// Result is the outcome of one extraction. Text is always usable.
type Result struct {
	Text string

	// Mode is the strategy that produced Text. When a strategy failed and
	// the extractor fell back, Mode is ModeTruncate and Fallback is true.
	Mode     Mode
	Fallback bool

	// Chunks is the chunk count of a chunked run.
	Chunks int

	// Tokens is the total sub-model usage across all delegated calls.
	Tokens models.TokenUsage
}

// Config configures an Extractor.
type Config struct {
	// Mode pins the strategy; ModeAuto (the default) selects one.
	Mode Mode

	// MaxChunks bounds the chunked strategy; above it, auto selection
	// switches to read-grep. Default: 4.
	MaxChunks int

	// OverlapPercent is chunk overlap as a percentage of chunk size.
	// Default: 10.
	OverlapPercent int

	// AvgLineBytesThreshold marks content with very long lines (minified
	// data) that must be chunked whole rather than read line-wise.
	// Default: 2048.
	AvgLineBytesThreshold int

	// TruncateBytes is the fallback truncation limit. Default: 16 KiB.
	TruncateBytes int

	// SubTurnCap and SubToolCallCap bound the read-grep sub-session.
	SubTurnCap     int
	SubToolCallCap int

	// Temperature for delegated calls. Default: 0.2.
	Temperature float64

	// Target is the sub-model used for delegated calls.
	Target models.TargetContextConfig

	Client    LLMClient
	Estimator *tokens.Estimator
	Recorder  *accounting.Recorder
	Tree      *optree.Tree
	Logger    *observability.Logger
	Tracer    *observability.Tracer
	Metrics   *observability.Metrics
}

// Extractor compacts oversized tool outputs. Safe for concurrent use.
type Extractor struct {
	cfg     Config
	est     *tokens.Estimator
	log     *observability.Logger
	tracer  *observability.Tracer
	metrics *observability.Metrics
	tree    *optree.Tree
}

// New creates an extractor. Zero-value config fields get defaults.
func New(cfg Config) *Extractor {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = defaultMaxChunks
	}
	if cfg.OverlapPercent <= 0 {
		cfg.OverlapPercent = defaultOverlapPercent
	}
	if cfg.AvgLineBytesThreshold <= 0 {
		cfg.AvgLineBytesThreshold = defaultLineThreshold
	}
	if cfg.TruncateBytes <= 0 {
		cfg.TruncateBytes = defaultTruncateBytes
	}
	if cfg.SubTurnCap <= 0 {
		cfg.SubTurnCap = defaultSubTurnCap
	}
	if cfg.SubToolCallCap <= 0 {
		cfg.SubToolCallCap = defaultSubToolCallCap
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	est := cfg.Estimator
	if est == nil {
		est = tokens.NewEstimator([]models.TargetContextConfig{cfg.Target})
	}
	log := cfg.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &Extractor{
		cfg:     cfg,
		est:     est,
		log:     log,
		tracer:  tracer,
		metrics: cfg.Metrics,
		tree:    cfg.Tree,
	}
}

// Extract compacts src.Content. It never returns an error: strategy failures
// degrade to truncation, with the failure reason carried as a warning line
// inside the returned text.
func (e *Extractor) Extract(ctx context.Context, src Source, parent optree.NodeID) Result {
	if src.Goal == "" {
		src.Goal = "the key facts, findings, and errors relevant to the original request"
	}

	mode := e.cfg.Mode
	if mode == ModeAuto {
		mode = e.SelectMode(src.Content)
	}

	ctx, span := e.tracer.TraceExtraction(ctx, string(mode), src.ToolName)
	defer span.End()

	switch mode {
	case ModeFullChunked:
		res, err := e.fullChunked(ctx, src, parent)
		if err == nil {
			e.countExtraction(ModeFullChunked, "ok")
			return res
		}
		e.log.Warn(ctx, "chunked extraction failed, truncating",
			"tool", src.ToolName, "error", err)
		e.countExtraction(ModeFullChunked, "failed")
		return e.truncate(src, ModeFullChunked, err)
	case ModeReadGrep:
		res, err := e.readGrep(ctx, src, parent)
		if err == nil {
			e.countExtraction(ModeReadGrep, "ok")
			return res
		}
		e.log.Warn(ctx, "read-grep extraction failed, truncating",
			"tool", src.ToolName, "error", err)
		e.countExtraction(ModeReadGrep, "failed")
		return e.truncate(src, ModeReadGrep, err)
	default:
		e.countExtraction(ModeTruncate, "ok")
		res := e.truncate(src, "", nil)
		res.Fallback = false
		return res
	}
}

// SelectMode picks a strategy from the content's size and line shape.
func (e *Extractor) SelectMode(content string) Mode {
	if avgLineBytes(content) >= e.cfg.AvgLineBytesThreshold {
		// Line-oriented reading is meaningless over minified or binary-ish
		// content; digest it whole.
		return ModeFullChunked
	}
	budget := e.chunkBudget()
	if budget <= 0 {
		return ModeReadGrep
	}
	total := e.est.EstimateText(content)
	count := int(math.Ceil(float64(total) / float64(budget)))
	if count <= e.cfg.MaxChunks {
		return ModeFullChunked
	}
	return ModeReadGrep
}

// chunkBudget is the token room one map request has for its chunk: the target
// window minus its output budget, safety buffer, and the map prompt overhead.
func (e *Extractor) chunkBudget() int {
	t := e.cfg.Target
	overhead := e.est.EstimateText(strings.Repeat(" ", mapPromptOverheadBytes))
	return t.ContextWindow - t.MaxOutputTokens - t.BufferTokens - overhead
}

func avgLineBytes(content string) int {
	if content == "" {
		return 0
	}
	lines := strings.Count(content, "\n") + 1
	return len(content) / lines
}

// truncate is the terminal fallback. failedMode, when set, names the strategy
// whose failure forced the fallback; the reason lands in the warning line.
func (e *Extractor) truncate(src Source, failedMode Mode, cause error) Result {
	warning := ""
	if failedMode != "" {
		reason := "failed"
		if cause != nil {
			reason = cause.Error()
		}
		warning = fmt.Sprintf("[extraction via %s failed: %s; content truncated]\n", failedMode, reason)
	}
	room := e.cfg.TruncateBytes - len(warning)
	if room < 0 {
		room = 0
	}
	text := warning + gateway.TruncateWithNotice(src.Content, room)
	if text == "" {
		text = " "
	}
	return Result{
		Text:     text,
		Mode:     ModeTruncate,
		Fallback: failedMode != "",
	}
}

func (e *Extractor) countExtraction(mode Mode, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.Extractions.WithLabelValues(string(mode), outcome).Inc()
}

// callModel issues one delegated turn and records its accounting entry, op
// node, and metrics. label names the call in the op tree ("map 2/4",
// "reduce", "subsession turn 1").
func (e *Extractor) callModel(ctx context.Context, parent optree.NodeID, label string, msgs []models.Message, tools []models.ToolSummary, exec ToolExecFunc) (*models.TurnResult, error) {
	t := e.cfg.Target

	var opID optree.NodeID
	if e.tree != nil {
		opID = e.tree.Begin(parent, optree.KindOp, label)
		if len(msgs) > 0 {
			e.tree.SetRequest(opID, optree.MakeSummary(msgs[len(msgs)-1].Content, 2048))
		}
	}

	ctx, span := e.tracer.TraceLLMRequest(ctx, t.Provider, t.Model)
	start := time.Now()
	result, err := e.cfg.Client.ExecuteTurn(ctx, models.TurnRequest{
		Messages:        msgs,
		Provider:        t.Provider,
		Model:           t.Model,
		Temperature:     e.cfg.Temperature,
		MaxOutputTokens: t.MaxOutputTokens,
	}, tools, exec)
	latency := time.Since(start)

	entry := models.AccountingEntry{
		Type:         models.AccountingLLM,
		Latency:      latency,
		Provider:     t.Provider,
		Model:        t.Model,
		CharactersIn: models.TotalBytes(msgs),
	}
	status := "ok"
	if err != nil {
		entry.Status = models.AccountingFailed
		entry.Error = err.Error()
		status = "failed"
	} else {
		entry.Status = models.AccountingOK
		usage := result.Tokens
		entry.Tokens = &usage
		entry.CharactersOut = len(result.Text())
	}
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.Record(entry)
	}
	e.countLLM(t, status, latency, result)
	if err != nil {
		e.tracer.RecordError(span, err)
		span.End()
		e.endOp(opID, optree.StatusFailed, 0)
		return nil, err
	}
	span.End()
	if e.tree != nil {
		e.tree.SetResponse(opID, optree.MakeSummary(result.Text(), 2048))
	}
	e.endOp(opID, optree.StatusOK, len(result.Text()))
	return result, nil
}

func (e *Extractor) countLLM(t models.TargetContextConfig, status string, latency time.Duration, result *models.TurnResult) {
	if e.metrics == nil {
		return
	}
	e.metrics.LLMRequests.WithLabelValues(t.Provider, t.Model, status).Inc()
	e.metrics.LLMDuration.WithLabelValues(t.Provider, t.Model).Observe(latency.Seconds())
	if result != nil {
		e.metrics.LLMTokens.WithLabelValues(t.Provider, t.Model, "input").Add(float64(result.Tokens.Input))
		e.metrics.LLMTokens.WithLabelValues(t.Provider, t.Model, "output").Add(float64(result.Tokens.Output))
	}
}

func (e *Extractor) endOp(id optree.NodeID, status optree.Status, size int) {
	if e.tree == nil || id == "" {
		return
	}
	e.tree.End(id, status, size)
}

func addUsage(total *models.TokenUsage, u models.TokenUsage) {
	total.Input += u.Input
	total.Output += u.Output
	total.CacheRead += u.CacheRead
	total.CacheWrite += u.CacheWrite
}
