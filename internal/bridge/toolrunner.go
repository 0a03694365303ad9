package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/sonicbridge/internal/driver"
	"github.com/MrWong99/sonicbridge/internal/knowledge"
	"github.com/MrWong99/sonicbridge/internal/observe"
)

// User-safe degradation messages returned to the model as error results. The
// model verbalizes them; the runner itself never speaks.
const (
	msgInvalidQuery     = "Invalid query parameter"
	msgNoInformation    = "No information found"
	msgRetrievalFailure = "I was unable to retrieve that information at the moment."
)

// ToolConfig holds the tool execution parameters. Zero values select the
// defaults.
type ToolConfig struct {
	// Timeout bounds one retrieval call. Default 5s.
	Timeout time.Duration

	// MaxResults caps the number of hits folded into a result. Default 3.
	MaxResults int

	// MinScore filters hits below this relevance score. Default 0.5.
	MinScore float64
}

func (c *ToolConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 3
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.5
	}
}

// resultSender is the slice of the model driver the tool runner writes
// results through.
type resultSender interface {
	SendPromptStart(tools []driver.Tool) error
	SendToolResult(id, content string, success bool) error
	ClosePrompt() error
}

// toolQuery is the expected shape of a toolUse input.
type toolQuery struct {
	Query string `json:"query"`
}

// textBlock is one element of a tool result's content list.
type textBlock struct {
	Text string `json:"text"`
}

// toolResultContent is the JSON document carried inside a toolResult event.
type toolResultContent struct {
	Content []textBlock `json:"content"`
}

// ToolRunner executes model-initiated tool requests against the knowledge
// directory and returns results through the outbound grammar. Executions for
// one session are serialized: at most one outstanding tool call at a time.
//
// Tool failures degrade to error results; they never terminate the session.
type ToolRunner struct {
	sender    resultSender
	dir       *knowledge.Directory
	tools     []driver.Tool
	sessionID string
	cfg       ToolConfig
	log       *slog.Logger
	metrics   *observe.Metrics

	mu sync.Mutex
}

// NewToolRunner creates a ToolRunner. tools is the advertised set repeated on
// each reopened prompt; sessionID is the call identifier stamped onto every
// retrieval query.
func NewToolRunner(sender resultSender, dir *knowledge.Directory, tools []driver.Tool, sessionID string, cfg ToolConfig, log *slog.Logger, m *observe.Metrics) *ToolRunner {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &ToolRunner{sender: sender, dir: dir, tools: tools, sessionID: sessionID, cfg: cfg, log: log, metrics: m}
}

// HandleToolUse executes one toolUse event and sends the result back wrapped
// in its own prompt block. The returned error is non-nil only when the send
// itself fails; execution failures are degraded into the result.
func (r *ToolRunner) HandleToolUse(ctx context.Context, ev driver.ResponseEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	text, success := r.execute(ctx, ev)
	elapsed := time.Since(start)

	status := "ok"
	if !success {
		status = "error"
	}
	r.metrics.RecordToolCall(ctx, ev.ToolName, status)
	r.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())
	r.log.Info("tool call finished",
		"tool", ev.ToolName, "tool_use_id", ev.ToolUseID,
		"status", status, "duration", elapsed)

	doc, err := json.Marshal(toolResultContent{Content: []textBlock{{Text: text}}})
	if err != nil {
		return fmt.Errorf("bridge: marshal tool result: %w", err)
	}

	if err := r.sender.SendPromptStart(r.tools); err != nil {
		return fmt.Errorf("bridge: tool result prompt: %w", err)
	}
	if err := r.sender.SendToolResult(ev.ToolUseID, string(doc), success); err != nil {
		return fmt.Errorf("bridge: tool result: %w", err)
	}
	if err := r.sender.ClosePrompt(); err != nil {
		return fmt.Errorf("bridge: tool result prompt end: %w", err)
	}
	return nil
}

// execute resolves and runs the retrieval, returning the result text and
// whether it is a success.
func (r *ToolRunner) execute(ctx context.Context, ev driver.ResponseEvent) (string, bool) {
	var q toolQuery
	if err := json.Unmarshal([]byte(ev.ToolInput), &q); err != nil || strings.TrimSpace(q.Query) == "" {
		return msgInvalidQuery, false
	}

	tool, ok := r.dir.Resolve(ev.ToolName)
	if !ok {
		r.log.Warn("toolUse for unknown tool", "tool", ev.ToolName)
		return msgRetrievalFailure, false
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	hits, err := tool.Retriever.Retrieve(callCtx, knowledge.Query{Text: q.Query, SessionID: r.sessionID})
	if err != nil {
		r.log.Warn("retrieval failed", "tool", ev.ToolName, "err", err)
		return msgRetrievalFailure, false
	}

	kept := hits[:0:0]
	for _, h := range hits {
		if h.Score >= r.cfg.MinScore {
			kept = append(kept, h)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if len(kept) > r.cfg.MaxResults {
		kept = kept[:r.cfg.MaxResults]
	}
	if len(kept) == 0 {
		return msgNoInformation, false
	}

	texts := make([]string, len(kept))
	for i, h := range kept {
		texts[i] = h.Content
	}
	return strings.Join(texts, "\n\n"), true
}
