package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sonicbridge/internal/driver"
	"github.com/MrWong99/sonicbridge/internal/knowledge"
	"github.com/MrWong99/sonicbridge/internal/observe"
	"github.com/MrWong99/sonicbridge/pkg/audio"
	"github.com/MrWong99/sonicbridge/pkg/provider/modelstream"
	"github.com/MrWong99/sonicbridge/pkg/telephony"
)

// errSessionStopped signals that the peer ended the session with a stop
// event. It terminates the task group but closes the socket normally.
var errSessionStopped = errors.New("bridge: session stopped by peer")

// errModelStreamClosed signals that the model side ended the stream before
// the peer hung up.
var errModelStreamClosed = errors.New("bridge: model stream closed")

// toolQueueCap bounds pending toolUse events awaiting the serialized runner.
const toolQueueCap = 8

// TelephonyConn is the transport surface the coordinator drives.
// *telephony.Conn satisfies it; tests substitute a fake.
type TelephonyConn interface {
	Read(ctx context.Context) (*telephony.Message, error)
	WriteMedia(ctx context.Context, streamSID string, payload []byte, seq uint64) error
	WriteMark(ctx context.Context, streamSID, name string) error
	Close(code websocket.StatusCode, reason string) error
}

// CoordinatorConfig carries the per-session wiring parameters.
type CoordinatorConfig struct {
	CallSID   string
	StreamSID string

	// SystemPrompt is sent as the session's opening SYSTEM text content.
	SystemPrompt string

	Model  modelstream.SessionConfig
	Driver driver.Config
	Pacer  PacerConfig
	Input  InputConfig
	Tool   ToolConfig

	// CloseDeadline bounds graceful shutdown before resources are
	// force-released. Default 10s.
	CloseDeadline time.Duration
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.CloseDeadline <= 0 {
		c.CloseDeadline = 10 * time.Second
	}
}

// connSink adapts the telephony connection to the pacer's frame sink,
// binding the stream identifier.
type connSink struct {
	conn      TelephonyConn
	streamSID string
}

func (s connSink) WriteMedia(ctx context.Context, payload []byte, seq uint64) error {
	return s.conn.WriteMedia(ctx, s.streamSID, payload, seq)
}

func (s connSink) WriteMark(ctx context.Context, name string) error {
	return s.conn.WriteMark(ctx, s.streamSID, name)
}

// Coordinator owns one call session: the telephony transport, the model
// stream, the pacer, and the tool runner. It supervises the session tasks
// under a single cancellation context and performs ordered cleanup when any
// of them fails.
type Coordinator struct {
	cfg      CoordinatorConfig
	conn     TelephonyConn
	provider modelstream.Provider
	dir      *knowledge.Directory
	registry *Registry
	log      *slog.Logger
	metrics  *observe.Metrics

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	outRate int
}

// NewCoordinator wires a coordinator for one accepted call. registry may be
// nil when the caller manages registration itself (tests).
func NewCoordinator(conn TelephonyConn, provider modelstream.Provider, dir *knowledge.Directory, registry *Registry, cfg CoordinatorConfig, log *slog.Logger, m *observe.Metrics) *Coordinator {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("call_sid", cfg.CallSID, "stream_sid", cfg.StreamSID)
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Coordinator{
		cfg:      cfg,
		conn:     conn,
		provider: provider,
		dir:      dir,
		registry: registry,
		log:      log,
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// toolSpecs converts the knowledge directory into the tool set advertised at
// prompt start. Every tool takes a single string "query" argument.
func (c *Coordinator) toolSpecs() []driver.Tool {
	if c.dir == nil {
		return nil
	}
	var out []driver.Tool
	for _, t := range c.dir.Tools() {
		out = append(out, driver.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
				},
				"required": []string{"query"},
			},
		})
	}
	return out
}

// Run executes the session until the peer hangs up, the model stream ends,
// or a fatal error occurs. It always performs cleanup (stop pacer, close
// model stream, drain ingress, close socket, deregister) before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	sessionCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	c.metrics.ActiveSessions.Add(ctx, 1)
	defer c.metrics.ActiveSessions.Add(context.Background(), -1)

	stream, err := c.provider.Open(sessionCtx, c.cfg.Model)
	if err != nil {
		c.log.Error("model stream open failed", "err", err)
		c.metrics.RecordSessionFailure(ctx, "model_open")
		_ = c.conn.Close(telephony.CloseInternalError, "internal error")
		c.deregister()
		return fmt.Errorf("bridge: open model stream: %w", err)
	}

	drv := driver.New(stream, c.cfg.Driver, c.log)
	drv.Start(sessionCtx)

	tools := c.toolSpecs()
	pacer := NewPacer(connSink{conn: c.conn, streamSID: c.cfg.StreamSID}, c.cfg.Pacer, c.log, c.metrics)
	flow := NewInputFlow(sessionCtx, drv, tools, c.cfg.Input, c.log, c.metrics)
	runner := NewToolRunner(drv, c.dir, tools, c.cfg.CallSID, c.cfg.Tool, c.log, c.metrics)

	runErr := c.openSession(drv, tools)
	if runErr == nil {
		runErr = c.runTasks(sessionCtx, drv, pacer, flow, runner)
	}

	code, reason := closeStatus(runErr)
	if code == telephony.CloseInternalError || code == telephony.CloseInvalidMessage {
		c.metrics.RecordSessionFailure(ctx, failureKind(runErr))
	}

	// Cleanup order matters: silence the caller first, then the model, then
	// the socket.
	pacer.Stop()
	cancel()
	if err := drv.Close(); err != nil {
		c.log.Debug("model stream close", "err", err)
	}
	c.drainIngress()
	_ = c.conn.Close(code, reason)
	c.deregister()

	if errors.Is(runErr, errSessionStopped) || errors.Is(runErr, errModelStreamClosed) {
		c.log.Info("session finished", "reason", runErr)
		return nil
	}
	if runErr != nil {
		c.log.Error("session failed", "err", runErr)
	}
	return runErr
}

// openSession emits the grammar-opening sequence through the system prompt
// and the first user audio content block.
func (c *Coordinator) openSession(drv *driver.Driver, tools []driver.Tool) error {
	if err := drv.SendSessionStart(); err != nil {
		return fmt.Errorf("bridge: session start: %w", err)
	}
	if err := drv.SendPromptStart(tools); err != nil {
		return fmt.Errorf("bridge: prompt start: %w", err)
	}
	if err := drv.SendSystemPrompt(c.cfg.SystemPrompt); err != nil {
		return fmt.Errorf("bridge: system prompt: %w", err)
	}
	if err := drv.OpenUserAudio(); err != nil {
		return fmt.Errorf("bridge: open user audio: %w", err)
	}
	return nil
}

// runTasks supervises the session tasks; the first fatal return cancels the
// rest.
func (c *Coordinator) runTasks(ctx context.Context, drv *driver.Driver, pacer *Pacer, flow *InputFlow, runner *ToolRunner) error {
	toolCh := make(chan driver.ResponseEvent, toolQueueCap)

	g, gctx := errgroup.WithContext(ctx)

	// Ingress reader.
	g.Go(func() error {
		for {
			msg, err := c.conn.Read(gctx)
			if err != nil {
				if errors.Is(err, telephony.ErrMalformed) {
					return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
				}
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("bridge: ingress read: %w", err)
			}
			done, err := flow.HandleMessage(gctx, msg)
			if err != nil {
				return err
			}
			if done {
				if err := drv.SendSessionEnd(); err != nil {
					c.log.Debug("session end send", "err", err)
				}
				return errSessionStopped
			}
		}
	})

	// Model response reader.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-drv.Events():
				if !ok {
					if err := drv.Err(); err != nil {
						return err
					}
					return errModelStreamClosed
				}
				if err := c.dispatchResponse(gctx, ev, drv, pacer, flow, toolCh); err != nil {
					return err
				}
			}
		}
	})

	// Silence timer.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-flow.SilenceExpired():
				if err := flow.CheckSilence(gctx); err != nil {
					return err
				}
			}
		}
	})

	// Pacer.
	g.Go(func() error {
		return pacer.Run(gctx)
	})

	// Tool runner, serialized off the response reader so a slow retrieval
	// cannot stall the inbound mailbox.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-toolCh:
				if err := runner.HandleToolUse(gctx, ev); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}

// dispatchResponse routes one model event to the pacer, the tool queue, or
// the turn manager.
func (c *Coordinator) dispatchResponse(ctx context.Context, ev driver.ResponseEvent, drv *driver.Driver, pacer *Pacer, flow *InputFlow, toolCh chan<- driver.ResponseEvent) error {
	c.metrics.RecordModelEvent(ctx, "response", ev.Kind.String())

	switch ev.Kind {
	case driver.RespAudioOutput:
		rate, err := c.resolveOutputRate(ev.SampleRateHz)
		if err != nil {
			return err
		}
		mulaw, err := audio.PCMToMulaw8k(ev.Audio, rate)
		if err != nil {
			c.log.Warn("assistant audio frame discarded", "err", err)
			return nil
		}
		pacer.Enqueue(mulaw)
		return nil

	case driver.RespContentEnd:
		if ev.Role == driver.RoleAssistant && ev.ContentType == driver.ContentAudio {
			pacer.Flush()
			return flow.OnAssistantTurnEnd(ctx)
		}
		return nil

	case driver.RespToolUse:
		select {
		case toolCh <- ev:
			return nil
		case <-ctx.Done():
			return nil
		}

	case driver.RespTextOutput:
		c.log.Debug("assistant text", "role", ev.Role, "text", ev.Text)
		return nil

	case driver.RespError:
		return fmt.Errorf("bridge: model error event: %s: %s", ev.ErrKind, ev.ErrDetail)

	case driver.RespStreamClosed:
		if err := drv.Err(); err != nil {
			return err
		}
		return errModelStreamClosed

	default:
		// contentStart, completionStart/End, usage: accounted, otherwise
		// inert for the bridge.
		return nil
	}
}

// resolveOutputRate pins the assistant audio sample rate to the first
// advertisement; a mid-stream change is a protocol violation.
func (c *Coordinator) resolveOutputRate(advertised int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if advertised != 0 {
		if c.outRate == 0 {
			c.outRate = advertised
		} else if advertised != c.outRate {
			return 0, fmt.Errorf("bridge: assistant sample rate changed mid-stream: %d -> %d", c.outRate, advertised)
		}
	}
	if c.outRate != 0 {
		return c.outRate, nil
	}
	if c.cfg.Driver.OutputSampleRate != 0 {
		return c.cfg.Driver.OutputSampleRate, nil
	}
	return 24000, nil
}

// drainIngress discards any buffered inbound messages so the peer's close
// handshake can complete.
func (c *Coordinator) drainIngress() {
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		if _, err := c.conn.Read(drainCtx); err != nil {
			return
		}
	}
}

func (c *Coordinator) deregister() {
	if c.registry != nil {
		c.registry.Unregister(c.cfg.CallSID)
	}
}

// Shutdown trips the session's cancellation and waits for Run to finish or
// for ctx (bounded by the close deadline) to expire. Idempotent.
func (c *Coordinator) Shutdown(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}

	deadline := time.NewTimer(c.cfg.CloseDeadline)
	defer deadline.Stop()
	select {
	case <-c.done:
	case <-ctx.Done():
	case <-deadline.C:
		c.log.Warn("session close deadline exceeded, abandoning")
	}
}

// closeStatus maps the session's terminal error to the socket close code.
func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, errSessionStopped):
		return telephony.CloseNormal, "session complete"
	case errors.Is(err, errModelStreamClosed):
		return telephony.CloseNormal, "session complete"
	case errors.Is(err, ErrProtocolViolation):
		return telephony.CloseInvalidMessage, "invalid message"
	case errors.Is(err, driver.ErrInvalidOrdering):
		return telephony.CloseInternalError, "internal error"
	default:
		return telephony.CloseInternalError, "internal error"
	}
}

// failureKind labels the terminal error for the failure counter.
func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, driver.ErrInvalidOrdering):
		return "grammar_violation"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
