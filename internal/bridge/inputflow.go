package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/sonicbridge/internal/driver"
	"github.com/MrWong99/sonicbridge/internal/observe"
	"github.com/MrWong99/sonicbridge/pkg/audio"
	"github.com/MrWong99/sonicbridge/pkg/telephony"
)

// ErrProtocolViolation marks inbound telephony traffic that breaks the
// expected message protocol. The coordinator closes the socket with an
// invalid-message status when it sees this.
var ErrProtocolViolation = errors.New("bridge: telephony protocol violation")

// Forwarding modes for inbound audio.
const (
	// ForwardImmediate sends each transcoded chunk to the driver as it
	// arrives.
	ForwardImmediate = "immediate"

	// ForwardCoalesced stages chunks and flushes on a count or time bound,
	// trading tens of milliseconds of latency for fewer events.
	ForwardCoalesced = "coalesced"
)

// InputConfig holds the ingress and turn parameters. Zero values select the
// defaults.
type InputConfig struct {
	// ForwardingMode is ForwardImmediate or ForwardCoalesced. Default
	// immediate.
	ForwardingMode string

	// CoalesceMaxChunks flushes the staging buffer at this chunk count.
	// Default 5.
	CoalesceMaxChunks int

	// CoalesceMaxWait flushes the staging buffer after this long even when
	// under the chunk bound. Default 100ms.
	CoalesceMaxWait time.Duration

	// SilenceTimeout ends the user turn after this long without inbound
	// media. Default 3s.
	SilenceTimeout time.Duration

	// EndGap is the pause between contentEnd and promptEnd at turn close,
	// giving the model room to drain pending audio context. Default 100ms.
	EndGap time.Duration
}

func (c *InputConfig) applyDefaults() {
	if c.ForwardingMode == "" {
		c.ForwardingMode = ForwardImmediate
	}
	if c.CoalesceMaxChunks <= 0 {
		c.CoalesceMaxChunks = 5
	}
	if c.CoalesceMaxWait <= 0 {
		c.CoalesceMaxWait = 100 * time.Millisecond
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 3 * time.Second
	}
	if c.EndGap <= 0 {
		c.EndGap = 100 * time.Millisecond
	}
}

// modelWriter is the slice of the model driver the ingress flow writes
// through.
type modelWriter interface {
	SendPromptStart(tools []driver.Tool) error
	OpenUserAudio() error
	SendAudio(ctx context.Context, pcm []byte) error
	CloseUserAudio() error
	ClosePrompt() error
}

// turnState tracks where the user turn is.
type turnState int

const (
	// turnReady: the audio content block is open, no media seen yet.
	turnReady turnState = iota

	// turnActive: media has arrived, the silence timer is armed.
	turnActive

	// turnClosed: contentEnd/promptEnd sent, awaiting the assistant.
	turnClosed
)

// InputFlow handles inbound telephony messages for one session: event
// dispatch, transcoding, forwarding into the model driver, and the user-turn
// state machine.
//
// HandleMessage is called from the coordinator's single ingress task;
// CheckSilence and OnAssistantTurnEnd are called from sibling tasks, so all
// state is mutex-guarded.
type InputFlow struct {
	w       modelWriter
	tools   []driver.Tool
	cfg     InputConfig
	log     *slog.Logger
	metrics *observe.Metrics

	// sessionCtx bounds sends issued by the coalesce flush timer, which
	// has no caller context of its own.
	sessionCtx context.Context

	silence *time.Timer

	// closeMu serializes the contentEnd → gap → promptEnd close sequence
	// against concurrent closers and against prompt reopening. A stop that
	// lands while a silence-triggered close is mid-gap must not return
	// before promptEnd has been handed to the driver, or the caller's
	// sessionEnd would jump the queue.
	closeMu sync.Mutex

	// sendMu orders staged-audio sends: taking the buffer and handing it
	// to the driver happen under one critical section, so the flush timer
	// and the ingress path cannot interleave their chunks out of order.
	sendMu sync.Mutex

	mu         sync.Mutex
	state      turnState
	turnStart  time.Time
	lastMedia  time.Time
	staging    []byte
	stagedN    int
	flushTimer *time.Timer
}

// NewInputFlow creates an InputFlow. ctx is the session context; tools is
// the advertised set repeated on each reopened prompt.
//
// The flow starts in the ready state: the caller must have opened the user
// audio content block as part of the session opening sequence.
func NewInputFlow(ctx context.Context, w modelWriter, tools []driver.Tool, cfg InputConfig, log *slog.Logger, m *observe.Metrics) *InputFlow {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}

	silence := time.NewTimer(time.Hour)
	if !silence.Stop() {
		<-silence.C
	}

	return &InputFlow{
		w:          w,
		tools:      tools,
		cfg:        cfg,
		log:        log,
		metrics:    m,
		sessionCtx: ctx,
		silence:    silence,
		state:      turnReady,
	}
}

// HandleMessage processes one inbound telephony message. done is true when
// the peer requested session close (stop event). A returned
// [ErrProtocolViolation] means the socket must be closed as invalid.
func (f *InputFlow) HandleMessage(ctx context.Context, msg *telephony.Message) (done bool, err error) {
	switch msg.Event {
	case telephony.EventConnected:
		return false, nil

	case telephony.EventStart:
		return false, fmt.Errorf("%w: unexpected start after session open", ErrProtocolViolation)

	case telephony.EventMedia:
		if msg.Media == nil {
			return false, fmt.Errorf("%w: media message without payload", ErrProtocolViolation)
		}
		if !strings.Contains(msg.Media.Track, "inbound") {
			return false, nil
		}
		mulaw, err := msg.Media.Decode()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return false, f.handleMedia(ctx, mulaw)

	case telephony.EventStop:
		if err := f.EndTurn(ctx, "stop"); err != nil {
			return true, err
		}
		return true, nil

	case telephony.EventMark:
		if msg.Mark != nil {
			f.log.Debug("mark acknowledged", "name", msg.Mark.Name)
		}
		return false, nil

	case telephony.EventDTMF:
		if msg.DTMF != nil {
			f.log.Debug("dtmf received", "digit", msg.DTMF.Digit)
		}
		return false, nil

	default:
		return false, fmt.Errorf("%w: unknown event %q", ErrProtocolViolation, msg.Event)
	}
}

// handleMedia transcodes one inbound frame and forwards it, opening the turn
// on the first frame.
func (f *InputFlow) handleMedia(ctx context.Context, mulaw []byte) error {
	f.mu.Lock()
	switch f.state {
	case turnClosed:
		// The turn is closed while the assistant responds; barge-in is not
		// supported, so the frame is discarded.
		f.mu.Unlock()
		f.log.Debug("media while awaiting assistant, discarded", "bytes", len(mulaw))
		return nil

	case turnReady:
		f.state = turnActive
		f.turnStart = time.Now()
	}
	f.lastMedia = time.Now()
	f.mu.Unlock()

	f.armSilence(f.cfg.SilenceTimeout)

	pcm := audio.MulawToPCM16k(mulaw)

	if f.cfg.ForwardingMode == ForwardCoalesced {
		return f.stage(ctx, pcm)
	}
	if err := f.w.SendAudio(ctx, pcm); err != nil {
		return fmt.Errorf("bridge: forward audio: %w", err)
	}
	return nil
}

// stage appends a chunk to the coalescing buffer and flushes on the chunk
// bound; the wait bound is handled by a one-shot timer.
func (f *InputFlow) stage(ctx context.Context, pcm []byte) error {
	f.mu.Lock()
	f.staging = append(f.staging, pcm...)
	f.stagedN++
	flushNow := f.stagedN >= f.cfg.CoalesceMaxChunks
	if !flushNow && f.flushTimer == nil {
		f.flushTimer = time.AfterFunc(f.cfg.CoalesceMaxWait, func() {
			if err := f.flushStaging(f.sessionCtx); err != nil {
				f.log.Warn("coalesce flush failed", "err", err)
			}
		})
	}
	f.mu.Unlock()

	if flushNow {
		return f.flushStaging(ctx)
	}
	return nil
}

// flushStaging sends the staged audio, if any, preserving order.
func (f *InputFlow) flushStaging(ctx context.Context) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	f.mu.Lock()
	data := f.staging
	f.staging = nil
	f.stagedN = 0
	if f.flushTimer != nil {
		f.flushTimer.Stop()
		f.flushTimer = nil
	}
	f.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	if err := f.w.SendAudio(ctx, data); err != nil {
		return fmt.Errorf("bridge: forward coalesced audio: %w", err)
	}
	return nil
}

// SilenceExpired returns the silence timer channel. The coordinator's timer
// task selects on it and calls [InputFlow.CheckSilence] when it fires.
func (f *InputFlow) SilenceExpired() <-chan time.Time { return f.silence.C }

// armSilence (re)arms the silence timer.
func (f *InputFlow) armSilence(d time.Duration) {
	if !f.silence.Stop() {
		select {
		case <-f.silence.C:
		default:
		}
	}
	f.silence.Reset(d)
}

// CheckSilence ends the turn when the silence window has truly elapsed;
// spurious or early firings re-arm the timer for the remainder.
func (f *InputFlow) CheckSilence(ctx context.Context) error {
	f.mu.Lock()
	if f.state != turnActive {
		f.mu.Unlock()
		return nil
	}
	elapsed := time.Since(f.lastMedia)
	f.mu.Unlock()

	if remaining := f.cfg.SilenceTimeout - elapsed; remaining > 0 {
		f.armSilence(remaining)
		return nil
	}
	return f.EndTurn(ctx, "silence")
}

// EndTurn closes the open user turn: flushes staged audio, sends
// contentEnd, waits the configured gap, then sends promptEnd. A no-op when
// the turn is already closed. A ready turn with no media yet still has its
// content block open and is closed the same way.
//
// EndTurn holds closeMu for the whole sequence, so a second caller blocks
// until promptEnd has been enqueued and only then sees the closed turn.
func (f *InputFlow) EndTurn(ctx context.Context, reason string) error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()

	f.mu.Lock()
	if f.state == turnClosed {
		f.mu.Unlock()
		return nil
	}
	hadMedia := f.state == turnActive
	f.state = turnClosed
	turnStart := f.turnStart
	f.mu.Unlock()

	if !f.silence.Stop() {
		select {
		case <-f.silence.C:
		default:
		}
	}

	if err := f.flushStaging(ctx); err != nil {
		return err
	}

	if hadMedia {
		f.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
		f.log.Info("user turn closed", "reason", reason, "duration", time.Since(turnStart))
	}

	if err := f.w.CloseUserAudio(); err != nil {
		return fmt.Errorf("bridge: close user turn: %w", err)
	}

	select {
	case <-time.After(f.cfg.EndGap):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := f.w.ClosePrompt(); err != nil {
		return fmt.Errorf("bridge: close prompt: %w", err)
	}
	return nil
}

// OnAssistantTurnEnd re-opens the user turn after the assistant finished
// speaking: a fresh promptStart and audio contentStart go out, and the next
// inbound media frame starts the new turn.
func (f *InputFlow) OnAssistantTurnEnd(ctx context.Context) error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()

	f.mu.Lock()
	if f.state != turnClosed {
		f.mu.Unlock()
		f.log.Debug("assistant turn end with user turn open, ignored")
		return nil
	}
	f.mu.Unlock()

	if err := f.w.SendPromptStart(f.tools); err != nil {
		return fmt.Errorf("bridge: reopen prompt: %w", err)
	}
	if err := f.w.OpenUserAudio(); err != nil {
		return fmt.Errorf("bridge: reopen user audio: %w", err)
	}

	f.mu.Lock()
	f.state = turnReady
	f.mu.Unlock()
	return nil
}
