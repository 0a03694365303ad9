// Package driver owns the bidirectional model stream for one call session.
//
// The driver serialises outbound request events into the legal session
// grammar (sessionStart, prompts, content blocks, sessionEnd) through a
// single writer goroutine, so concurrent producers — the ingress flow, the
// tool runner, the lifecycle driver — can never interleave illegally. Inbound
// response payloads are parsed into a typed event sum and delivered through a
// bounded mailbox in arrival order.
//
// Audio input events may be batched up to a bounded byte size before hitting
// the wire; batching is invisible to the grammar. Non-audio events travel on
// a small priority lane so lifecycle and tool events cannot be starved by a
// full audio queue.
package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/sonicbridge/pkg/provider/modelstream"
)

const (
	// defaultAudioQueueBytes bounds the outbound audio lane at roughly two
	// seconds of 16 kHz PCM16 mono.
	defaultAudioQueueBytes = 64_000

	// defaultAudioChunkBytes is the expected size of one transcoded ingress
	// chunk (20 ms at 16 kHz PCM16), used to size the audio channel.
	defaultAudioChunkBytes = 640

	// defaultAudioBatchBytes caps how much queued audio the writer folds
	// into a single audioInput event.
	defaultAudioBatchBytes = 3_200

	// defaultPriorityCap is the capacity of the non-audio priority lane.
	defaultPriorityCap = 32

	// defaultMailboxSize is the capacity of the inbound event mailbox.
	defaultMailboxSize = 256

	// defaultAckTimeout bounds the wire write of ordering-critical events.
	defaultAckTimeout = 2 * time.Second
)

// Tool describes one tool offered to the model at prompt start.
type Tool struct {
	// Name is the tool identifier the model uses in toolUse events.
	Name string

	// Description tells the model when to invoke the tool.
	Description string

	// InputSchema is the JSON-schema object for the tool's input.
	InputSchema map[string]any
}

// Config holds the driver's protocol parameters. Zero values select the
// defaults above.
type Config struct {
	// AudioQueueBytes bounds the audio lane in bytes of queued PCM.
	AudioQueueBytes int

	// AudioBatchBytes caps per-event audio batching.
	AudioBatchBytes int

	// MailboxSize is the inbound event mailbox capacity.
	MailboxSize int

	// AckTimeout bounds writes of ordering-critical (non-audio) events.
	// On expiry the session is marked failed.
	AckTimeout time.Duration

	// OutputSampleRate is the sample rate requested for assistant audio
	// (16000 or 24000).
	OutputSampleRate int

	// Voice selects the assistant voice.
	Voice string

	// MaxTokens, TopP and Temperature are the inference parameters sent in
	// sessionStart.
	MaxTokens   int
	TopP        float64
	Temperature float64
}

func (c *Config) applyDefaults() {
	if c.AudioQueueBytes <= 0 {
		c.AudioQueueBytes = defaultAudioQueueBytes
	}
	if c.AudioBatchBytes <= 0 {
		c.AudioBatchBytes = defaultAudioBatchBytes
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = defaultMailboxSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = 24000
	}
	if c.Voice == "" {
		c.Voice = "matthew"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.TopP <= 0 {
		c.TopP = 0.9
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
}

// request is one validated outbound event: the grammar triple plus the
// pre-marshalled wire payload.
type request struct {
	kind    reqKind
	role    string
	ckind   string
	payload []byte
}

// Driver multiplexes one model stream. Create with [New], then call
// [Driver.Start] exactly once. All exported methods are safe for concurrent
// use.
type Driver struct {
	stream modelstream.Stream
	cfg    Config
	log    *slog.Logger

	prioCh  chan []request
	audioCh chan []byte
	events  chan ResponseEvent

	// done is closed when the writer exits, releasing blocked producers.
	done chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	errVal       error
	started      bool
	closed       bool
	promptName   string
	audioContent string
	toolUses     map[string]bool
}

// New creates a Driver over stream. The driver does not read or write until
// [Driver.Start] is called.
func New(stream modelstream.Stream, cfg Config, log *slog.Logger) *Driver {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	audioCap := cfg.AudioQueueBytes / defaultAudioChunkBytes
	if audioCap < 1 {
		audioCap = 1
	}
	return &Driver{
		stream:   stream,
		cfg:      cfg,
		log:      log,
		prioCh:   make(chan []request, defaultPriorityCap),
		audioCh:  make(chan []byte, audioCap),
		events:   make(chan ResponseEvent, cfg.MailboxSize),
		done:     make(chan struct{}),
		toolUses: make(map[string]bool),
	}
}

// Start spawns the writer and reader loops. The loops stop when ctx is
// cancelled, the stream ends, or a fatal error occurs.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(2)
	go d.writeLoop(runCtx)
	go d.readLoop(runCtx)
}

// Events returns the inbound mailbox. The channel delivers events in arrival
// order, ends with a single [RespStreamClosed] event, and is then closed.
func (d *Driver) Events() <-chan ResponseEvent { return d.events }

// Err returns the first fatal error observed by the driver, or nil.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errVal
}

// ── Outbound operations ────────────────────────────────────────────────────

// SendSessionStart enqueues the opening sessionStart event. Must be the first
// event of the session.
func (d *Driver) SendSessionStart() error {
	payload, err := marshalRequest("sessionStart", sessionStartBody{
		InferenceConfiguration: inferenceConfiguration{
			MaxTokens:   d.cfg.MaxTokens,
			TopP:        d.cfg.TopP,
			Temperature: d.cfg.Temperature,
		},
	})
	if err != nil {
		return err
	}
	return d.enqueue([]request{{kind: reqSessionStart, payload: payload}})
}

// SendPromptStart opens a new prompt block, advertising tools and the audio
// output configuration. A fresh prompt name is generated for each call.
func (d *Driver) SendPromptStart(tools []Tool) error {
	name := uuid.NewString()

	body := promptStartBody{
		PromptName:              name,
		TextOutputConfiguration: textConfiguration{MediaType: "text/plain"},
		AudioOutputConfiguration: audioOutputConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: d.cfg.OutputSampleRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			VoiceID:         d.cfg.Voice,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
		ToolUseOutputConfig: textConfiguration{MediaType: "application/json"},
	}
	if len(tools) > 0 {
		tc := &toolConfiguration{}
		for _, t := range tools {
			schema, err := json.Marshal(t.InputSchema)
			if err != nil {
				return fmt.Errorf("driver: marshal tool schema %q: %w", t.Name, err)
			}
			tc.Tools = append(tc.Tools, toolSpec{ToolSpec: toolSpecInner{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: toolInputSchema{JSON: string(schema)},
			}})
		}
		body.ToolConfiguration = tc
	}

	payload, err := marshalRequest("promptStart", body)
	if err != nil {
		return err
	}
	if err := d.enqueue([]request{{kind: reqPromptStart, payload: payload}}); err != nil {
		return err
	}

	d.mu.Lock()
	d.promptName = name
	d.mu.Unlock()
	return nil
}

// SendSystemPrompt writes the system prompt as a complete SYSTEM/TEXT content
// block. Must be the first content of the session.
func (d *Driver) SendSystemPrompt(text string) error {
	prompt := d.currentPrompt()
	content := uuid.NewString()

	start, err := marshalRequest("contentStart", contentStartBody{
		PromptName:    prompt,
		ContentName:   content,
		Type:          ContentText,
		Role:          RoleSystem,
		Interactive:   true,
		TextInputConf: &textConfiguration{MediaType: "text/plain"},
	})
	if err != nil {
		return err
	}
	input, err := marshalRequest("textInput", textInputBody{
		PromptName:  prompt,
		ContentName: content,
		Content:     text,
	})
	if err != nil {
		return err
	}
	end, err := marshalRequest("contentEnd", contentEndBody{PromptName: prompt, ContentName: content})
	if err != nil {
		return err
	}

	return d.enqueue([]request{
		{kind: reqContentStart, role: RoleSystem, ckind: ContentText, payload: start},
		{kind: reqTextInput, ckind: ContentText, payload: input},
		{kind: reqContentEnd, payload: end},
	})
}

// OpenUserAudio opens a USER/AUDIO content block for the next user turn.
func (d *Driver) OpenUserAudio() error {
	prompt := d.currentPrompt()
	content := uuid.NewString()

	payload, err := marshalRequest("contentStart", contentStartBody{
		PromptName:  prompt,
		ContentName: content,
		Type:        ContentAudio,
		Role:        RoleUser,
		Interactive: true,
		AudioInputConf: &audioInputConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: 16000,
			SampleSizeBits:  16,
			ChannelCount:    1,
			AudioType:       "SPEECH",
			Encoding:        "base64",
		},
	})
	if err != nil {
		return err
	}
	if err := d.enqueue([]request{{kind: reqContentStart, role: RoleUser, ckind: ContentAudio, payload: payload}}); err != nil {
		return err
	}

	d.mu.Lock()
	d.audioContent = content
	d.mu.Unlock()
	return nil
}

// SendAudio queues one PCM16@16k chunk for the open audio content block.
// It blocks when the audio lane is full (backpressure) until space frees,
// ctx is done, or the driver terminates.
func (d *Driver) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)

	select {
	case d.audioCh <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return d.terminalErr()
	}
}

// CloseUserAudio terminates the open audio content block. Audio already
// queued is flushed to the wire first.
func (d *Driver) CloseUserAudio() error {
	// The content name stays set until the next OpenUserAudio: queued audio
	// is flushed by the writer before the contentEnd goes out and still
	// needs it.
	d.mu.Lock()
	prompt, content := d.promptName, d.audioContent
	d.mu.Unlock()

	payload, err := marshalRequest("contentEnd", contentEndBody{PromptName: prompt, ContentName: content})
	if err != nil {
		return err
	}
	return d.enqueue([]request{{kind: reqContentEnd, payload: payload}})
}

// ClosePrompt terminates the open prompt block.
func (d *Driver) ClosePrompt() error {
	payload, err := marshalRequest("promptEnd", promptEndBody{PromptName: d.currentPrompt()})
	if err != nil {
		return err
	}
	return d.enqueue([]request{{kind: reqPromptEnd, payload: payload}})
}

// SendToolResult returns a tool execution result to the model as a complete
// prompt carrying a single TOOL content block. The id must match a toolUse
// event previously observed on the response stream.
func (d *Driver) SendToolResult(id, content string, success bool) error {
	d.mu.Lock()
	known := d.toolUses[id]
	d.mu.Unlock()
	if !known {
		return fmt.Errorf("driver: tool result for unknown tool use id %q", id)
	}

	prompt := d.currentPrompt()
	contentName := uuid.NewString()
	status := "success"
	if !success {
		status = "error"
	}

	start, err := marshalRequest("contentStart", contentStartBody{
		PromptName:  prompt,
		ContentName: contentName,
		Type:        ContentTool,
		Role:        RoleTool,
		Interactive: false,
		ToolResultInputConf: &toolResultInputConfiguration{
			ToolUseID:     id,
			Type:          ContentText,
			TextInputConf: textConfiguration{MediaType: "text/plain"},
		},
	})
	if err != nil {
		return err
	}
	result, err := marshalRequest("toolResult", toolResultBody{
		PromptName:  prompt,
		ContentName: contentName,
		Content:     content,
		Status:      status,
	})
	if err != nil {
		return err
	}
	end, err := marshalRequest("contentEnd", contentEndBody{PromptName: prompt, ContentName: contentName})
	if err != nil {
		return err
	}

	return d.enqueue([]request{
		{kind: reqContentStart, role: RoleTool, ckind: ContentTool, payload: start},
		{kind: reqToolResult, ckind: ContentTool, payload: result},
		{kind: reqContentEnd, payload: end},
	})
}

// SendSessionEnd enqueues the closing sessionEnd event.
func (d *Driver) SendSessionEnd() error {
	payload, err := marshalRequest("sessionEnd", sessionEndBody{})
	if err != nil {
		return err
	}
	return d.enqueue([]request{{kind: reqSessionEnd, payload: payload}})
}

// Close stops the driver and closes the underlying stream. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := d.stream.Close()
	d.wg.Wait()
	return err
}

// ── Internals ──────────────────────────────────────────────────────────────

func (d *Driver) currentPrompt() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.promptName
}

// enqueue puts a batch of requests on the priority lane. The batch is written
// contiguously so composite operations (system prompt, tool result) cannot be
// interleaved by other producers.
func (d *Driver) enqueue(batch []request) error {
	select {
	case d.prioCh <- batch:
		return nil
	case <-d.done:
		return d.terminalErr()
	}
}

func (d *Driver) terminalErr() error {
	if err := d.Err(); err != nil {
		return err
	}
	return fmt.Errorf("driver: session terminated")
}

// writeLoop is the single writer: it owns the grammar and the wire order.
func (d *Driver) writeLoop(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.done)

	g := &grammar{}

	for {
		// Priority lane first so lifecycle events are never starved.
		select {
		case batch := <-d.prioCh:
			if !d.writeBatch(ctx, g, batch) {
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			d.drainPriority(g)
			return

		case batch := <-d.prioCh:
			if !d.writeBatch(ctx, g, batch) {
				return
			}

		case chunk := <-d.audioCh:
			if !d.writeAudio(ctx, g, chunk) {
				return
			}
		}
	}
}

// drainPriority best-effort flushes lifecycle events that were enqueued
// before cancellation, so a graceful sessionEnd still reaches the wire.
// Queued audio is dropped.
func (d *Driver) drainPriority(g *grammar) {
	for {
		select {
		case batch := <-d.prioCh:
			for _, r := range batch {
				if err := g.advance(r.kind, r.role, r.ckind); err != nil {
					return
				}
				sendCtx, cancel := context.WithTimeout(context.Background(), d.cfg.AckTimeout)
				err := d.stream.Send(sendCtx, r.payload)
				cancel()
				if err != nil {
					return
				}
			}
		default:
			return
		}
	}
}

// writeBatch flushes any queued audio (so audio enqueued before a lifecycle
// event stays ahead of it on the wire), then writes the batch in order.
// Returns false when the writer must exit.
func (d *Driver) writeBatch(ctx context.Context, g *grammar, batch []request) bool {
	if g.openKind == ContentAudio {
		if !d.drainQueuedAudio(ctx, g) {
			return false
		}
	}
	for _, r := range batch {
		if err := g.advance(r.kind, r.role, r.ckind); err != nil {
			d.fail(err)
			return false
		}
		if err := d.sendWithAck(ctx, r.payload); err != nil {
			d.fail(fmt.Errorf("driver: write %s: %w", r.kind, err))
			return false
		}
	}
	return true
}

// writeAudio folds the chunk plus any immediately available queued chunks
// into one audioInput event, bounded by AudioBatchBytes.
//
// A chunk that reaches the writer after the audio content block has closed
// is discarded rather than failed: SendAudio only checks the turn state at
// enqueue time, so a chunk can legally race a contentEnd into the queue.
func (d *Driver) writeAudio(ctx context.Context, g *grammar, chunk []byte) bool {
	batch := chunk
	for len(batch) < d.cfg.AudioBatchBytes {
		select {
		case next := <-d.audioCh:
			batch = append(batch, next...)
		default:
			goto send
		}
	}
send:
	if g.state != stateContentOpen || g.openKind != ContentAudio {
		d.log.Debug("audio after content close, dropped", "bytes", len(batch))
		return true
	}
	if err := g.advance(reqAudioInput, "", ContentAudio); err != nil {
		d.fail(err)
		return false
	}

	d.mu.Lock()
	prompt, content := d.promptName, d.audioContent
	d.mu.Unlock()

	payload, err := marshalRequest("audioInput", audioInputBody{
		PromptName:  prompt,
		ContentName: content,
		Content:     base64.StdEncoding.EncodeToString(batch),
	})
	if err != nil {
		d.fail(err)
		return false
	}
	if err := d.stream.Send(ctx, payload); err != nil {
		d.fail(fmt.Errorf("driver: write audioInput: %w", err))
		return false
	}
	return true
}

// drainQueuedAudio writes all currently queued audio without blocking for
// more. Returns false when the writer must exit.
func (d *Driver) drainQueuedAudio(ctx context.Context, g *grammar) bool {
	for {
		select {
		case chunk := <-d.audioCh:
			if !d.writeAudio(ctx, g, chunk) {
				return false
			}
		default:
			return true
		}
	}
}

// sendWithAck writes one ordering-critical payload under the ack deadline.
// The deadline is independent of session cancellation so lifecycle events
// enqueued just before teardown still reach the wire; closing the stream
// unblocks a stuck write.
func (d *Driver) sendWithAck(ctx context.Context, payload []byte) error {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AckTimeout)
	defer cancel()
	return d.stream.Send(ackCtx, payload)
}

// readLoop parses response payloads and feeds the mailbox. It owns the events
// channel: after the stream ends it delivers RespStreamClosed and closes it.
func (d *Driver) readLoop(ctx context.Context) {
	defer d.wg.Done()
	defer func() {
		select {
		case d.events <- ResponseEvent{Kind: RespStreamClosed}:
		default:
		}
		close(d.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case payload, ok := <-d.stream.Events():
			if !ok {
				if err := d.stream.Err(); err != nil {
					d.setErr(err)
				}
				return
			}

			ev, err := ParseResponse(payload)
			if err != nil {
				d.fail(err)
				return
			}

			if ev.Kind == RespToolUse {
				d.mu.Lock()
				d.toolUses[ev.ToolUseID] = true
				d.mu.Unlock()
			}

			select {
			case d.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Driver) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errVal == nil {
		d.errVal = err
	}
}

// fail records a fatal error and tears the driver down.
func (d *Driver) fail(err error) {
	d.setErr(err)
	d.log.Error("model driver failed", "err", err)
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = d.stream.Close()
}
