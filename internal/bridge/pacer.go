// Package bridge contains the per-call session pipeline: the paced outbound
// audio path, the ingress flow with its turn manager, the tool runner, the
// session coordinator that supervises them, and the process-wide session
// registry.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/sonicbridge/internal/observe"
	"github.com/MrWong99/sonicbridge/pkg/audio"
)

// frameBytes is one pacing quantum of μ-law at 8 kHz: 20 ms.
const frameBytes = 160

// maxCatchUpFrames bounds how many frames one tick may emit when the timer
// fires late, so the peer never sees a large burst.
const maxCatchUpFrames = 4

// FrameSink is where the pacer writes paced frames and drain marks. The
// session coordinator binds it to the telephony connection.
type FrameSink interface {
	WriteMedia(ctx context.Context, payload []byte, seq uint64) error
	WriteMark(ctx context.Context, name string) error
}

// PacerConfig holds the pacing parameters. Zero values select the defaults.
type PacerConfig struct {
	// QuantumMs is the duration of one outbound frame. Default 20.
	QuantumMs int

	// TickMs is the wake interval of the pacing loop. Default 5.
	TickMs int

	// MaxBufferMs bounds the buffered audio duration. Overflow drops the
	// oldest frames. Default 3000.
	MaxBufferMs int
}

func (c *PacerConfig) applyDefaults() {
	if c.QuantumMs <= 0 {
		c.QuantumMs = 20
	}
	if c.TickMs <= 0 {
		c.TickMs = 5
	}
	if c.MaxBufferMs <= 0 {
		c.MaxBufferMs = 3000
	}
}

// pacedItem is one queue entry: a full frame, or a drain mark.
type pacedItem struct {
	frame []byte
	mark  string
}

// Pacer delivers assistant audio to the telephony peer at the peer's
// consumption rate. Enqueue, Flush and Stop are safe for concurrent use with
// the running pacing loop.
type Pacer struct {
	sink    FrameSink
	cfg     PacerConfig
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	queue   []pacedItem
	partial []byte
	drops   uint64
	markSeq uint64
	stopped bool
}

// NewPacer creates a Pacer writing to sink. Call [Pacer.Run] to start pacing.
func NewPacer(sink FrameSink, cfg PacerConfig, log *slog.Logger, m *observe.Metrics) *Pacer {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Pacer{sink: sink, cfg: cfg, log: log, metrics: m}
}

// Enqueue appends μ-law audio to the output buffer. When the buffered
// duration would exceed the maximum, the oldest frames are dropped first.
func (p *Pacer) Enqueue(mulaw []byte) {
	if len(mulaw) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	data := append(p.partial, mulaw...)
	for len(data) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, data[:frameBytes])
		p.queue = append(p.queue, pacedItem{frame: frame})
		data = data[frameBytes:]
	}
	p.partial = append(p.partial[:0], data...)

	maxFrames := p.cfg.MaxBufferMs / p.cfg.QuantumMs
	dropped := 0
	for p.frameCountLocked() > maxFrames {
		for i, it := range p.queue {
			if it.frame != nil {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				dropped++
				break
			}
		}
	}
	if dropped > 0 {
		p.drops += uint64(dropped)
		p.metrics.RecordDroppedFrames(context.Background(), int64(dropped), "overflow")
		p.log.Warn("output buffer overflow", "dropped_frames", dropped)
	}
}

// frameCountLocked counts queued frames, excluding marks. Caller holds mu.
func (p *Pacer) frameCountLocked() int {
	n := 0
	for _, it := range p.queue {
		if it.frame != nil {
			n++
		}
	}
	return n
}

// Flush pads any staged sub-frame with μ-law silence to a full quantum,
// enqueues it, and appends a named drain mark so playback completion can be
// correlated.
func (p *Pacer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	if len(p.partial) > 0 {
		frame := make([]byte, frameBytes)
		copy(frame, p.partial)
		for i := len(p.partial); i < frameBytes; i++ {
			frame[i] = audio.MulawSilence
		}
		p.queue = append(p.queue, pacedItem{frame: frame})
		p.partial = p.partial[:0]
	}

	p.markSeq++
	p.queue = append(p.queue, pacedItem{mark: fmt.Sprintf("bedrock_out_%d", p.markSeq)})
}

// Stop cancels pacing: all buffered audio is dropped and later Enqueue and
// Flush calls become no-ops. Idempotent.
func (p *Pacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.queue = nil
	p.partial = nil
}

// Drops returns the number of frames dropped so far.
func (p *Pacer) Drops() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drops
}

// pop removes and returns the head queue item.
func (p *Pacer) pop() (pacedItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || len(p.queue) == 0 {
		return pacedItem{}, false
	}
	it := p.queue[0]
	p.queue = p.queue[1:]
	return it, true
}

// Run is the pacing loop. It emits one frame per quantum on average, waking
// every tick and draining a bounded number of frames to absorb timer jitter.
// Returns when ctx is cancelled; no frame is emitted after that.
func (p *Pacer) Run(ctx context.Context) error {
	quantum := time.Duration(p.cfg.QuantumMs) * time.Millisecond
	ticker := time.NewTicker(time.Duration(p.cfg.TickMs) * time.Millisecond)
	defer ticker.Stop()

	var seq uint64
	nextDue := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case now := <-ticker.C:
			sent := 0
			for !now.Before(nextDue) && sent < maxCatchUpFrames {
				if ctx.Err() != nil {
					return nil
				}

				it, ok := p.pop()
				if !ok {
					// Idle: the next enqueued frame goes out on the
					// following tick without accumulated debt.
					nextDue = now
					break
				}

				if it.mark != "" {
					if err := p.sink.WriteMark(ctx, it.mark); err != nil {
						p.log.Warn("mark write failed", "mark", it.mark, "err", err)
					}
					continue
				}

				seq++
				if err := p.sink.WriteMedia(ctx, it.frame, seq); err != nil {
					p.mu.Lock()
					p.drops++
					p.mu.Unlock()
					p.metrics.RecordDroppedFrames(ctx, 1, "write_failure")
					p.log.Warn("media write failed", "seq", seq, "err", err)
				} else {
					p.metrics.PacedFrames.Add(ctx, 1)
				}
				nextDue = nextDue.Add(quantum)
				sent++
			}

			// Cap accumulated debt so a long stall cannot turn into a
			// sustained burst.
			if lag := now.Sub(nextDue); lag > 2*quantum {
				nextDue = now.Add(-2 * quantum)
			}
		}
	}
}
