// Package mock provides test doubles for the modelstream package interfaces.
//
// Use Provider to verify Open calls and hand out controlled streams. Use
// Stream to inspect the request payloads written by the driver and to feed
// scripted response events back.
//
// Example:
//
//	st := mock.NewStream(64)
//	p := &mock.Provider{Stream: st}
//	handle, _ := p.Open(ctx, cfg)
//	st.EmitEvent([]byte(`{"event":{"completionStart":{}}}`))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sonicbridge/pkg/provider/modelstream"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Open.
	Cfg modelstream.SessionConfig
}

// Provider is a mock implementation of modelstream.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a new default Stream.
	Stream modelstream.Stream

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Stream, OpenErr.
func (p *Provider) Open(ctx context.Context, cfg modelstream.SessionConfig) (modelstream.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(64), nil
}

// Ensure Provider implements modelstream.Provider at compile time.
var _ modelstream.Provider = (*Provider)(nil)

// Stream is a mock implementation of modelstream.Stream. Sent payloads are
// recorded; response events are fed in with EmitEvent and delivered through
// Events.
type Stream struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned by the first Close call.
	CloseErr error

	// ErrVal is returned by Err.
	ErrVal error

	// Sent records a copy of every payload passed to Send, in order.
	Sent [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	eventCh chan []byte
	closed  bool
}

// NewStream creates a Stream whose Events channel is buffered to depth buf.
func NewStream(buf int) *Stream {
	return &Stream{eventCh: make(chan []byte, buf)}
}

// Send records the payload and returns SendErr.
func (s *Stream) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.Sent = append(s.Sent, cp)
	return s.SendErr
}

// SentPayloads returns a snapshot of all recorded Send payloads. Thread-safe.
func (s *Stream) SentPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// EmitEvent queues one response event payload for delivery via Events.
// Panics if called after CloseEvents.
func (s *Stream) EmitEvent(payload []byte) {
	s.eventCh <- payload
}

// CloseEvents closes the Events channel, signalling end of stream.
func (s *Stream) CloseEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.eventCh)
	}
}

// Events returns the scripted response event channel.
func (s *Stream) Events() <-chan []byte { return s.eventCh }

// Err returns ErrVal.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call, closes the Events channel, and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	first := s.CloseCallCount == 1
	closed := s.closed
	if !closed {
		s.closed = true
		close(s.eventCh)
	}
	s.mu.Unlock()
	if !first {
		return nil
	}
	return err
}

// Ensure Stream implements modelstream.Stream at compile time.
var _ modelstream.Stream = (*Stream)(nil)
