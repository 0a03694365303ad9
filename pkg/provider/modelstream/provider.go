// Package modelstream defines the Provider interface for bidirectional
// streaming speech models.
//
// A model stream is a single long-lived byte pipe per call: the bridge writes
// length-framed JSON request events (audio in, prompts, tool results) and
// reads JSON response events (audio out, text, tool requests). The framing
// and event grammar live in the driver layer; this package only moves opaque
// event payloads across the wire.
//
// All implementations must be safe for concurrent use: one goroutine sends
// while another drains Events.
package modelstream

import "context"

// SessionConfig is the initial configuration for a new model stream.
type SessionConfig struct {
	// ModelID selects the speech model (e.g. "amazon.nova-sonic-v1:0").
	ModelID string

	// Region is the provider region the stream is opened against.
	Region string
}

// Stream is an open bidirectional model stream.
//
// Callers must drain Events promptly; a stalled consumer backs up the
// provider's receive loop. Callers must call Close when done.
type Stream interface {
	// Send writes one opaque request event payload to the model. It blocks
	// until the payload is accepted by the transport or ctx is done.
	Send(ctx context.Context, payload []byte) error

	// Events returns a read-only channel of opaque response event payloads.
	// The channel is closed when the stream ends or a mid-stream error
	// occurs; check [Stream.Err] after it closes.
	Events() <-chan []byte

	// Err returns the error that terminated the stream, or nil if it ended
	// cleanly.
	Err() error

	// Close terminates the stream and releases resources. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any bidirectional speech-model backend.
//
// Implementations must be safe for concurrent use; the bridge opens one
// stream per active call.
type Provider interface {
	// Open establishes a new model stream. The returned Stream is ready to
	// accept request events immediately. The caller owns the Stream and is
	// responsible for calling Close.
	Open(ctx context.Context, cfg SessionConfig) (Stream, error)
}
