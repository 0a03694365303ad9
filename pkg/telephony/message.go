// Package telephony implements the media-stream control protocol spoken by
// the telephony peer: JSON messages over a WebSocket text channel carrying
// base64 μ-law audio, plus the start/stop/mark lifecycle events.
//
// The package is transport-shaped only — it parses and emits wire messages
// and owns the WebSocket connection, but contains no session logic.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks an inbound frame that is not a valid control message.
// The session maps it to an invalid-message close.
var ErrMalformed = errors.New("telephony: malformed control message")

// Well-known event discriminators on inbound control messages.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
)

// Message is a single inbound control message. Event selects which payload
// pointer is populated; unknown events are surfaced to the caller unparsed so
// the session can treat them as protocol violations.
type Message struct {
	Event          string        `json:"event"`
	StreamSID      string        `json:"streamSid,omitempty"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// StartPayload carries the stream handshake. CallSID identifies the call for
// the lifetime of the session; SampleRateHz is advisory (the media is always
// 8 kHz μ-law) and is surfaced for logging only.
type StartPayload struct {
	AccountSID   string   `json:"accountSid,omitempty"`
	CallSID      string   `json:"callSid"`
	StreamSID    string   `json:"streamSid,omitempty"`
	SampleRateHz int      `json:"sample_rate_hz,omitempty"`
	Tracks       []string `json:"tracks,omitempty"`
	From         string   `json:"from,omitempty"`
	To           string   `json:"to,omitempty"`
}

// MediaPayload carries one 20 ms μ-law frame, base64-encoded.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Decode returns the raw μ-law bytes of the media payload.
func (m *MediaPayload) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode media payload: %w", err)
	}
	return data, nil
}

// MarkPayload acknowledges a previously sent mark message.
type MarkPayload struct {
	Name string `json:"name"`
}

// DTMFPayload carries a keypad digit pressed by the caller.
type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// StopPayload signals that the peer has ended the stream.
type StopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// ParseMessage decodes a raw text frame into a [Message]. A frame that is not
// valid JSON or lacks an event discriminator is an error; the caller maps
// that to a protocol-violation close.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("%w: missing event discriminator", ErrMalformed)
	}
	return &msg, nil
}

// outboundMedia is the wire shape of an assistant audio frame sent to the
// peer. SequenceNumber is stringly typed on the wire.
type outboundMedia struct {
	Event          string        `json:"event"`
	StreamSID      string        `json:"streamSid"`
	Media          outboundAudio `json:"media"`
	SequenceNumber string        `json:"sequenceNumber"`
}

type outboundAudio struct {
	Payload string `json:"payload"`
}

// outboundMark asks the peer to report when playback has drained past this
// point in the outbound queue.
type outboundMark struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Mark      outboundName `json:"mark"`
}

type outboundName struct {
	Name string `json:"name"`
}
