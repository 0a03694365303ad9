package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/coder/websocket"
)

// Close codes emitted by the bridge, per the media-stream protocol contract.
const (
	CloseNormal            = websocket.StatusNormalClosure    // 1000
	CloseInvalidMessage    = websocket.StatusUnsupportedData  // 1003
	ClosePolicyViolation   = websocket.StatusPolicyViolation  // 1008
	CloseInternalError     = websocket.StatusInternalError    // 1011
)

// Conn wraps a WebSocket connection to the telephony peer. Reads are expected
// from a single goroutine (the session's ingress reader); writes may come
// from several goroutines (pacer, marks) and are serialised internally.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// NewConn wraps an accepted WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read blocks until the next control message arrives and parses it.
// A read error (peer gone, context cancelled) is returned as-is; a parse
// error indicates a protocol violation by the peer.
func (c *Conn) Read(ctx context.Context) (*Message, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return ParseMessage(data)
}

// WriteMedia sends one assistant audio frame to the peer. The payload is raw
// μ-law bytes; seq is the strictly increasing per-session outbound sequence
// number, rendered as a decimal string on the wire.
func (c *Conn) WriteMedia(ctx context.Context, streamSID string, payload []byte, seq uint64) error {
	msg := outboundMedia{
		Event:          EventMedia,
		StreamSID:      streamSID,
		Media:          outboundAudio{Payload: base64.StdEncoding.EncodeToString(payload)},
		SequenceNumber: strconv.FormatUint(seq, 10),
	}
	return c.writeJSON(ctx, msg)
}

// WriteMark sends a named mark message so the peer can correlate playback
// completion.
func (c *Conn) WriteMark(ctx context.Context, streamSID, name string) error {
	msg := outboundMark{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      outboundName{Name: name},
	}
	return c.writeJSON(ctx, msg)
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telephony: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close closes the WebSocket with the given status. Subsequent calls are
// no-ops and return nil.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close(code, reason)
}
