package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sonicbridge/internal/knowledge"
	kmock "github.com/MrWong99/sonicbridge/internal/knowledge/mock"
	"github.com/MrWong99/sonicbridge/pkg/provider/modelstream"
	"github.com/MrWong99/sonicbridge/pkg/provider/modelstream/mock"
	"github.com/MrWong99/sonicbridge/pkg/telephony"
)

// fakeConn is a scripted telephony connection: tests push inbound messages
// onto the channel and inspect recorded writes.
type fakeConn struct {
	inbound chan *telephony.Message

	mu     sync.Mutex
	media  [][]byte
	seqs   []uint64
	marks  []string
	closed bool
	code   websocket.StatusCode
	reason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan *telephony.Message, 16)}
}

func (c *fakeConn) Read(ctx context.Context) (*telephony.Message, error) {
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return nil, errors.New("fake conn: closed")
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteMedia(_ context.Context, _ string, payload []byte, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.media = append(c.media, cp)
	c.seqs = append(c.seqs, seq)
	return nil
}

func (c *fakeConn) WriteMark(_ context.Context, _, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks = append(c.marks, name)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.code = code
	c.reason = reason
	return nil
}

func (c *fakeConn) closeStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}

func (c *fakeConn) mediaCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.media)
}

func (c *fakeConn) markCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.marks)
}

// newTestDirectory builds a directory with one tool backed by a mock
// retriever returning the given texts at high relevance.
func newTestDirectory(t *testing.T, name string, texts []string) *knowledge.Directory {
	t.Helper()
	hits := make([]knowledge.Hit, len(texts))
	for i, text := range texts {
		hits[i] = knowledge.Hit{Content: text, Score: 0.9}
	}
	dir := knowledge.NewDirectory()
	if err := dir.Register(knowledge.Tool{Name: name, Description: "test lookup", Retriever: &kmock.Retriever{Hits: hits}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return dir
}

// fastConfig keeps session tests well under a second.
func fastConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CallSID:       "CA-test",
		StreamSID:     "MZ-test",
		SystemPrompt:  "You are a test assistant.",
		Model:         modelstream.SessionConfig{ModelID: "amazon.nova-sonic-v1:0", Region: "us-east-1"},
		Pacer:         PacerConfig{QuantumMs: 1, TickMs: 1},
		Input:         InputConfig{EndGap: 2 * time.Millisecond},
		CloseDeadline: 3 * time.Second,
	}
}

// sentTags extracts the request event tags written to the model stream so
// far, in order.
func sentTags(t *testing.T, st *mock.Stream) []string {
	t.Helper()
	var out []string
	for _, p := range st.SentPayloads() {
		var env struct {
			Event map[string]json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(p, &env); err != nil {
			t.Fatalf("sent payload is not an event envelope: %v", err)
		}
		if len(env.Event) != 1 {
			t.Fatalf("sent payload carries %d tags", len(env.Event))
		}
		for tag := range env.Event {
			out = append(out, tag)
		}
	}
	return out
}

// waitForTag polls the stream until tag has been sent.
func waitForTag(t *testing.T, st *mock.Stream, tag string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, got := range sentTags(t, st) {
			if got == tag {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("tag %q never sent; got %v", tag, sentTags(t, st))
}

func audioOutputEvent(pcm []byte, rate int) []byte {
	return []byte(fmt.Sprintf(`{"event":{"audioOutput":{"content":%q,"sampleRateHertz":%d}}}`,
		base64.StdEncoding.EncodeToString(pcm), rate))
}

func assistantAudioEndEvent() []byte {
	return []byte(`{"event":{"contentEnd":{"type":"AUDIO","role":"ASSISTANT","stopReason":"END_TURN"}}}`)
}

func toolUseEvent(id, name, input string) []byte {
	return []byte(fmt.Sprintf(`{"event":{"toolUse":{"toolUseId":%q,"toolName":%q,"content":%q}}}`, id, name, input))
}

// startSession runs a coordinator in the background and waits for the
// session opening sequence to reach the model stream.
func startSession(t *testing.T, c *Coordinator, st *mock.Stream) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	// The opening ends with the first user audio contentStart.
	waitForTag(t, st, "contentStart")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(st.SentPayloads()) >= 6 {
			return errCh
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session opening incomplete: %v", sentTags(t, st))
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run never returned")
		return nil
	}
}

// ─── TestCoordinator_HappyPath ───────────────────────────────────────────────

func TestCoordinator_HappyPath(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	st := mock.NewStream(64)
	c := NewCoordinator(conn, &mock.Provider{Stream: st}, nil, nil, fastConfig(), nil, newBridgeTestMetrics(t))

	errCh := startSession(t, c, st)

	tags := sentTags(t, st)
	want := []string{"sessionStart", "promptStart", "contentStart", "textInput", "contentEnd", "contentStart"}
	for i, w := range want {
		if tags[i] != w {
			t.Fatalf("opening tag %d: want %s, got %s (all: %v)", i, w, tags[i], tags)
		}
	}

	// Caller audio reaches the model as audioInput.
	conn.inbound <- mediaMsg(160)
	waitForTag(t, st, "audioInput")

	// Assistant audio at 24 kHz: 480 samples become one 160-byte μ-law frame.
	st.EmitEvent(audioOutputEvent(make([]byte, 960), 24000))
	st.EmitEvent(assistantAudioEndEvent())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (conn.mediaCount() == 0 || conn.markCount() == 0) {
		time.Sleep(2 * time.Millisecond)
	}
	if conn.mediaCount() == 0 {
		t.Fatal("assistant audio never reached the peer")
	}
	if conn.markCount() == 0 {
		t.Fatal("flush mark never reached the peer")
	}

	conn.mu.Lock()
	if len(conn.media[0]) != 160 {
		t.Fatalf("frame size: want 160, got %d", len(conn.media[0]))
	}
	if conn.seqs[0] != 1 {
		t.Fatalf("first sequence number: want 1, got %d", conn.seqs[0])
	}
	conn.mu.Unlock()

	conn.inbound <- &telephony.Message{Event: telephony.EventStop}
	close(conn.inbound)

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code, _ := conn.closeStatus(); code != telephony.CloseNormal {
		t.Fatalf("close code: want %d, got %d", telephony.CloseNormal, code)
	}

	tags = sentTags(t, st)
	if tags[len(tags)-1] != "sessionEnd" {
		t.Fatalf("session must end with sessionEnd, got %v", tags)
	}
}

// ─── TestCoordinator_ToolRoundTrip ───────────────────────────────────────────

func TestCoordinator_ToolRoundTrip(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	st := mock.NewStream(64)
	dir := newTestDirectory(t, "company_policies", []string{"Employees accrue 25 vacation days."})

	cfg := fastConfig()
	cfg.Input.SilenceTimeout = 30 * time.Millisecond
	c := NewCoordinator(conn, &mock.Provider{Stream: st}, dir, nil, cfg, nil, newBridgeTestMetrics(t))

	errCh := startSession(t, c, st)

	// One media frame, then silence closes the user turn.
	conn.inbound <- mediaMsg(160)
	waitForTag(t, st, "audioInput")
	waitForTag(t, st, "promptEnd")

	st.EmitEvent(toolUseEvent("tu-1", "company_policies", `{"query":"vacation days"}`))
	waitForTag(t, st, "toolResult")

	var resultPayload []byte
	for _, p := range st.SentPayloads() {
		var env struct {
			Event struct {
				ToolResult *struct {
					Content string `json:"content"`
					Status  string `json:"status"`
				} `json:"toolResult"`
			} `json:"event"`
		}
		if json.Unmarshal(p, &env) == nil && env.Event.ToolResult != nil {
			if env.Event.ToolResult.Status != "success" {
				t.Fatalf("tool result status: %s", env.Event.ToolResult.Status)
			}
			resultPayload = []byte(env.Event.ToolResult.Content)
		}
	}
	var doc struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resultPayload, &doc); err != nil {
		t.Fatalf("tool result content: %v", err)
	}
	if len(doc.Content) != 1 || doc.Content[0].Text != "Employees accrue 25 vacation days." {
		t.Fatalf("tool result text: %+v", doc)
	}

	// The result travels in its own prompt block.
	tags := sentTags(t, st)
	idx := -1
	for i, tag := range tags {
		if tag == "toolResult" {
			idx = i
		}
	}
	if idx < 2 || tags[idx-2] != "promptStart" || tags[idx-1] != "contentStart" ||
		tags[idx+1] != "contentEnd" || tags[idx+2] != "promptEnd" {
		t.Fatalf("tool result framing: %v", tags)
	}

	conn.inbound <- &telephony.Message{Event: telephony.EventStop}
	close(conn.inbound)
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// ─── TestCoordinator_StopDuringTurnCloseGap ──────────────────────────────────

// A stop that lands while a silence-triggered turn close sleeps between
// contentEnd and promptEnd must still produce a clean shutdown: promptEnd
// goes out before sessionEnd, and the session closes normally.
func TestCoordinator_StopDuringTurnCloseGap(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	st := mock.NewStream(64)

	cfg := fastConfig()
	cfg.Input.SilenceTimeout = 30 * time.Millisecond
	cfg.Input.EndGap = 400 * time.Millisecond
	c := NewCoordinator(conn, &mock.Provider{Stream: st}, nil, nil, cfg, nil, newBridgeTestMetrics(t))

	errCh := startSession(t, c, st)

	conn.inbound <- mediaMsg(160)
	waitForTag(t, st, "audioInput")

	// Wait for the silence close to send the user-turn contentEnd (the
	// second contentEnd overall; the first closed the system prompt), then
	// hit the gap with a stop.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n := 0
		for _, tag := range sentTags(t, st) {
			if tag == "contentEnd" {
				n++
			}
		}
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("user turn never closed: %v", sentTags(t, st))
		}
		time.Sleep(2 * time.Millisecond)
	}
	conn.inbound <- &telephony.Message{Event: telephony.EventStop}
	close(conn.inbound)

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code, _ := conn.closeStatus(); code != telephony.CloseNormal {
		t.Fatalf("close code: want %d, got %d", telephony.CloseNormal, code)
	}

	tags := sentTags(t, st)
	if tags[len(tags)-1] != "sessionEnd" || tags[len(tags)-2] != "promptEnd" {
		t.Fatalf("shutdown ordering: want …promptEnd, sessionEnd, got %v", tags)
	}
}

// ─── TestCoordinator_ProtocolViolationCloses1003 ─────────────────────────────

func TestCoordinator_ProtocolViolationCloses1003(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	st := mock.NewStream(64)
	c := NewCoordinator(conn, &mock.Provider{Stream: st}, nil, nil, fastConfig(), nil, newBridgeTestMetrics(t))

	errCh := startSession(t, c, st)

	conn.inbound <- &telephony.Message{Event: "mystery"}
	close(conn.inbound)

	err := waitRun(t, errCh)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("want ErrProtocolViolation, got %v", err)
	}
	if code, _ := conn.closeStatus(); code != telephony.CloseInvalidMessage {
		t.Fatalf("close code: want %d, got %d", telephony.CloseInvalidMessage, code)
	}
}

// ─── TestCoordinator_ModelStreamEndClosesNormally ────────────────────────────

func TestCoordinator_ModelStreamEndClosesNormally(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	st := mock.NewStream(64)
	c := NewCoordinator(conn, &mock.Provider{Stream: st}, nil, nil, fastConfig(), nil, newBridgeTestMetrics(t))

	errCh := startSession(t, c, st)
	st.CloseEvents()

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code, _ := conn.closeStatus(); code != telephony.CloseNormal {
		t.Fatalf("close code: want %d, got %d", telephony.CloseNormal, code)
	}
}

// ─── TestCoordinator_ModelOpenFailure ────────────────────────────────────────

func TestCoordinator_ModelOpenFailure(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	reg := NewRegistry(nil)
	c := NewCoordinator(conn, &mock.Provider{OpenErr: errors.New("throttled")}, nil, reg, fastConfig(), nil, newBridgeTestMetrics(t))
	if err := reg.Register("CA-test", c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("Run must fail when the model stream cannot be opened")
	}
	if code, _ := conn.closeStatus(); code != telephony.CloseInternalError {
		t.Fatalf("close code: want %d, got %d", telephony.CloseInternalError, code)
	}
	if reg.Len() != 0 {
		t.Fatalf("session must deregister on failure, %d left", reg.Len())
	}
}

// ─── TestCoordinator_Shutdown ────────────────────────────────────────────────

func TestCoordinator_Shutdown(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	st := mock.NewStream(64)
	c := NewCoordinator(conn, &mock.Provider{Stream: st}, nil, nil, fastConfig(), nil, newBridgeTestMetrics(t))

	errCh := startSession(t, c, st)
	c.Shutdown(context.Background())

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after Shutdown: %v", err)
	}
	if st.CloseCallCount == 0 {
		t.Fatal("model stream must be closed on shutdown")
	}
}
