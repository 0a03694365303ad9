package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sonicbridge/internal/bridge"
	"github.com/MrWong99/sonicbridge/internal/config"
	"github.com/MrWong99/sonicbridge/internal/health"
	"github.com/MrWong99/sonicbridge/internal/observe"
	"github.com/MrWong99/sonicbridge/internal/server"
	msmock "github.com/MrWong99/sonicbridge/pkg/provider/modelstream/mock"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(`
session:
  system_prompt: "You answer phone calls."
turn:
  silence_timeout_ms: 30000
  end_gap_ms: 1
pacer:
  quantum_ms: 1
  tick_ms: 1
`))
	if err != nil {
		t.Fatalf("test config: %v", err)
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, p *msmock.Provider) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := server.New(
		func() *config.Config { return cfg },
		p, nil, bridge.NewRegistry(log), observe.DefaultMetrics(), log,
		health.Checker{Name: "sessions", Check: func(context.Context) error { return nil }},
	)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/media-stream"
}

func dialMediaStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntilClose drains frames until the peer closes and returns the close
// status code.
func readUntilClose(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		if _, _, err := c.Read(ctx); err != nil {
			code := websocket.CloseStatus(err)
			if code == -1 {
				t.Fatalf("connection ended without close frame: %v", err)
			}
			return code
		}
	}
}

func TestMediaStream_SessionLifecycle(t *testing.T) {
	t.Parallel()
	st := msmock.NewStream(64)
	ts := newTestServer(t, testConfig(t), &msmock.Provider{Stream: st})

	c := dialMediaStream(t, ts)
	defer c.CloseNow()

	sendJSON(t, c, map[string]any{"event": "connected"})
	sendJSON(t, c, map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start":     map[string]any{"callSid": "CA1", "streamSid": "MZ1"},
	})
	sendJSON(t, c, map[string]any{"event": "stop"})

	if code := readUntilClose(t, c); code != websocket.StatusNormalClosure {
		t.Errorf("close code: got %d, want %d", code, websocket.StatusNormalClosure)
	}

	// The session must have opened a model stream and ended it gracefully.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(st.SentPayloads()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("no payloads reached the model stream")
}

func TestMediaStream_StartWithoutCallSID(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, testConfig(t), &msmock.Provider{})

	c := dialMediaStream(t, ts)
	defer c.CloseNow()

	sendJSON(t, c, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MZ1"},
	})

	if code := readUntilClose(t, c); code != websocket.StatusPolicyViolation {
		t.Errorf("close code: got %d, want %d", code, websocket.StatusPolicyViolation)
	}
}

func TestMediaStream_MediaBeforeStart(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, testConfig(t), &msmock.Provider{})

	c := dialMediaStream(t, ts)
	defer c.CloseNow()

	sendJSON(t, c, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": ""},
	})

	if code := readUntilClose(t, c); code != websocket.StatusPolicyViolation {
		t.Errorf("close code: got %d, want %d", code, websocket.StatusPolicyViolation)
	}
}

func TestMediaStream_DuplicateCallRejected(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, testConfig(t), &msmock.Provider{Stream: msmock.NewStream(64)})

	first := dialMediaStream(t, ts)
	defer first.CloseNow()
	sendJSON(t, first, map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA-dup", "streamSid": "MZ1"},
	})

	// Give the first session time to register.
	time.Sleep(200 * time.Millisecond)

	second := dialMediaStream(t, ts)
	defer second.CloseNow()
	sendJSON(t, second, map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA-dup", "streamSid": "MZ2"},
	})

	if code := readUntilClose(t, second); code != websocket.StatusPolicyViolation {
		t.Errorf("close code: got %d, want %d", code, websocket.StatusPolicyViolation)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, testConfig(t), &msmock.Provider{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: got %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, testConfig(t), &msmock.Provider{})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics: got %d, want 200", resp.StatusCode)
	}
}
