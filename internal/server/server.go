// Package server exposes the HTTP surface of the bridge: the inbound-call
// TwiML webhook, the media-stream WebSocket endpoint, Prometheus metrics and
// health endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/sonicbridge/internal/bridge"
	"github.com/MrWong99/sonicbridge/internal/config"
	"github.com/MrWong99/sonicbridge/internal/driver"
	"github.com/MrWong99/sonicbridge/internal/health"
	"github.com/MrWong99/sonicbridge/internal/knowledge"
	"github.com/MrWong99/sonicbridge/internal/observe"
	"github.com/MrWong99/sonicbridge/pkg/provider/modelstream"
	"github.com/MrWong99/sonicbridge/pkg/telephony"
)

// handshakeTimeout bounds how long a freshly accepted WebSocket may take to
// deliver its start message before the connection is dropped.
const handshakeTimeout = 10 * time.Second

// Server wires the HTTP endpoints to the session machinery. Construct it
// with [New] and mount [Server.Routes] on an http.Server.
type Server struct {
	current  func() *config.Config
	provider modelstream.Provider
	dir      *knowledge.Directory
	sessions *bridge.Registry
	metrics  *observe.Metrics
	checkers []health.Checker
	log      *slog.Logger
}

// New creates a Server. current must return the active configuration; it is
// consulted per request so a config reload applies to sessions opened after
// it. dir may be nil when no knowledge tools are configured.
func New(current func() *config.Config, provider modelstream.Provider, dir *knowledge.Directory, sessions *bridge.Registry, m *observe.Metrics, log *slog.Logger, checkers ...health.Checker) *Server {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Server{
		current:  current,
		provider: provider,
		dir:      dir,
		sessions: sessions,
		metrics:  m,
		checkers: checkers,
		log:      log,
	}
}

// Routes returns the root handler. The webhook, metrics and health routes go
// through the observability middleware; the media-stream route is mounted
// outside it because the WebSocket upgrade needs the raw ResponseWriter.
func (s *Server) Routes() http.Handler {
	instrumented := http.NewServeMux()
	instrumented.HandleFunc("POST /twiml", s.handleTwiML)
	instrumented.Handle("GET /metrics", promhttp.Handler())
	health.New(s.checkers...).Register(instrumented)

	root := http.NewServeMux()
	root.Handle("/", observe.Middleware(s.metrics)(instrumented))
	root.HandleFunc("GET /media-stream", s.handleMediaStream)
	return root
}

// handleMediaStream accepts the telephony WebSocket, performs the start
// handshake and runs the session to completion. The handler blocks for the
// lifetime of the call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn := telephony.NewConn(ws)

	start, streamSID, err := awaitStart(r, conn)
	if err != nil {
		s.log.Warn("media-stream handshake failed", "remote", r.RemoteAddr, "err", err)
		if errors.Is(err, telephony.ErrMalformed) {
			conn.Close(telephony.CloseInvalidMessage, "invalid message")
		} else {
			conn.Close(telephony.ClosePolicyViolation, "start message required")
		}
		return
	}
	if start.CallSID == "" {
		s.log.Warn("start message without callSid", "remote", r.RemoteAddr)
		conn.Close(telephony.ClosePolicyViolation, "invalid start message")
		return
	}
	if start.SampleRateHz != 0 && start.SampleRateHz != 8000 {
		s.log.Warn("unexpected advertised sample rate, treating media as 8kHz",
			"call_sid", start.CallSID, "sample_rate_hz", start.SampleRateHz)
	}

	cfg := s.current()
	coord := bridge.NewCoordinator(conn, s.provider, s.dir, s.sessions,
		sessionConfig(cfg, start.CallSID, streamSID), s.log, s.metrics)

	if err := s.sessions.Register(start.CallSID, coord); err != nil {
		s.log.Warn("session rejected", "call_sid", start.CallSID, "err", err)
		conn.Close(telephony.ClosePolicyViolation, "call already active")
		return
	}

	s.log.Info("session started",
		"call_sid", start.CallSID, "stream_sid", streamSID,
		"from", start.From, "to", start.To)

	if err := coord.Run(r.Context()); err != nil {
		s.log.Error("session ended with error", "call_sid", start.CallSID, "err", err)
		return
	}
	s.log.Info("session ended", "call_sid", start.CallSID)
}

// awaitStart reads control messages until the start event arrives. Connected
// events are skipped; anything else before start is a handshake failure.
func awaitStart(r *http.Request, conn *telephony.Conn) (*telephony.StartPayload, string, error) {
	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer cancel()

	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			return nil, "", err
		}
		switch msg.Event {
		case telephony.EventConnected:
			continue
		case telephony.EventStart:
			if msg.Start == nil {
				return nil, "", telephony.ErrMalformed
			}
			streamSID := msg.StreamSID
			if streamSID == "" {
				streamSID = msg.Start.StreamSID
			}
			return msg.Start, streamSID, nil
		default:
			return nil, "", fmt.Errorf("unexpected %q event before start", msg.Event)
		}
	}
}

// sessionConfig maps the file configuration onto one session's settings.
func sessionConfig(cfg *config.Config, callSID, streamSID string) bridge.CoordinatorConfig {
	return bridge.CoordinatorConfig{
		CallSID:      callSID,
		StreamSID:    streamSID,
		SystemPrompt: cfg.Session.SystemPrompt,
		Model: modelstream.SessionConfig{
			ModelID: cfg.Model.ModelID,
			Region:  cfg.Model.Region,
		},
		Driver: driver.Config{
			AckTimeout:       msDur(cfg.Session.AckTimeoutMs),
			OutputSampleRate: cfg.Model.OutputSampleRateHz,
			Voice:            cfg.Model.Voice,
			MaxTokens:        cfg.Model.MaxTokens,
			TopP:             cfg.Model.TopP,
			Temperature:      cfg.Model.Temperature,
		},
		Pacer: bridge.PacerConfig{
			QuantumMs:   cfg.Pacer.QuantumMs,
			TickMs:      cfg.Pacer.TickMs,
			MaxBufferMs: cfg.Pacer.MaxBufferMs,
		},
		Input: bridge.InputConfig{
			ForwardingMode:    string(cfg.Input.ForwardingMode),
			CoalesceMaxChunks: cfg.Input.CoalesceMaxChunks,
			CoalesceMaxWait:   msDur(cfg.Input.CoalesceMaxWaitMs),
			SilenceTimeout:    msDur(cfg.Turn.SilenceTimeoutMs),
			EndGap:            msDur(cfg.Turn.EndGapMs),
		},
		Tool: bridge.ToolConfig{
			Timeout:    msDur(cfg.Tool.TimeoutMs),
			MaxResults: cfg.Tool.MaxResults,
			MinScore:   cfg.Tool.MinRelevanceScore,
		},
		CloseDeadline: msDur(cfg.Session.CloseDeadlineMs),
	}
}

func msDur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
