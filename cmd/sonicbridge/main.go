// Command sonicbridge runs the telephony-to-speech-model bridge server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/sonicbridge/internal/bridge"
	"github.com/MrWong99/sonicbridge/internal/config"
	"github.com/MrWong99/sonicbridge/internal/health"
	"github.com/MrWong99/sonicbridge/internal/knowledge"
	"github.com/MrWong99/sonicbridge/internal/knowledge/bedrockkb"
	"github.com/MrWong99/sonicbridge/internal/knowledge/pgstore"
	"github.com/MrWong99/sonicbridge/internal/observe"
	"github.com/MrWong99/sonicbridge/internal/server"
	"github.com/MrWong99/sonicbridge/pkg/provider/modelstream/bedrock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sonicbridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sonicbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("sonicbridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"model_id", cfg.Model.ModelID,
		"region", cfg.Model.Region,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── AWS + model provider ──────────────────────────────────────────────────
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Model.Region))
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		return 1
	}
	provider := bedrock.New(awsCfg)

	// ── Knowledge tools ───────────────────────────────────────────────────────
	backends := config.NewRegistry()
	pool, err := registerKnowledgeBackends(ctx, backends, awsCfg, cfg)
	if err != nil {
		slog.Error("failed to set up knowledge backends", "err", err)
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}
	dir := backends.BuildDirectory(cfg.Knowledge.Tools, logger)
	slog.Info("knowledge directory built", "tools", len(dir.Tools()))

	// ── Sessions ──────────────────────────────────────────────────────────────
	sessions := bridge.NewRegistry(logger)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.SystemPromptChanged {
			slog.Info("system prompt changed, applies to new sessions")
		}
		if d.ToolsChanged {
			slog.Warn("knowledge tool changes require a restart to take effect",
				"changes", len(d.ToolChanges))
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP server ───────────────────────────────────────────────────────────
	checkers := []health.Checker{
		{Name: "sessions", Check: func(context.Context) error { return nil }},
	}
	if pool != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: pool.Ping})
	}

	srv := server.New(watcher.Current, provider, dir, sessions, metrics, logger, checkers...)
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			serveErr <- httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			serveErr <- httpServer.ListenAndServe()
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	deadline := time.Duration(cfg.Session.CloseDeadlineMs)*time.Millisecond + 5*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	sessions.ShutdownAll(shutdownCtx)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// registerKnowledgeBackends wires the retriever factories for the backends
// the configuration actually uses. A Postgres pool is opened only when at
// least one pgvector tool is configured; the caller owns the returned pool.
func registerKnowledgeBackends(ctx context.Context, reg *config.Registry, awsCfg aws.Config, cfg *config.Config) (*pgxpool.Pool, error) {
	reg.RegisterRetriever(config.BackendBedrockKB, func(tool config.KnowledgeToolConfig) (knowledge.Retriever, error) {
		return bedrockkb.NewFromConfig(awsCfg, tool.KnowledgeBaseID), nil
	})

	needsPostgres := false
	for _, tool := range cfg.Knowledge.Tools {
		if tool.Backend == config.BackendPgvector {
			needsPostgres = true
			break
		}
	}
	if !needsPostgres {
		return nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Knowledge.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	embedder := pgstore.NewTitanEmbedderFromConfig(awsCfg, cfg.Knowledge.EmbeddingModelID)
	store := pgstore.New(pool, embedder)

	reg.RegisterRetriever(config.BackendPgvector, func(config.KnowledgeToolConfig) (knowledge.Retriever, error) {
		return store, nil
	})
	return pool, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
