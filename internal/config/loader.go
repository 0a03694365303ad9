package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in the documented default for every unset value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Model.Region == "" {
		cfg.Model.Region = "us-east-1"
	}
	if cfg.Model.ModelID == "" {
		cfg.Model.ModelID = "amazon.nova-sonic-v1:0"
	}
	if cfg.Model.Voice == "" {
		cfg.Model.Voice = "matthew"
	}
	if cfg.Model.OutputSampleRateHz == 0 {
		cfg.Model.OutputSampleRateHz = 24000
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 1024
	}
	if cfg.Model.TopP == 0 {
		cfg.Model.TopP = 0.9
	}
	if cfg.Model.Temperature == 0 {
		cfg.Model.Temperature = 0.7
	}
	if cfg.Session.AckTimeoutMs == 0 {
		cfg.Session.AckTimeoutMs = 2000
	}
	if cfg.Session.CloseDeadlineMs == 0 {
		cfg.Session.CloseDeadlineMs = 10000
	}
	if cfg.Pacer.QuantumMs == 0 {
		cfg.Pacer.QuantumMs = 20
	}
	if cfg.Pacer.TickMs == 0 {
		cfg.Pacer.TickMs = 5
	}
	if cfg.Pacer.MaxBufferMs == 0 {
		cfg.Pacer.MaxBufferMs = 3000
	}
	if cfg.Input.ForwardingMode == "" {
		cfg.Input.ForwardingMode = ForwardImmediate
	}
	if cfg.Input.CoalesceMaxChunks == 0 {
		cfg.Input.CoalesceMaxChunks = 5
	}
	if cfg.Input.CoalesceMaxWaitMs == 0 {
		cfg.Input.CoalesceMaxWaitMs = 100
	}
	if cfg.Turn.SilenceTimeoutMs == 0 {
		cfg.Turn.SilenceTimeoutMs = 3000
	}
	if cfg.Turn.EndGapMs == 0 {
		cfg.Turn.EndGapMs = 100
	}
	if cfg.Tool.TimeoutMs == 0 {
		cfg.Tool.TimeoutMs = 5000
	}
	if cfg.Tool.MaxResults == 0 {
		cfg.Tool.MaxResults = 3
	}
	if cfg.Tool.MinRelevanceScore == 0 {
		cfg.Tool.MinRelevanceScore = 0.5
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "sonicbridge"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	switch cfg.Model.OutputSampleRateHz {
	case 16000, 24000:
	default:
		errs = append(errs, fmt.Errorf("model.output_sample_rate_hz %d is invalid; valid values: 16000, 24000", cfg.Model.OutputSampleRateHz))
	}
	if cfg.Model.TopP < 0 || cfg.Model.TopP > 1 {
		errs = append(errs, fmt.Errorf("model.top_p %.2f is out of range [0, 1]", cfg.Model.TopP))
	}
	if cfg.Model.Temperature < 0 || cfg.Model.Temperature > 2 {
		errs = append(errs, fmt.Errorf("model.temperature %.2f is out of range [0, 2]", cfg.Model.Temperature))
	}

	if !cfg.Input.ForwardingMode.IsValid() {
		errs = append(errs, fmt.Errorf("input.forwarding_mode %q is invalid; valid values: immediate, coalesced", cfg.Input.ForwardingMode))
	}
	if cfg.Tool.MinRelevanceScore < 0 || cfg.Tool.MinRelevanceScore > 1 {
		errs = append(errs, fmt.Errorf("tool.min_relevance_score %.2f is out of range [0, 1]", cfg.Tool.MinRelevanceScore))
	}
	if cfg.Pacer.TickMs > cfg.Pacer.QuantumMs {
		errs = append(errs, fmt.Errorf("pacer.tick_ms %d must not exceed pacer.quantum_ms %d", cfg.Pacer.TickMs, cfg.Pacer.QuantumMs))
	}

	// Knowledge tools: structural errors are fatal, an empty list only warns.
	// Sessions run without tools; calls then hear a retrieval apology.
	toolNamesSeen := make(map[string]int, len(cfg.Knowledge.Tools))
	for i, tool := range cfg.Knowledge.Tools {
		prefix := fmt.Sprintf("knowledge.tools[%d]", i)
		if tool.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := toolNamesSeen[tool.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of knowledge.tools[%d]", prefix, tool.Name, prev))
			}
			toolNamesSeen[tool.Name] = i
		}
		if !tool.Backend.IsValid() {
			errs = append(errs, fmt.Errorf("%s.backend %q is invalid; valid values: bedrock_kb, pgvector", prefix, tool.Backend))
			continue
		}
		if tool.Backend == BackendBedrockKB && tool.KnowledgeBaseID == "" {
			errs = append(errs, fmt.Errorf("%s.knowledge_base_id is required for the bedrock_kb backend", prefix))
		}
		if tool.Backend == BackendPgvector {
			if cfg.Knowledge.PostgresDSN == "" {
				errs = append(errs, fmt.Errorf("%s uses the pgvector backend but knowledge.postgres_dsn is not set", prefix))
			}
			if cfg.Knowledge.EmbeddingModelID == "" {
				errs = append(errs, fmt.Errorf("%s uses the pgvector backend but knowledge.embedding_model_id is not set", prefix))
			}
		}
	}
	if len(cfg.Knowledge.Tools) == 0 {
		slog.Warn("no knowledge tools configured; model tool calls will return error results")
	}

	if cfg.Webhook.AuthToken == "" {
		slog.Warn("webhook.auth_token is empty; webhook signature validation is disabled")
	}

	return errors.Join(errs...)
}
