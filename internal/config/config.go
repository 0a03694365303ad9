// Package config provides the configuration schema, loader, file watcher and
// retriever registry for the sonicbridge server.
package config

// LogLevel controls log verbosity for the sonicbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ForwardingMode selects how inbound caller audio is forwarded to the model.
type ForwardingMode string

const (
	// ForwardImmediate sends each transcoded chunk as it arrives.
	ForwardImmediate ForwardingMode = "immediate"

	// ForwardCoalesced stages chunks and flushes on a count or time bound.
	ForwardCoalesced ForwardingMode = "coalesced"
)

// IsValid reports whether m is a recognised forwarding mode.
func (m ForwardingMode) IsValid() bool {
	return m == ForwardImmediate || m == ForwardCoalesced
}

// Backend selects the retrieval implementation behind a knowledge tool.
type Backend string

const (
	// BackendBedrockKB queries an AWS Bedrock knowledge base.
	BackendBedrockKB Backend = "bedrock_kb"

	// BackendPgvector queries a local pgvector document store.
	BackendPgvector Backend = "pgvector"
)

// IsValid reports whether b is a recognised knowledge backend.
func (b Backend) IsValid() bool {
	return b == BackendBedrockKB || b == BackendPgvector
}

// Config is the root configuration structure for sonicbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Model     ModelConfig     `yaml:"model"`
	Session   SessionConfig   `yaml:"session"`
	Pacer     PacerConfig     `yaml:"pacer"`
	Input     InputConfig     `yaml:"input"`
	Turn      TurnConfig      `yaml:"turn"`
	Tool      ToolConfig      `yaml:"tool"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicHost is the externally reachable host name used to build the
	// media-stream WebSocket URL in the webhook response
	// (e.g., "bridge.example.com").
	PublicHost string `yaml:"public_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// WebhookConfig holds settings for the call-control webhook.
type WebhookConfig struct {
	// AuthToken is the telephony account auth token used to validate the
	// X-Twilio-Signature header on webhook requests. When empty, signature
	// validation is disabled.
	AuthToken string `yaml:"auth_token"`
}

// ModelConfig selects and parameterises the streaming speech model.
type ModelConfig struct {
	// Region is the provider region the model stream is opened against.
	Region string `yaml:"region"`

	// ModelID selects the speech model (e.g., "amazon.nova-sonic-v1:0").
	ModelID string `yaml:"model_id"`

	// Voice selects the assistant voice (e.g., "matthew").
	Voice string `yaml:"voice"`

	// OutputSampleRateHz is the requested assistant audio rate, 16000 or
	// 24000. Default 24000.
	OutputSampleRateHz int `yaml:"output_sample_rate_hz"`

	// MaxTokens, TopP and Temperature are the inference parameters.
	MaxTokens   int     `yaml:"max_tokens"`
	TopP        float64 `yaml:"top_p"`
	Temperature float64 `yaml:"temperature"`
}

// SessionConfig holds per-call lifecycle settings.
type SessionConfig struct {
	// SystemPrompt is the opening system instruction for every call.
	SystemPrompt string `yaml:"system_prompt"`

	// AckTimeoutMs bounds the write of ordering-critical model events.
	// Default 2000.
	AckTimeoutMs int `yaml:"ack_timeout_ms"`

	// CloseDeadlineMs bounds graceful session shutdown. Default 10000.
	CloseDeadlineMs int `yaml:"close_deadline_ms"`
}

// PacerConfig holds the outbound audio pacing parameters.
type PacerConfig struct {
	// QuantumMs is the duration of one outbound frame. Default 20.
	QuantumMs int `yaml:"quantum_ms"`

	// TickMs is the wake interval of the pacing loop. Default 5.
	TickMs int `yaml:"tick_ms"`

	// MaxBufferMs bounds buffered assistant audio; overflow drops the oldest
	// frames. Default 3000.
	MaxBufferMs int `yaml:"max_buffer_ms"`
}

// InputConfig holds the ingress forwarding parameters.
type InputConfig struct {
	// ForwardingMode is "immediate" or "coalesced". Default immediate.
	ForwardingMode ForwardingMode `yaml:"forwarding_mode"`

	// CoalesceMaxChunks flushes staged audio at this chunk count. Default 5.
	CoalesceMaxChunks int `yaml:"coalesce_max_chunks"`

	// CoalesceMaxWaitMs flushes staged audio after this long. Default 100.
	CoalesceMaxWaitMs int `yaml:"coalesce_max_wait_ms"`
}

// TurnConfig holds the user-turn timing parameters.
type TurnConfig struct {
	// SilenceTimeoutMs ends the user turn after this long without inbound
	// media. Default 3000.
	SilenceTimeoutMs int `yaml:"silence_timeout_ms"`

	// EndGapMs is the pause between contentEnd and promptEnd at turn close.
	// Default 100.
	EndGapMs int `yaml:"end_gap_ms"`
}

// ToolConfig holds the knowledge tool execution parameters.
type ToolConfig struct {
	// TimeoutMs bounds one retrieval call. Default 5000.
	TimeoutMs int `yaml:"timeout_ms"`

	// MaxResults caps the hits folded into one tool result. Default 3.
	MaxResults int `yaml:"max_results"`

	// MinRelevanceScore filters hits below this score. Default 0.5.
	MinRelevanceScore float64 `yaml:"min_relevance_score"`
}

// KnowledgeConfig declares the retrieval backends and the tools offered to
// the model. An empty tool list is valid; tool calls then degrade to error
// results while calls keep working.
type KnowledgeConfig struct {
	// PostgresDSN is the connection string for the pgvector document store.
	// Required when any tool uses the pgvector backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingModelID selects the embedding model for pgvector queries
	// (e.g., "amazon.titan-embed-text-v2:0").
	EmbeddingModelID string `yaml:"embedding_model_id"`

	// Tools lists the knowledge tools advertised to the model.
	Tools []KnowledgeToolConfig `yaml:"tools"`
}

// KnowledgeToolConfig describes one knowledge tool.
type KnowledgeToolConfig struct {
	// Name is the tool identifier the model uses in tool requests.
	Name string `yaml:"name"`

	// Description tells the model when to invoke the tool.
	Description string `yaml:"description"`

	// Backend selects the retrieval implementation.
	Backend Backend `yaml:"backend"`

	// KnowledgeBaseID identifies the Bedrock knowledge base when Backend is
	// "bedrock_kb". Ignored for pgvector.
	KnowledgeBaseID string `yaml:"knowledge_base_id"`
}

// TelemetryConfig holds the identity reported in metrics and traces.
type TelemetryConfig struct {
	// ServiceName overrides the reported service name. Default "sonicbridge".
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the reported service version.
	ServiceVersion string `yaml:"service_version"`
}
