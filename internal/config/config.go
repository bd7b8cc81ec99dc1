package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Duration accepts Go duration strings ("90s", "10m") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Config is the root configuration for the deskgate gateway and workers.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Queue     QueueConfig     `json:"queue"`
	Lock      LockConfig      `json:"lock"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Precheck  PrecheckConfig  `json:"precheck,omitempty"`
	Agent     AgentConfig     `json:"agent"`
	Agents    []AgentEntry    `json:"agents,omitempty"`
	Channels  []ChannelEntry  `json:"channels,omitempty"`
	Processor ProcessorConfig `json:"processor,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// GatewayConfig configures the callback HTTP listener.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// CallbackRate and CallbackBurst bound callbacks per channel and source address.
	CallbackRate  float64 `json:"callback_rate,omitempty"`
	CallbackBurst int     `json:"callback_burst,omitempty"`
	MaxBodyBytes  int64   `json:"max_body_bytes,omitempty"`
}

// QueueConfig selects the queue backend and sizes the worker pools.
// Broker URLs are NEVER read from config.json, only from env.
type QueueConfig struct {
	Backend       string   `json:"backend"` // memory | redis | redis_stream | rabbitmq | asynq
	RedisURL      string   `json:"-"`       // from env DESKGATE_REDIS_URL only
	RabbitMQURL   string   `json:"-"`       // from env DESKGATE_RABBITMQ_URL only
	BlockTimeout  Duration `json:"block_timeout,omitempty"`
	SweepBatch    int      `json:"sweep_batch,omitempty"`
	DebounceTTL   Duration `json:"debounce_ttl,omitempty"`
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	PoisonToFinal bool     `json:"poison_to_final,omitempty"`
	// IngestDelay is applied to pure-chat bursts to coalesce rapid typing.
	IngestDelay   Duration `json:"ingest_delay,omitempty"`
	InputWorkers  int      `json:"input_workers,omitempty"`
	OutputWorkers int      `json:"output_workers,omitempty"`
}

// LockConfig configures the per-conversation lock.
type LockConfig struct {
	Backend string   `json:"backend"` // memory | redis
	Wait    Duration `json:"wait,omitempty"`
	Hold    Duration `json:"hold,omitempty"`
}

// DatabaseConfig configures persistence.
// PostgresDSN is NEVER read from config.json (secret), only from env DESKGATE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN     string   `json:"-"`
	Mode            string   `json:"mode,omitempty"`             // "standalone" (default) or "managed"
	SQLitePath      string   `json:"sqlite_path,omitempty"`      // standalone message log
	ConversationDir string   `json:"conversation_dir,omitempty"` // standalone conversation files
	PendingTTL      Duration `json:"pending_ttl,omitempty"`      // redis pending buffer expiry
}

// IsManagedMode returns true when conversations and messages live in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// PrecheckConfig seeds the pre-check gate. RulesFile, when set, overrides
// the inline rules and is watched for changes.
type PrecheckConfig struct {
	TransferKeywords  FlexibleStringSlice `json:"transfer_keywords,omitempty"`
	VIPDirectTransfer bool                `json:"vip_direct_transfer,omitempty"`
	RulesFile         string              `json:"rules_file,omitempty"`
}

// AgentConfig bounds agent calls.
type AgentConfig struct {
	Timeout       Duration `json:"timeout,omitempty"`        // one agent exchange
	StreamTimeout Duration `json:"stream_timeout,omitempty"` // bound for streaming agents (the larger of the two applies)
	MinConfidence float64  `json:"min_confidence,omitempty"` // escalate below this (0 = off)
}

// ProcessorConfig tunes the event processor.
type ProcessorConfig struct {
	// Notices maps an inbound event type to a text sent when it transitions
	// the conversation.
	Notices      map[string]string `json:"notices,omitempty"`
	TransferText string            `json:"transfer_text,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection, for local collectors
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "deskgate")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}
