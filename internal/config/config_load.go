package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:          "0.0.0.0",
			Port:          18800,
			CallbackRate:  0.5,
			CallbackBurst: 30,
			MaxBodyBytes:  4 << 20,
		},
		Queue: QueueConfig{
			Backend:       "memory",
			BlockTimeout:  Duration(5 * time.Second),
			SweepBatch:    100,
			DebounceTTL:   Duration(24 * time.Hour),
			IngestDelay:   Duration(3 * time.Second),
			InputWorkers:  4,
			OutputWorkers: 2,
		},
		Lock: LockConfig{
			Backend: "memory",
			Wait:    Duration(10 * time.Minute),
			Hold:    Duration(time.Hour),
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			PendingTTL: Duration(time.Hour),
		},
		Agent: AgentConfig{
			Timeout:       Duration(120 * time.Second),
			StreamTimeout: Duration(120 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "deskgate",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honour.
func (c *Config) Validate() error {
	// A lock that expires while the holder is still reading the agent stream
	// lets a second worker process the same conversation.
	if c.Lock.Hold <= c.Agent.StreamTimeout || c.Lock.Hold <= c.Agent.Timeout {
		return fmt.Errorf("lock.hold (%s) must exceed agent.timeout (%s) and agent.stream_timeout (%s)",
			c.Lock.Hold.Std(), c.Agent.Timeout.Std(), c.Agent.StreamTimeout.Std())
	}
	switch c.Queue.Backend {
	case "memory", "":
	case "redis", "redis_stream", "asynq":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue backend %s requires DESKGATE_REDIS_URL", c.Queue.Backend)
		}
	case "rabbitmq":
		if c.Queue.RabbitMQURL == "" {
			return fmt.Errorf("queue backend rabbitmq requires DESKGATE_RABBITMQ_URL")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Lock.Backend {
	case "memory", "":
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("lock backend redis requires DESKGATE_REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if c.Database.Mode == "managed" && c.Database.PostgresDSN == "" {
		return fmt.Errorf("database mode managed requires DESKGATE_POSTGRES_DSN")
	}
	return c.validateRefs()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	// Secrets
	envStr("DESKGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("DESKGATE_REDIS_URL", &c.Queue.RedisURL)
	envStr("DESKGATE_RABBITMQ_URL", &c.Queue.RabbitMQURL)
	for i := range c.Agents {
		envStr("DESKGATE_AGENT_"+envKey(c.Agents[i].ID)+"_API_KEY", &c.Agents[i].APIKey)
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		envStr("DESKGATE_CHANNEL_"+envKey(ch.ID)+"_SECRET", &ch.Secret)
		if v := os.Getenv("DESKGATE_CHANNEL_" + envKey(ch.ID) + "_TOKEN"); v != "" {
			if ch.Options == nil {
				ch.Options = make(map[string]string)
			}
			ch.Options["token"] = v
		}
	}

	// Gateway host/port
	envStr("DESKGATE_HOST", &c.Gateway.Host)
	envInt("DESKGATE_PORT", &c.Gateway.Port)

	// Backends
	envStr("DESKGATE_DATABASE_MODE", &c.Database.Mode)
	envStr("DESKGATE_QUEUE_BACKEND", &c.Queue.Backend)
	envStr("DESKGATE_LOCK_BACKEND", &c.Lock.Backend)
	envInt("DESKGATE_INPUT_WORKERS", &c.Queue.InputWorkers)
	envInt("DESKGATE_OUTPUT_WORKERS", &c.Queue.OutputWorkers)
	envStr("DESKGATE_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("DESKGATE_CONVERSATION_DIR", &c.Database.ConversationDir)
	envStr("DESKGATE_PRECHECK_RULES", &c.Precheck.RulesFile)

	// Telemetry
	envStr("DESKGATE_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("DESKGATE_OTEL_PROTOCOL", &c.Telemetry.Protocol)
	envStr("DESKGATE_OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("DESKGATE_OTEL_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DESKGATE_OTEL_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	c.Database.SQLitePath = ExpandHome(c.Database.SQLitePath)
	c.Database.ConversationDir = ExpandHome(c.Database.ConversationDir)
	c.Precheck.RulesFile = ExpandHome(c.Precheck.RulesFile)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
