package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Lock.Hold.Std() != time.Hour || cfg.Lock.Wait.Std() != 10*time.Minute {
		t.Errorf("lock = %+v, want 1h hold / 10m wait", cfg.Lock)
	}
	if cfg.Agent.StreamTimeout.Std() != 120*time.Second {
		t.Errorf("stream timeout = %s", cfg.Agent.StreamTimeout.Std())
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("queue backend = %q", cfg.Queue.Backend)
	}
}

func TestLoad_JSON5AndEnv(t *testing.T) {
	path := writeConfig(t, `{
		// comments and trailing commas are fine
		gateway: { port: 9000 },
		queue: { ingest_delay: "500ms", input_workers: 8 },
		agent: { timeout: 30, stream_timeout: "45s", min_confidence: 0.4 },
		precheck: { transfer_keywords: ["转人工", 110] },
		agents: [{ id: "sales-bot", provider: "coze", bot_id: "b1" }],
		channels: [
			{ id: "web", type: "webhook", agent_id: "sales-bot", options: { url: "http://x" } },
			{ id: "old", type: "webhook", disabled: true },
		],
	}`)
	t.Setenv("DESKGATE_AGENT_SALES_BOT_API_KEY", "sk-1")
	t.Setenv("DESKGATE_CHANNEL_WEB_SECRET", "hush")
	t.Setenv("DESKGATE_PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("port = %d, want env 9100", cfg.Gateway.Port)
	}
	if cfg.Queue.IngestDelay.Std() != 500*time.Millisecond || cfg.Queue.InputWorkers != 8 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Agent.Timeout.Std() != 30*time.Second || cfg.Agent.StreamTimeout.Std() != 45*time.Second {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if got := strings.Join(cfg.Precheck.TransferKeywords, ","); got != "转人工,110" {
		t.Errorf("keywords = %q", got)
	}
	if cfg.Agents[0].APIKey != "sk-1" {
		t.Errorf("agent api key = %q, want from env", cfg.Agents[0].APIKey)
	}
	chs := cfg.ChannelConfigs()
	if len(chs) != 1 || chs[0].Secret != "hush" || chs[0].Option("url", "") != "http://x" {
		t.Errorf("channels = %+v", chs)
	}
	pc := cfg.Agents[0].ProviderConfig(cfg.Agent.StreamTimeout)
	if pc.Options["stream_timeout"] != "45s" {
		t.Errorf("provider stream_timeout = %v", pc.Options["stream_timeout"])
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"hold not above stream timeout", `{lock: {hold: "2m"}, agent: {stream_timeout: "2m"}}`, "lock.hold"},
		{"redis queue without url", `{queue: {backend: "redis"}}`, "DESKGATE_REDIS_URL"},
		{"unknown queue", `{queue: {backend: "kafka"}}`, "unknown queue backend"},
		{"managed without dsn", `{database: {mode: "managed"}}`, "DESKGATE_POSTGRES_DSN"},
		{"dangling agent ref", `{channels: [{id: "c", type: "webhook", agent_id: "ghost"}]}`, "unknown agent"},
		{"duplicate channel", `{channels: [{id: "c", type: "webhook"}, {id: "c", type: "webhook"}]}`, "duplicate channel"},
		{"bad duration", `{lock: {wait: "soon"}}`, "invalid duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{"web": "WEB", "sales-bot": "SALES_BOT", "tg.1": "TG_1"}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
