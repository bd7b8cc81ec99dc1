package config

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/deskgate/internal/channels"
	"github.com/nextlevelbuilder/deskgate/internal/providers"
)

// AgentEntry declares one remote agent.
type AgentEntry struct {
	ID       string         `json:"id"`
	Provider string         `json:"provider"` // "coze" | "openai"
	APIBase  string         `json:"api_base,omitempty"`
	APIKey   string         `json:"api_key,omitempty"` // prefer env DESKGATE_AGENT_<ID>_API_KEY
	BotID    string         `json:"bot_id,omitempty"`
	Model    string         `json:"model,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ProviderConfig converts the entry into an adapter config. The stream
// timeout applies unless the entry sets its own.
func (a AgentEntry) ProviderConfig(streamTimeout Duration) providers.Config {
	opts := make(map[string]any, len(a.Options)+1)
	for k, v := range a.Options {
		opts[k] = v
	}
	if _, ok := opts["stream_timeout"]; !ok && streamTimeout > 0 {
		opts["stream_timeout"] = streamTimeout.Std().String()
	}
	return providers.Config{
		Provider: a.Provider,
		APIBase:  a.APIBase,
		APIKey:   a.APIKey,
		BotID:    a.BotID,
		Model:    a.Model,
		Options:  opts,
	}
}

// ChannelEntry declares one channel instance.
type ChannelEntry struct {
	ID              string              `json:"id"`
	Type            string              `json:"type"` // "webhook" | "telegram"
	AppID           string              `json:"app_id,omitempty"`
	AgentID         string              `json:"agent_id,omitempty"`
	FallbackAgentID string              `json:"fallback_agent_id,omitempty"`
	Secret          string              `json:"secret,omitempty"` // prefer env DESKGATE_CHANNEL_<ID>_SECRET
	AllowFrom       FlexibleStringSlice `json:"allow_from,omitempty"`
	Options         map[string]string   `json:"options,omitempty"`
	Disabled        bool                `json:"disabled,omitempty"`
}

// ChannelConfigs returns the enabled channel instances.
func (c *Config) ChannelConfigs() []channels.Config {
	out := make([]channels.Config, 0, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Disabled {
			continue
		}
		out = append(out, channels.Config{
			ID:              ch.ID,
			Type:            ch.Type,
			AppID:           ch.AppID,
			AgentID:         ch.AgentID,
			FallbackAgentID: ch.FallbackAgentID,
			Secret:          ch.Secret,
			AllowFrom:       ch.AllowFrom,
			Options:         ch.Options,
		})
	}
	return out
}

// envKey turns an instance id into an env var fragment: "sales-bot" -> "SALES_BOT".
func envKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
}

// validateRefs checks ids are unique and channel bindings point at declared agents.
func (c *Config) validateRefs() error {
	agents := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent without id")
		}
		if agents[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		agents[a.ID] = true
	}
	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channel without id")
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = true
		for _, ref := range []string{ch.AgentID, ch.FallbackAgentID} {
			if ref != "" && !agents[ref] {
				return fmt.Errorf("channel %q: unknown agent %q", ch.ID, ref)
			}
		}
	}
	return nil
}
