// Package providers holds the remote agent adapters (Coze, OpenAI-compatible)
// behind one capability interface, resolved by provider name.
package providers

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

var (
	// ErrUnsupportedProvider is returned by New for an unknown provider name.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrStreamProtocol marks a malformed or incomplete agent stream.
	ErrStreamProtocol = errors.New("stream protocol error")
)

// Adapter is the interface all agent providers implement.
type Adapter interface {
	// Name returns the provider identifier (e.g. "coze", "openai").
	Name() string

	// Chat sends a chat batch and returns the normalized reply.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// HealthCheck reports whether the remote agent is reachable.
	HealthCheck(ctx context.Context) error
}

// Streamer is implemented by adapters whose replies arrive as a stream. The
// Agent Gateway gives them the longer stream timeout.
type Streamer interface {
	Streaming() bool
}

// ChatRequest is the input of one agent exchange.
type ChatRequest struct {
	ConversationID      string        `json:"conversation_id"`
	AgentConversationID string        `json:"agent_conversation_id,omitempty"` // empty = start a remote conversation
	Messages            []bus.Message `json:"messages"`
	User                bus.User      `json:"user"`
}

// ChatResponse is the normalized output of one agent exchange.
type ChatResponse struct {
	AgentConversationID string        `json:"agent_conversation_id,omitempty"`
	Messages            []bus.Message `json:"messages"`

	// Transfer asks the caller to hand the conversation to a human.
	Transfer       bool   `json:"transfer,omitempty"`
	TransferReason string `json:"transfer_reason,omitempty"`

	// Confidence is the agent's self-reported confidence in [0,1]; nil when
	// the provider does not report one.
	Confidence *float64 `json:"confidence,omitempty"`

	Usage    *Usage         `json:"usage,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config initializes an adapter.
type Config struct {
	Provider string         `json:"provider"`
	APIBase  string         `json:"api_base,omitempty"`
	APIKey   string         `json:"api_key,omitempty"`
	BotID    string         `json:"bot_id,omitempty"`
	Model    string         `json:"model,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

func (c Config) option(key string) string {
	if v, ok := c.Options[key].(string); ok {
		return v
	}
	return ""
}
