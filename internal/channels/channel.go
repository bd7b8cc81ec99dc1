// Package channels provides the channel abstraction layer for multi-platform
// customer-service messaging. A channel parses vendor callbacks into bus
// messages on the way in, and delivers output batches on the way out.
package channels

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

var (
	// ErrUnsupportedChannel is returned when no factory exists for a channel type.
	ErrUnsupportedChannel = errors.New("unsupported channel type")
	// ErrDispatch wraps adapter failures while delivering outputs. The outputs
	// worker returns it so the queue redelivers the batch.
	ErrDispatch = errors.New("dispatch failed")
	// ErrSignature is returned by VerifySignature for unauthenticated callbacks.
	ErrSignature = errors.New("invalid callback signature")
)

// Channel defines the interface that all channel adapters must satisfy.
type Channel interface {
	// ID returns the configured channel instance id (used in callback URLs
	// and on every message).
	ID() string

	// Type returns the adapter type, e.g. "webhook" or "telegram".
	Type() string

	// VerifySignature authenticates a raw callback before it is parsed.
	VerifySignature(header http.Header, body []byte) error

	// ParseMessages converts a verified callback into zero or more messages.
	// Unknown payloads yield no messages rather than an error.
	ParseMessages(ctx context.Context, header http.Header, body []byte) ([]bus.Message, error)

	// SendMessages delivers chat messages of one output batch.
	SendMessages(ctx context.Context, batch bus.OutputBatch, msgs []bus.Message) error

	// TransferToHumanQueuing moves the channel-side session into the human queue.
	TransferToHumanQueuing(ctx context.Context, batch bus.OutputBatch, ev bus.EventContent) error

	// CloseConversation ends the channel-side session.
	CloseConversation(ctx context.Context, batch bus.OutputBatch) error

	HealthCheck(ctx context.Context) error
}

// Config is the static configuration of one channel instance.
type Config struct {
	ID              string
	Type            string
	AppID           string
	AgentID         string
	FallbackAgentID string
	Secret          string
	AllowFrom       []string
	Options         map[string]string
}

// Option returns Options[key], or def when unset.
func (c Config) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	cfg Config
}

// NewBaseChannel creates a new BaseChannel from cfg.
func NewBaseChannel(cfg Config) *BaseChannel {
	return &BaseChannel{cfg: cfg}
}

func (c *BaseChannel) ID() string      { return c.cfg.ID }
func (c *BaseChannel) Type() string    { return c.cfg.Type }
func (c *BaseChannel) AppID() string   { return c.cfg.AppID }
func (c *BaseChannel) Secret() string  { return c.cfg.Secret }
func (c *BaseChannel) Config() Config  { return c.cfg }
func (c *BaseChannel) AgentID() string { return c.cfg.AgentID }

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.cfg.AllowFrom) == 0 {
		return true
	}
	idPart, userPart := senderID, ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart, userPart = senderID[:idx], senderID[idx+1:]
	}
	for _, allowed := range c.cfg.AllowFrom {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == trimmed || idPart == trimmed || (userPart != "" && userPart == trimmed) {
			return true
		}
	}
	return false
}

// Stamp fills the channel-owned fields of parsed messages.
func (c *BaseChannel) Stamp(msgs []bus.Message) []bus.Message {
	for i := range msgs {
		msgs[i].ChannelID = c.cfg.ID
		if msgs[i].AppID == "" {
			msgs[i].AppID = c.cfg.AppID
		}
	}
	return msgs
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
