package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned when a write would move a closed conversation
	// out of its terminal state.
	ErrClosed = errors.New("conversation closed")
)

// Status is the conversation lifecycle state.
type Status string

const (
	StatusPending       Status = "pending"
	StatusHumanQueueing Status = "human_queueing"
	StatusHuman         Status = "human"
	StatusClosed        Status = "closed"
)

// TransferInfo records the last escalation of a conversation.
type TransferInfo struct {
	Reason   string     `json:"reason,omitempty"`
	Source   string     `json:"source,omitempty"` // "channel" or "system"
	Time     *time.Time `json:"time,omitempty"`
	Servicer string     `json:"servicer,omitempty"`
}

// ConversationData is the persisted projection of a conversation.
type ConversationData struct {
	ID                    string          `json:"id"`
	AgentConversationID   string          `json:"agent_conversation_id,omitempty"`
	ChannelConversationID string          `json:"channel_conversation_id,omitempty"`
	AppID                 string          `json:"app_id"`
	ChannelID             string          `json:"channel_id"`
	AgentID               string          `json:"agent_id,omitempty"`
	User                  bus.User        `json:"user"`
	Status                Status          `json:"status"`
	Context               json.RawMessage `json:"context,omitempty"`
	Transfer              TransferInfo    `json:"transfer"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	ClosedAt              *time.Time      `json:"closed_at,omitempty"`
}

// IsClosed reports whether the conversation reached its terminal state.
func (c *ConversationData) IsClosed() bool { return c.Status == StatusClosed }

// ConversationKey identifies the owner of at most one open conversation.
type ConversationKey struct {
	AppID     string
	ChannelID string
	User      bus.User
}

// ConversationStore persists conversations. Conversations are never deleted.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*ConversationData, error)
	// FindOpen returns the non-closed conversation for key, or ErrNotFound.
	FindOpen(ctx context.Context, key ConversationKey) (*ConversationData, error)
	// CreateIfAbsent inserts conv unless an open conversation already exists
	// for its key, in which case the existing one is returned.
	CreateIfAbsent(ctx context.Context, conv *ConversationData) (*ConversationData, error)
	// Update persists the processor-owned fields of conv. The channel
	// conversation id is left untouched, and a closed conversation can only
	// be written as closed (ErrClosed otherwise).
	Update(ctx context.Context, conv *ConversationData) error
	// SetChannelConversationID updates the channel-side id of an open
	// conversation. It returns ErrNotFound when id is missing or closed.
	SetChannelConversationID(ctx context.Context, id, channelConversationID string) error
}

// MessageStore is the append-only message log.
type MessageStore interface {
	Append(ctx context.Context, msgs ...bus.Message) error
	List(ctx context.Context, conversationID string, limit int) ([]bus.Message, error)
}

// PendingStore buffers messages per conversation until processed.
// Messages are ordered by timestamp, then by arrival. Every message must
// carry an ID.
type PendingStore interface {
	Append(ctx context.Context, conversationID string, msgs ...bus.Message) error
	// Range returns pending messages with timestamp <= cutoff (zero = all).
	Range(ctx context.Context, conversationID string, cutoff time.Time) ([]bus.Message, error)
	// Remove drops exactly the given message ids.
	Remove(ctx context.Context, conversationID string, ids ...string) error
	// RemoveUpTo drops pending messages with timestamp <= cutoff (zero = all).
	RemoveUpTo(ctx context.Context, conversationID string, cutoff time.Time) (int, error)
}
