package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/deskgate/internal/store"
)

// PGConversationStore implements store.ConversationStore backed by Postgres.
// A partial unique index on the owner columns (status <> 'closed') keeps at
// most one open conversation per user.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

var _ store.ConversationStore = (*PGConversationStore)(nil)

const conversationColumns = `id, agent_conversation_id, channel_conversation_id, app_id, channel_id, agent_id,
	user_info, status, context, transfer, created_at, updated_at, closed_at`

func scanConversation(row interface{ Scan(...any) error }) (*store.ConversationData, error) {
	var (
		c                          store.ConversationData
		agentConv, chanConv, agent sql.NullString
		userJSON, ctxJSON, trJSON  []byte
		closedAt                   sql.NullTime
		status                     string
	)
	if err := row.Scan(&c.ID, &agentConv, &chanConv, &c.AppID, &c.ChannelID, &agent,
		&userJSON, &status, &ctxJSON, &trJSON, &c.CreatedAt, &c.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}
	c.AgentConversationID = agentConv.String
	c.ChannelConversationID = chanConv.String
	c.AgentID = agent.String
	c.Status = store.Status(status)
	if len(userJSON) > 0 {
		if err := json.Unmarshal(userJSON, &c.User); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
	}
	if len(ctxJSON) > 0 {
		c.Context = json.RawMessage(ctxJSON)
	}
	if len(trJSON) > 0 {
		if err := json.Unmarshal(trJSON, &c.Transfer); err != nil {
			return nil, fmt.Errorf("decode transfer: %w", err)
		}
	}
	if closedAt.Valid {
		t := closedAt.Time
		c.ClosedAt = &t
	}
	return &c, nil
}

func (s *PGConversationStore) Get(ctx context.Context, id string) (*store.ConversationData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *PGConversationStore) FindOpen(ctx context.Context, key store.ConversationKey) (*store.ConversationData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE app_id = $1 AND channel_id = $2 AND user_type = $3 AND user_id = $4 AND status <> 'closed'`,
		key.AppID, key.ChannelID, string(key.User.Type), key.User.ID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open conversation: %w", err)
	}
	return c, nil
}

func (s *PGConversationStore) CreateIfAbsent(ctx context.Context, conv *store.ConversationData) (*store.ConversationData, error) {
	id := conv.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	status := conv.Status
	if status == "" {
		status = store.StatusPending
	}
	userJSON, _ := json.Marshal(conv.User)
	trJSON, _ := json.Marshal(conv.Transfer)
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (id, agent_conversation_id, channel_conversation_id, app_id, channel_id, agent_id,
			user_type, user_id, user_info, status, context, transfer, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		 ON CONFLICT (app_id, channel_id, user_type, user_id) WHERE status <> 'closed' DO NOTHING
		 RETURNING `+conversationColumns,
		id, nilIfEmpty(conv.AgentConversationID), nilIfEmpty(conv.ChannelConversationID),
		conv.AppID, conv.ChannelID, nilIfEmpty(conv.AgentID),
		string(conv.User.Type), conv.User.ID, userJSON, string(status),
		jsonOrNull(conv.Context), trJSON, now,
	)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race: another worker opened it first.
		return s.FindOpen(ctx, store.ConversationKey{AppID: conv.AppID, ChannelID: conv.ChannelID, User: conv.User})
	}
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *PGConversationStore) Update(ctx context.Context, conv *store.ConversationData) error {
	userJSON, _ := json.Marshal(conv.User)
	trJSON, _ := json.Marshal(conv.Transfer)
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET agent_conversation_id = $2, agent_id = $3,
			user_info = $4, status = $5, context = $6, transfer = $7, closed_at = $8, updated_at = $9
		 WHERE id = $1 AND (status <> 'closed' OR $5 = 'closed')`,
		conv.ID, nilIfEmpty(conv.AgentConversationID),
		nilIfEmpty(conv.AgentID), userJSON, string(conv.Status), jsonOrNull(conv.Context), trJSON,
		conv.ClosedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, conv.ID); err != nil {
			return err
		}
		return fmt.Errorf("update %s: %w", conv.ID, store.ErrClosed)
	}
	return nil
}

func (s *PGConversationStore) SetChannelConversationID(ctx context.Context, id, channelConversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET channel_conversation_id = $2, updated_at = $3
		 WHERE id = $1 AND status <> 'closed'`,
		id, nilIfEmpty(channelConversationID), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update channel conversation id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("open conversation %s: %w", id, store.ErrNotFound)
	}
	return nil
}
