package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

// PGMessageStore is the Postgres message log.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

var _ store.MessageStore = (*PGMessageStore)(nil)

func (s *PGMessageStore) Append(ctx context.Context, msgs ...bus.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (id, conversation_id, kind, content_type, content, sender,
			channel_id, app_id, channel_conversation_id, channel_message_id, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		sender, _ := json.Marshal(m.Sender)
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.ConversationID, string(m.Kind), string(m.ContentType), jsonOrNull(m.Content), sender,
			m.ChannelID, m.AppID, nilIfEmpty(m.ChannelConversationID), nilIfEmpty(m.ChannelMessageID), m.Timestamp,
		); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PGMessageStore) List(ctx context.Context, conversationID string, limit int) ([]bus.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, kind, content_type, content, sender,
			channel_id, app_id, channel_conversation_id, channel_message_id, sent_at
		 FROM (
			SELECT * FROM messages WHERE conversation_id = $1 ORDER BY sent_at DESC, id DESC LIMIT $2
		 ) recent ORDER BY sent_at, id`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []bus.Message
	for rows.Next() {
		var (
			m                 bus.Message
			kind, ct          string
			content, sender   []byte
			chanConv, chanMsg sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &kind, &ct, &content, &sender,
			&m.ChannelID, &m.AppID, &chanConv, &chanMsg, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Kind = bus.MessageKind(kind)
		m.ContentType = bus.ContentType(ct)
		if len(content) > 0 {
			m.Content = json.RawMessage(content)
		}
		if len(sender) > 0 {
			_ = json.Unmarshal(sender, &m.Sender)
		}
		m.ChannelConversationID = chanConv.String
		m.ChannelMessageID = chanMsg.String
		out = append(out, m)
	}
	return out, rows.Err()
}
