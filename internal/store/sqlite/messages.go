// Package sqlite implements store.MessageStore on an embedded SQLite file for
// standalone deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id                      TEXT PRIMARY KEY,
	conversation_id         TEXT NOT NULL,
	kind                    TEXT NOT NULL,
	content_type            TEXT NOT NULL,
	content                 TEXT,
	sender                  TEXT,
	channel_id              TEXT,
	app_id                  TEXT,
	channel_conversation_id TEXT,
	channel_message_id      TEXT,
	sent_at_ms              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, sent_at_ms);
`

// MessageStore is the SQLite message log.
type MessageStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the log at path. ":memory:" is accepted.
func Open(path string) (*MessageStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &MessageStore{db: db}, nil
}

var _ store.MessageStore = (*MessageStore)(nil)

func (s *MessageStore) Close() error { return s.db.Close() }

func (s *MessageStore) Append(ctx context.Context, msgs ...bus.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range msgs {
		sender, _ := json.Marshal(m.Sender)
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages (id, conversation_id, kind, content_type, content, sender,
				channel_id, app_id, channel_conversation_id, channel_message_id, sent_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, string(m.Kind), string(m.ContentType), string(m.Content), string(sender),
			m.ChannelID, m.AppID, m.ChannelConversationID, m.ChannelMessageID, m.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *MessageStore) List(ctx context.Context, conversationID string, limit int) ([]bus.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, kind, content_type, content, sender,
			channel_id, app_id, channel_conversation_id, channel_message_id, sent_at_ms
		 FROM (SELECT * FROM messages WHERE conversation_id = ? ORDER BY sent_at_ms DESC, rowid DESC LIMIT ?)
		 ORDER BY sent_at_ms, rowid`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []bus.Message
	for rows.Next() {
		var (
			m               bus.Message
			kind, ct        string
			content, sender string
			ms              int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &kind, &ct, &content, &sender,
			&m.ChannelID, &m.AppID, &m.ChannelConversationID, &m.ChannelMessageID, &ms); err != nil {
			return nil, err
		}
		m.Kind = bus.MessageKind(kind)
		m.ContentType = bus.ContentType(ct)
		if content != "" {
			m.Content = json.RawMessage(content)
		}
		_ = json.Unmarshal([]byte(sender), &m.Sender)
		m.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
