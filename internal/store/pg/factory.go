package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/deskgate/internal/store"
)

// NewPGStores creates the conversation and message stores backed by Postgres.
// The pending store is attached by the caller.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	s := &store.Stores{
		Conversations: NewPGConversationStore(db),
		Messages:      NewPGMessageStore(db),
	}
	s.OnClose(db.Close)
	s.OnPing("postgres", db.PingContext)
	return s, nil
}
