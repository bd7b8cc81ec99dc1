package memory

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

// MessageStore is an in-process message log.
type MessageStore struct {
	mu   sync.RWMutex
	msgs map[string][]bus.Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{msgs: make(map[string][]bus.Message)}
}

var _ store.MessageStore = (*MessageStore)(nil)

func (s *MessageStore) Append(_ context.Context, msgs ...bus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], m)
	}
	return nil
}

// List returns the newest limit messages in log order (limit <= 0 = all).
func (s *MessageStore) List(_ context.Context, conversationID string, limit int) ([]bus.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.msgs[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]bus.Message, len(all))
	copy(out, all)
	return out, nil
}
