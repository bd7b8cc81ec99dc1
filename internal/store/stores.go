package store

import "context"

// Stores is the top-level container for all storage backends.
type Stores struct {
	Conversations ConversationStore
	Messages      MessageStore
	Pending       PendingStore

	closers []func() error
	pingers map[string]func(context.Context) error
}

// StoreConfig selects and configures the backends.
type StoreConfig struct {
	PostgresDSN     string
	SQLitePath      string // standalone message log (empty = in memory)
	ConversationDir string // standalone conversation files (empty = in memory)
	RedisURL        string // pending store (empty = in memory)
}

// OnClose registers a cleanup run by Close.
func (s *Stores) OnClose(fn func() error) { s.closers = append(s.closers, fn) }

// OnPing registers a connectivity check reported by Ping under name.
func (s *Stores) OnPing(name string, fn func(context.Context) error) {
	if s.pingers == nil {
		s.pingers = make(map[string]func(context.Context) error)
	}
	s.pingers[name] = fn
}

// Ping runs every registered check. Backends without one are omitted.
func (s *Stores) Ping(ctx context.Context) map[string]error {
	out := make(map[string]error, len(s.pingers))
	for name, fn := range s.pingers {
		out[name] = fn(ctx)
	}
	return out
}

// Close releases every backend, returning the first error.
func (s *Stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
