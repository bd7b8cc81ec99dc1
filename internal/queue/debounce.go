package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

// DefaultDebounceTTL bounds how long a "last event" record is kept.
const DefaultDebounceTTL = 24 * time.Hour

func lastEventKey(ev bus.ConversationEvent) string {
	q := ev.Queue
	if q == "" {
		q = bus.QueueInputs
	}
	return fmt.Sprintf("%s-last:%s", q, ev.ConversationID)
}

// RedisDebouncer stores the last event id per conversation with SETEX.
type RedisDebouncer struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisDebouncer(client redis.UniversalClient, ttl time.Duration) *RedisDebouncer {
	if ttl <= 0 {
		ttl = DefaultDebounceTTL
	}
	return &RedisDebouncer{client: client, ttl: ttl}
}

var _ Debouncer = (*RedisDebouncer)(nil)

func (r *RedisDebouncer) RecordLastEvent(ctx context.Context, ev bus.ConversationEvent) error {
	if err := r.client.Set(ctx, lastEventKey(ev), ev.ID, r.ttl).Err(); err != nil {
		return fmt.Errorf("record last event: %w", err)
	}
	return nil
}

func (r *RedisDebouncer) IsLastEvent(ctx context.Context, ev bus.ConversationEvent) (bool, error) {
	last, err := r.client.Get(ctx, lastEventKey(ev)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read last event: %w", err)
	}
	return last == "" || last == ev.ID, nil
}

// MemoryDebouncer is the in-process Debouncer.
type MemoryDebouncer struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]debounceEntry
}

type debounceEntry struct {
	id      string
	expires time.Time
}

func NewMemoryDebouncer(ttl time.Duration) *MemoryDebouncer {
	if ttl <= 0 {
		ttl = DefaultDebounceTTL
	}
	return &MemoryDebouncer{ttl: ttl, entries: make(map[string]debounceEntry)}
}

var _ Debouncer = (*MemoryDebouncer)(nil)

func (m *MemoryDebouncer) RecordLastEvent(_ context.Context, ev bus.ConversationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[lastEventKey(ev)] = debounceEntry{id: ev.ID, expires: time.Now().Add(m.ttl)}
	return nil
}

func (m *MemoryDebouncer) IsLastEvent(_ context.Context, ev bus.ConversationEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lastEventKey(ev)
	e, ok := m.entries[key]
	if !ok {
		return true, nil
	}
	if time.Now().After(e.expires) {
		delete(m.entries, key)
		return true, nil
	}
	return e.id == ev.ID, nil
}
