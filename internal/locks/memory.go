package locks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLocker is the in-process Locker. Expired holds are taken over the
// same way the Redis key would expire.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]*memoryLock
	freed chan struct{}
}

type memoryLock struct {
	owner   *MemoryLocker
	key     string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*memoryLock), freed: make(chan struct{})}
}

var _ Locker = (*MemoryLocker)(nil)

func (m *MemoryLocker) tryAcquire(key string, hold time.Duration) (*memoryLock, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if cur, ok := m.held[key]; ok && now.Before(cur.expires) {
		return nil, m.freed
	}
	lk := &memoryLock{owner: m, key: key, expires: now.Add(hold)}
	m.held[key] = lk
	return lk, nil
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, wait, hold time.Duration) (Lock, error) {
	if hold <= 0 {
		hold = DefaultHold
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	interval := retryInterval(wait)

	for {
		lk, freed := m.tryAcquire(key, hold)
		if lk != nil {
			return lk, nil
		}
		poll := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			poll.Stop()
			return nil, fmt.Errorf("acquire %s: %w", key, ErrLockTimeout)
		case <-freed:
		case <-poll.C:
		}
		poll.Stop()
	}
}

func (l *memoryLock) Release(context.Context) error {
	m := l.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.held[l.key]; ok && cur == l {
		delete(m.held, l.key)
		close(m.freed)
		m.freed = make(chan struct{})
	}
	return nil
}
