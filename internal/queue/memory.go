package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

// Memory is an in-process Queue for standalone mode and tests.
// Any number of subscribers per kind may run concurrently.
type Memory struct {
	*MemoryDebouncer

	mu       sync.Mutex
	ready    map[bus.QueueKind][]*memItem
	delayed  map[bus.QueueKind][]*memItem // sorted by due
	inflight map[string]*memItem
	notify   chan struct{}
	closed   bool
	opts     Options
}

type memItem struct {
	id      string
	kind    bus.QueueKind
	body    []byte
	attempt int
	due     time.Time
}

func NewMemory(opts Options) *Memory {
	o := opts.withDefaults()
	return &Memory{
		MemoryDebouncer: NewMemoryDebouncer(o.DebounceTTL),
		ready:           make(map[bus.QueueKind][]*memItem),
		delayed:         make(map[bus.QueueKind][]*memItem),
		inflight:        make(map[string]*memItem),
		notify:          make(chan struct{}),
		opts:            o,
	}
}

var _ Queue = (*Memory)(nil)

func (m *Memory) Publish(_ context.Context, kind bus.QueueKind, payload any, delay time.Duration) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	it := &memItem{id: uuid.Must(uuid.NewV7()).String(), kind: kind, body: body}
	if delay > 0 {
		it.due = time.Now().Add(delay)
		list := append(m.delayed[kind], it)
		sort.SliceStable(list, func(i, j int) bool { return list[i].due.Before(list[j].due) })
		m.delayed[kind] = list
	} else {
		m.ready[kind] = append(m.ready[kind], it)
	}
	m.wakeLocked()
	return nil
}

func (m *Memory) wakeLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// promoteLocked moves due delayed items to the ready list and returns the
// time until the next delayed item is due (0 if none).
func (m *Memory) promoteLocked(kind bus.QueueKind, now time.Time) time.Duration {
	list := m.delayed[kind]
	n := 0
	for n < len(list) && !list[n].due.After(now) {
		n++
	}
	if n > 0 {
		m.ready[kind] = append(m.ready[kind], list[:n]...)
		m.delayed[kind] = append([]*memItem(nil), list[n:]...)
	}
	if rest := m.delayed[kind]; len(rest) > 0 {
		return rest[0].due.Sub(now)
	}
	return 0
}

func (m *Memory) next(ctx context.Context, kind bus.QueueKind) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		wait := m.promoteLocked(kind, time.Now())
		if list := m.ready[kind]; len(list) > 0 {
			it := list[0]
			m.ready[kind] = list[1:]
			m.inflight[it.id] = it
			m.mu.Unlock()
			return &Delivery{ID: it.id, Kind: kind, Body: it.body, Attempt: it.attempt, handle: it}, nil
		}
		notify := m.notify
		m.mu.Unlock()

		if wait <= 0 || wait > m.opts.BlockTimeout {
			wait = m.opts.BlockTimeout
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-notify:
		case <-t.C:
		}
		t.Stop()
	}
}

func (m *Memory) Subscribe(ctx context.Context, kind bus.QueueKind, h Handler) error {
	for {
		d, err := m.next(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		dispatch(ctx, m, d, h, m.opts.MaxAttempts)
	}
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, d.ID)
	return nil
}

// Nack requeues the delivery at the tail of its ready list.
func (m *Memory) Nack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.inflight[d.ID]
	if !ok {
		return nil
	}
	delete(m.inflight, d.ID)
	it.attempt++
	m.ready[it.kind] = append(m.ready[it.kind], it)
	m.wakeLocked()
	return nil
}

// Len returns the number of ready plus delayed messages of kind.
func (m *Memory) Len(kind bus.QueueKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready[kind]) + len(m.delayed[kind])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.wakeLocked()
	}
	return nil
}
