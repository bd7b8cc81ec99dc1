// Package memory holds in-process stores used in standalone mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

type pendingEntry struct {
	seq uint64
	msg bus.Message
}

// PendingStore is a mutex-guarded map of per-conversation buffers.
type PendingStore struct {
	mu    sync.Mutex
	seq   uint64
	items map[string][]pendingEntry
}

func NewPendingStore() *PendingStore {
	return &PendingStore{items: make(map[string][]pendingEntry)}
}

var _ store.PendingStore = (*PendingStore)(nil)

func (s *PendingStore) Append(_ context.Context, conversationID string, msgs ...bus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.items[conversationID]
	for _, m := range msgs {
		if m.ID == "" {
			return fmt.Errorf("append pending: message without id")
		}
		replaced := false
		for i := range buf {
			if buf[i].msg.ID == m.ID {
				buf[i].msg = m
				replaced = true
				break
			}
		}
		if !replaced {
			s.seq++
			buf = append(buf, pendingEntry{seq: s.seq, msg: m})
		}
	}
	sort.SliceStable(buf, func(i, j int) bool {
		ti, tj := buf[i].msg.Timestamp.UnixMilli(), buf[j].msg.Timestamp.UnixMilli()
		if ti != tj {
			return ti < tj
		}
		return buf[i].seq < buf[j].seq
	})
	s.items[conversationID] = buf
	return nil
}

func within(m bus.Message, cutoff time.Time) bool {
	return cutoff.IsZero() || m.Timestamp.UnixMilli() <= cutoff.UnixMilli()
}

func (s *PendingStore) Range(_ context.Context, conversationID string, cutoff time.Time) ([]bus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Message
	for _, e := range s.items[conversationID] {
		if within(e.msg, cutoff) {
			out = append(out, e.msg)
		}
	}
	return out, nil
}

func (s *PendingStore) Remove(_ context.Context, conversationID string, ids ...string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter(conversationID, func(m bus.Message) bool { return drop[m.ID] })
	return nil
}

func (s *PendingStore) RemoveUpTo(_ context.Context, conversationID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(conversationID, func(m bus.Message) bool { return within(m, cutoff) }), nil
}

// filter drops entries matching fn. Caller holds mu.
func (s *PendingStore) filter(conversationID string, fn func(bus.Message) bool) int {
	buf := s.items[conversationID]
	kept := buf[:0]
	for _, e := range buf {
		if !fn(e.msg) {
			kept = append(kept, e)
		}
	}
	removed := len(buf) - len(kept)
	if len(kept) == 0 {
		delete(s.items, conversationID)
	} else {
		s.items[conversationID] = kept
	}
	return removed
}
