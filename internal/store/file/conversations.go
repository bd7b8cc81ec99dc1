// Package file implements store.ConversationStore on JSON files, one file
// per conversation, for standalone deployments without Postgres.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/deskgate/internal/store"
)

// ConversationStore caches every conversation in memory and writes through
// to storage. An empty storage dir keeps everything in memory.
type ConversationStore struct {
	mu      sync.RWMutex
	byID    map[string]*store.ConversationData
	open    map[string]string // owner key -> conversation id
	storage string
}

func NewConversationStore(storage string) (*ConversationStore, error) {
	s := &ConversationStore{
		byID:    make(map[string]*store.ConversationData),
		open:    make(map[string]string),
		storage: storage,
	}
	if storage != "" {
		if err := os.MkdirAll(storage, 0755); err != nil {
			return nil, fmt.Errorf("create conversation dir: %w", err)
		}
		s.loadAll()
	}
	return s, nil
}

var _ store.ConversationStore = (*ConversationStore)(nil)

func ownerKey(k store.ConversationKey) string {
	return k.AppID + "|" + k.ChannelID + "|" + k.User.Key()
}

func keyOf(c *store.ConversationData) store.ConversationKey {
	return store.ConversationKey{AppID: c.AppID, ChannelID: c.ChannelID, User: c.User}
}

func clone(c *store.ConversationData) *store.ConversationData {
	cp := *c
	if c.Context != nil {
		cp.Context = append(json.RawMessage(nil), c.Context...)
	}
	return &cp
}

func (s *ConversationStore) Get(_ context.Context, id string) (*store.ConversationData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return clone(c), nil
}

func (s *ConversationStore) FindOpen(_ context.Context, key store.ConversationKey) (*store.ConversationData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[ownerKey(key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *ConversationStore) CreateIfAbsent(_ context.Context, conv *store.ConversationData) (*store.ConversationData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := ownerKey(keyOf(conv))
	if id, exists := s.open[ok]; exists {
		return clone(s.byID[id]), nil
	}

	c := clone(conv)
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.Status == "" {
		c.Status = store.StatusPending
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	if err := s.save(c); err != nil {
		return nil, err
	}
	s.byID[c.ID] = c
	if !c.IsClosed() {
		s.open[ok] = c.ID
	}
	return clone(c), nil
}

func (s *ConversationStore) Update(_ context.Context, conv *store.ConversationData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[conv.ID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conv.ID, store.ErrNotFound)
	}
	if cur.IsClosed() && !conv.IsClosed() {
		return fmt.Errorf("update %s: %w", conv.ID, store.ErrClosed)
	}
	c := clone(conv)
	c.ChannelConversationID = cur.ChannelConversationID
	c.UpdatedAt = time.Now().UTC()
	return s.put(c)
}

func (s *ConversationStore) SetChannelConversationID(_ context.Context, id, channelConversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok || cur.IsClosed() {
		return fmt.Errorf("open conversation %s: %w", id, store.ErrNotFound)
	}
	c := clone(cur)
	c.ChannelConversationID = channelConversationID
	c.UpdatedAt = time.Now().UTC()
	return s.put(c)
}

// put saves c and refreshes the open index. Caller holds mu.
func (s *ConversationStore) put(c *store.ConversationData) error {
	if err := s.save(c); err != nil {
		return err
	}
	s.byID[c.ID] = c

	k := ownerKey(keyOf(c))
	if c.IsClosed() {
		if s.open[k] == c.ID {
			delete(s.open, k)
		}
	} else {
		s.open[k] = c.ID
	}
	return nil
}

// save writes c atomically (temp file + rename). Caller holds mu.
func (s *ConversationStore) save(c *store.ConversationData) error {
	if s.storage == "" {
		return nil
	}
	if c.ID == "" || !filepath.IsLocal(c.ID) || filepath.Base(c.ID) != c.ID {
		return os.ErrInvalid
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.storage, "conversation-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(s.storage, c.ID+".json")); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *ConversationStore) loadAll() {
	files, err := os.ReadDir(s.storage)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.storage, f.Name()))
		if err != nil {
			continue
		}
		var c store.ConversationData
		if err := json.Unmarshal(data, &c); err != nil {
			slog.Warn("skip unreadable conversation file", "file", f.Name(), "error", err)
			continue
		}
		s.byID[c.ID] = &c
		if !c.IsClosed() {
			s.open[ownerKey(keyOf(&c))] = c.ID
		}
	}
}
