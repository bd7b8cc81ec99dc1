package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

// Service resolves and mutates conversations on top of a ConversationStore.
type Service struct {
	store store.ConversationStore
	now   func() time.Time
}

func NewService(s store.ConversationStore) *Service {
	return &Service{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() store.ConversationStore { return s.store }

// ResolveRequest describes the owner of an inbound message group.
type ResolveRequest struct {
	Key                   store.ConversationKey
	ChannelConversationID string
	AgentID               string
}

// Resolve returns the open conversation for req.Key, creating a pending one
// when none exists (first contact, or the previous one was closed).
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (*store.ConversationData, error) {
	conv, err := s.store.FindOpen(ctx, req.Key)
	if err == nil {
		if req.ChannelConversationID == "" || conv.ChannelConversationID == req.ChannelConversationID {
			return conv, nil
		}
		err = s.store.SetChannelConversationID(ctx, conv.ID, req.ChannelConversationID)
		if err == nil {
			conv.ChannelConversationID = req.ChannelConversationID
			return conv, nil
		}
		// ErrNotFound here means it was closed since FindOpen: open a new one.
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	conv, err = s.store.CreateIfAbsent(ctx, &store.ConversationData{
		ChannelConversationID: req.ChannelConversationID,
		AppID:                 req.Key.AppID,
		ChannelID:             req.Key.ChannelID,
		AgentID:               req.AgentID,
		User:                  req.Key.User,
		Status:                store.StatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// ApplyEvent runs the state machine for ev and persists a change.
func (s *Service) ApplyEvent(ctx context.Context, conv *store.ConversationData, ev bus.EventContent, source string) (bool, error) {
	if !Apply(conv, ev, source, s.now()) {
		return false, nil
	}
	if err := s.store.Update(ctx, conv); err != nil {
		return false, fmt.Errorf("persist %s: %w", ev.Event, err)
	}
	return true, nil
}

// HumanQueuing moves conv to the human queue.
func (s *Service) HumanQueuing(ctx context.Context, conv *store.ConversationData, reason, source string) (bool, error) {
	return s.ApplyEvent(ctx, conv, bus.EventContent{Event: bus.EventTransferToHumanQueue, Reason: reason}, source)
}

// Human assigns conv to a human servicer.
func (s *Service) Human(ctx context.Context, conv *store.ConversationData, servicer, source string) (bool, error) {
	return s.ApplyEvent(ctx, conv, bus.EventContent{Event: bus.EventTransferToHuman, Servicer: servicer}, source)
}

// Close closes conv. The next inbound message from its user opens a new one.
func (s *Service) Close(ctx context.Context, conv *store.ConversationData, source string) (bool, error) {
	return s.ApplyEvent(ctx, conv, bus.EventContent{Event: bus.EventClosed}, source)
}

// UpdateAgentConversationID stores the remote agent's conversation id.
func (s *Service) UpdateAgentConversationID(ctx context.Context, conv *store.ConversationData, remoteID string) error {
	if remoteID == "" || conv.AgentConversationID == remoteID {
		return nil
	}
	conv.AgentConversationID = remoteID
	return s.store.Update(ctx, conv)
}
