// Package ingest turns parsed channel callbacks into buffered pending
// messages plus one debounced inputs event per conversation burst.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/conversation"
	"github.com/nextlevelbuilder/deskgate/internal/queue"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

// Publisher is the subset of queue.Queue the pipeline needs.
type Publisher interface {
	queue.Debouncer
	Publish(ctx context.Context, kind bus.QueueKind, payload any, delay time.Duration) error
}

// AgentBinder resolves the agent bound to a channel ("" = none).
type AgentBinder interface {
	AgentIDFor(channelID string) string
}

// Pipeline groups inbound messages, resolves their conversations, buffers
// them and enqueues processing events.
type Pipeline struct {
	conversations *conversation.Service
	pending       store.PendingStore
	queue         Publisher
	agents        AgentBinder
	delay         time.Duration
}

// Config for NewPipeline. Delay is applied to pure-chat bursts only.
type Config struct {
	Delay time.Duration
}

func NewPipeline(conv *conversation.Service, pending store.PendingStore, q Publisher, agents AgentBinder, cfg Config) *Pipeline {
	return &Pipeline{conversations: conv, pending: pending, queue: q, agents: agents, delay: cfg.Delay}
}

type groupKey struct {
	channelID, appID, sender, channelConversationID string
}

type group struct {
	key  groupKey
	msgs []bus.Message
}

// groupMessages splits msgs by (channel, app, sender, channel conversation),
// preserving first-seen group order and in-group arrival order.
func groupMessages(msgs []bus.Message) []*group {
	var order []*group
	index := make(map[groupKey]*group)
	for _, m := range msgs {
		k := groupKey{m.ChannelID, m.AppID, m.Sender.Key(), m.ChannelConversationID}
		g, ok := index[k]
		if !ok {
			g = &group{key: k}
			index[k] = g
			order = append(order, g)
		}
		g.msgs = append(g.msgs, m)
	}
	return order
}

// Ingest buffers msgs and publishes one inputs event per group. It returns
// the published events in group order.
func (p *Pipeline) Ingest(ctx context.Context, msgs []bus.Message) ([]bus.ConversationEvent, error) {
	var events []bus.ConversationEvent
	for _, g := range groupMessages(msgs) {
		ev, err := p.ingestGroup(ctx, g)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (p *Pipeline) ingestGroup(ctx context.Context, g *group) (bus.ConversationEvent, error) {
	first := g.msgs[0]
	agentID := ""
	if p.agents != nil {
		agentID = p.agents.AgentIDFor(first.ChannelID)
	}

	conv, err := p.conversations.Resolve(ctx, conversation.ResolveRequest{
		Key: store.ConversationKey{
			AppID:     first.AppID,
			ChannelID: first.ChannelID,
			User:      first.Sender,
		},
		ChannelConversationID: first.ChannelConversationID,
		AgentID:               agentID,
	})
	if err != nil {
		return bus.ConversationEvent{}, fmt.Errorf("resolve conversation: %w", err)
	}

	hasEvent := false
	now := time.Now().UTC()
	for i := range g.msgs {
		m := &g.msgs[i]
		m.ConversationID = conv.ID
		if m.ID == "" {
			m.ID = uuid.Must(uuid.NewV7()).String()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		if m.IsEvent() {
			hasEvent = true
		}
	}

	if err := p.pending.Append(ctx, conv.ID, g.msgs...); err != nil {
		return bus.ConversationEvent{}, fmt.Errorf("buffer messages: %w", err)
	}

	delay := p.delay
	if hasEvent {
		delay = 0
	}
	ev := bus.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Queue:          bus.QueueInputs,
		Delay:          delay,
		EnqueuedAt:     now,
	}
	// Record before publishing so a fast consumer never sees its own event as stale.
	if err := p.queue.RecordLastEvent(ctx, ev); err != nil {
		return bus.ConversationEvent{}, err
	}
	if err := p.queue.Publish(ctx, bus.QueueInputs, ev, delay); err != nil {
		return bus.ConversationEvent{}, fmt.Errorf("publish inputs event: %w", err)
	}

	slog.Debug("ingest: buffered",
		"conversation_id", conv.ID, "event_id", ev.ID, "messages", len(g.msgs), "delay", delay)
	return ev, nil
}
