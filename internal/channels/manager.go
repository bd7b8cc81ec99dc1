package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
	"github.com/nextlevelbuilder/deskgate/internal/tracing"
)

// Manager manages all registered channels and routes output batches to the
// channel they belong to.
type Manager struct {
	channels map[string]Channel
	messages store.MessageStore // optional dispatched-message log
	mu       sync.RWMutex
}

// NewManager creates a new channel manager. messages may be nil.
// Channels are registered externally via RegisterChannel or a Loader.
func NewManager(messages store.MessageStore) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		messages: messages,
	}
}

// RegisterChannel adds a channel to the manager, replacing one with the same id.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID()] = ch
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
}

// GetChannel returns a channel by id.
func (m *Manager) GetChannel(id string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// Has reports whether a channel with id is registered.
func (m *Manager) Has(id string) bool {
	_, ok := m.GetChannel(id)
	return ok
}

// GetEnabledChannels returns the ids of all registered channels, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dispatch delivers one output batch. Consecutive chat messages are sent in
// one adapter call; event messages run the matching channel-side session
// transition in order. Adapter failures are wrapped in ErrDispatch.
func (m *Manager) Dispatch(ctx context.Context, batch bus.OutputBatch) (err error) {
	ctx, span := tracing.Start(ctx, "channels.dispatch",
		tracing.Conversation(batch.ConversationID),
		attribute.String("deskgate.channel_id", batch.ChannelID),
		attribute.Int("deskgate.messages", len(batch.Messages)))
	defer func() { tracing.End(span, err) }()

	ch, ok := m.GetChannel(batch.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s: %w", batch.ChannelID, ErrUnsupportedChannel)
	}

	var chats []bus.Message
	flush := func() error {
		if len(chats) == 0 {
			return nil
		}
		if err := ch.SendMessages(ctx, batch, chats); err != nil {
			return fmt.Errorf("%w: send to %s: %w", ErrDispatch, ch.ID(), err)
		}
		chats = nil
		return nil
	}

	for _, msg := range batch.Messages {
		if !msg.IsEvent() {
			chats = append(chats, msg)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		ev, ok := msg.Event()
		if !ok {
			slog.Warn("channels: undecodable output event", "conversation_id", batch.ConversationID, "message_id", msg.ID)
			continue
		}
		if err := m.dispatchEvent(ctx, ch, batch, ev); err != nil {
			return fmt.Errorf("%w: %s on %s: %w", ErrDispatch, ev.Event, ch.ID(), err)
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if m.messages != nil {
		if err := m.messages.Append(ctx, batch.Messages...); err != nil {
			slog.Warn("channels: message log append failed", "conversation_id", batch.ConversationID, "error", err)
		}
	}
	return nil
}

func (m *Manager) dispatchEvent(ctx context.Context, ch Channel, batch bus.OutputBatch, ev bus.EventContent) error {
	switch ev.Event {
	case bus.EventTransferToHumanQueue:
		slog.Info("channels: transfer to human queue",
			"conversation_id", batch.ConversationID, "channel_id", ch.ID(), "reason", ev.Reason)
		return ch.TransferToHumanQueuing(ctx, batch, ev)
	case bus.EventClosed:
		slog.Info("channels: close conversation", "conversation_id", batch.ConversationID, "channel_id", ch.ID())
		return ch.CloseConversation(ctx, batch)
	default:
		slog.Debug("channels: output event has no channel action",
			"conversation_id", batch.ConversationID, "event", ev.Event)
		return nil
	}
}

// HealthCheck runs every channel's health check.
func (m *Manager) HealthCheck(ctx context.Context) map[string]error {
	m.mu.RLock()
	chs := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.mu.RUnlock()

	out := make(map[string]error, len(chs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ch := range chs {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			err := ch.HealthCheck(ctx)
			mu.Lock()
			out[ch.ID()] = err
			mu.Unlock()
		}(ch)
	}
	wg.Wait()
	return out
}
