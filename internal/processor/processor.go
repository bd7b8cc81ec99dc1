// Package processor is the Event Processor: it drains a conversation's
// pending messages, applies control events, runs the pre-check gate, calls
// the agent or escalates to a human, and publishes outputs.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/deskgate/internal/agent"
	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/conversation"
	"github.com/nextlevelbuilder/deskgate/internal/precheck"
	"github.com/nextlevelbuilder/deskgate/internal/providers"
	"github.com/nextlevelbuilder/deskgate/internal/store"
	"github.com/nextlevelbuilder/deskgate/internal/tracing"
)

// DefaultTransferText is sent to the user when a conversation is escalated.
const DefaultTransferText = "转人工处理中，请稍候..."

// Agents is the agent-calling side of agent.Gateway.
type Agents interface {
	Chat(ctx context.Context, conv *store.ConversationData, msgs []bus.Message) (*providers.ChatResponse, error)
}

// Channels reports whether an output channel is registered.
type Channels interface {
	Has(channelID string) bool
}

// Publisher publishes output batches.
type Publisher interface {
	Publish(ctx context.Context, kind bus.QueueKind, payload any, delay time.Duration) error
}

// Config tunes the processor.
type Config struct {
	// Notices maps an inbound control event to a chat text sent when it
	// changes the conversation state. Empty means no notices.
	Notices map[bus.EventType]string
	// TransferText is the chat text of a transfer-to-human output.
	TransferText string
	// MinConfidence escalates replies the agent scored below it (0 = off).
	MinConfidence float64
}

// Deps are the collaborators of a Processor. Messages and Channels are optional.
type Deps struct {
	Pending       store.PendingStore
	Messages      store.MessageStore
	Conversations *conversation.Service
	Gate          *precheck.Gate
	Agents        Agents
	Channels      Channels
	Outputs       Publisher
}

type Processor struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *Processor {
	if cfg.TransferText == "" {
		cfg.TransferText = DefaultTransferText
	}
	return &Processor{Deps: deps, cfg: cfg}
}

// Process handles one inputs event. The caller holds the conversation lock.
// A returned error means the batch must be redelivered.
func (p *Processor) Process(ctx context.Context, ev bus.ConversationEvent) (err error) {
	ctx, span := tracing.Start(ctx, "processor.process",
		tracing.Conversation(ev.ConversationID), attribute.String("deskgate.event_id", ev.ID))
	defer func() { tracing.End(span, err) }()

	msgs, err := p.Pending.Range(ctx, ev.ConversationID, time.Time{})
	if err != nil {
		return fmt.Errorf("load pending: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("deskgate.pending", len(msgs)))

	conv, err := p.Conversations.Store().Get(ctx, ev.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("processor: pending messages for unknown conversation, dropping",
			"conversation_id", ev.ConversationID, "messages", len(msgs))
		return p.consume(ctx, ev.ConversationID, msgs)
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	events, chats := partition(msgs)

	// Control events first: a close in the same burst wins over its chat.
	var notices []bus.Message
	for _, ec := range events {
		changed, err := p.Conversations.ApplyEvent(ctx, conv, ec, conversation.SourceChannel)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		slog.Info("processor: conversation transition",
			"conversation_id", conv.ID, "event", ec.Event, "status", conv.Status)
		if text := p.cfg.Notices[ec.Event]; text != "" {
			notices = append(notices, bus.NewText(text))
		}
	}
	if len(notices) > 0 {
		if err := p.publish(ctx, conv, systemUser, notices); err != nil {
			return err
		}
	}

	if len(chats) > 0 && !conv.IsClosed() {
		if reason := p.handleChat(ctx, conv, chats); reason != "" {
			if err := p.transferToHuman(ctx, conv, reason); err != nil {
				return fmt.Errorf("transfer to human (%s): %w", reason, err)
			}
		}
	}

	return p.consume(ctx, conv.ID, msgs)
}

var systemUser = bus.User{Type: bus.UserTypeSystem, ID: "system"}

func partition(msgs []bus.Message) (events []bus.EventContent, chats []bus.Message) {
	for _, m := range msgs {
		if m.IsEvent() {
			if ec, ok := m.Event(); ok {
				events = append(events, ec)
			}
			continue
		}
		chats = append(chats, m)
	}
	return events, chats
}

// handleChat runs the chat path and returns the transfer reason when the
// batch must go to a human ("" = handled). Failures never escape: they are
// logged and resolved by a transfer.
func (p *Processor) handleChat(ctx context.Context, conv *store.ConversationData, chats []bus.Message) string {
	res := p.Gate.Check(chats, conv)
	switch res.Action {
	case precheck.ActionIgnore:
		slog.Debug("processor: precheck ignore", "conversation_id", conv.ID, "reason", res.Reason)
		return ""
	case precheck.ActionTransferHuman:
		return res.Reason
	}

	if p.Channels != nil && !p.Channels.Has(conv.ChannelID) {
		slog.Warn("processor: channel not registered", "conversation_id", conv.ID,
			"channel_id", conv.ChannelID, "error", agent.ErrChannelMissing)
		return precheck.ReasonNoChannel
	}

	resp, err := p.Agents.Chat(ctx, conv, chats)
	if errors.Is(err, agent.ErrAgentNotConfigured) {
		slog.Warn("processor: no agent", "conversation_id", conv.ID, "channel_id", conv.ChannelID, "error", err)
		return precheck.ReasonNoAgent
	}
	if err != nil {
		slog.Warn("processor: agent call failed", "conversation_id", conv.ID, "error", err)
		return precheck.ReasonAgentFail
	}

	if err := p.Conversations.UpdateAgentConversationID(ctx, conv, resp.AgentConversationID); err != nil {
		slog.Warn("processor: store agent conversation id failed", "conversation_id", conv.ID, "error", err)
		return precheck.ReasonAgentFail
	}

	if resp.Transfer {
		slog.Info("processor: agent requested transfer", "conversation_id", conv.ID, "agent_reason", resp.TransferReason)
		return precheck.ReasonAgentTransfer
	}
	if p.cfg.MinConfidence > 0 && resp.Confidence != nil && *resp.Confidence < p.cfg.MinConfidence {
		slog.Info("processor: low confidence reply", "conversation_id", conv.ID, "confidence", *resp.Confidence)
		return precheck.ReasonLowConfidence
	}

	if len(resp.Messages) == 0 {
		return ""
	}
	if err := p.publish(ctx, conv, bus.User{Type: bus.UserTypeAgent, ID: conv.AgentID}, resp.Messages); err != nil {
		slog.Warn("processor: publish replies failed", "conversation_id", conv.ID, "error", err)
		return precheck.ReasonAgentFail
	}
	return ""
}

// transferToHuman queues conv for a human and tells the channel.
func (p *Processor) transferToHuman(ctx context.Context, conv *store.ConversationData, reason string) error {
	if _, err := p.Conversations.HumanQueuing(ctx, conv, reason, conversation.SourceSystem); err != nil {
		return err
	}
	slog.Info("processor: transfer to human", "conversation_id", conv.ID, "reason", reason)
	return p.publish(ctx, conv, systemUser, []bus.Message{
		bus.NewText(p.cfg.TransferText),
		bus.NewEvent(bus.EventContent{Event: bus.EventTransferToHumanQueue, Reason: reason}),
	})
}

func (p *Processor) publish(ctx context.Context, conv *store.ConversationData, sender bus.User, msgs []bus.Message) error {
	now := time.Now().UTC()
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = uuid.Must(uuid.NewV7()).String()
		}
		m.ConversationID = conv.ID
		m.ChannelID = conv.ChannelID
		m.AppID = conv.AppID
		m.ChannelConversationID = conv.ChannelConversationID
		m.Sender = sender
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	}
	batch := bus.OutputBatch{
		ConversationID:        conv.ID,
		ChannelID:             conv.ChannelID,
		AppID:                 conv.AppID,
		ChannelConversationID: conv.ChannelConversationID,
		User:                  conv.User,
		Messages:              msgs,
	}
	if err := p.Outputs.Publish(ctx, bus.QueueOutputs, batch, 0); err != nil {
		return fmt.Errorf("publish outputs: %w", err)
	}
	return nil
}

// consume logs msgs and removes them from the pending buffer.
func (p *Processor) consume(ctx context.Context, conversationID string, msgs []bus.Message) error {
	if p.Messages != nil {
		if err := p.Messages.Append(ctx, msgs...); err != nil {
			slog.Warn("processor: message log append failed", "conversation_id", conversationID, "error", err)
		}
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := p.Pending.Remove(ctx, conversationID, ids...); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	return nil
}
