// Package agent is the Agent Gateway: it binds channels to remote agents and
// invokes them with a bounded timeout, normalizing every failure to *Error.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/providers"
	"github.com/nextlevelbuilder/deskgate/internal/store"
	"github.com/nextlevelbuilder/deskgate/internal/tracing"
)

var (
	// ErrAgentNotConfigured means no agent is bound to the conversation's channel.
	ErrAgentNotConfigured = errors.New("agent not configured")
	// ErrChannelMissing means the conversation's channel is not registered.
	ErrChannelMissing = errors.New("channel missing")
)

// Error is an adapter failure: timeout, HTTP error, or stream/parse error.
type Error struct {
	AgentID  string
	Provider string
	Timeout  bool
	Err      error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("agent %s (%s): timeout: %v", e.AgentID, e.Provider, e.Err)
	}
	return fmt.Sprintf("agent %s (%s): %v", e.AgentID, e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Binding ties a channel to its agent and an optional fallback agent.
type Binding struct {
	ChannelID       string
	AgentID         string
	FallbackAgentID string
}

// Gateway resolves and calls agents.
type Gateway struct {
	mu       sync.RWMutex
	agents   map[string]providers.Adapter
	bindings map[string]Binding
	timeout  time.Duration
	stream   time.Duration
}

// DefaultTimeout bounds one agent exchange.
const DefaultTimeout = 120 * time.Second

func NewGateway(timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		agents:   make(map[string]providers.Adapter),
		bindings: make(map[string]Binding),
		timeout:  timeout,
	}
}

// SetStreamTimeout bounds exchanges with streaming adapters. The effective
// bound is the larger of it and the plain timeout.
func (g *Gateway) SetStreamTimeout(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stream = d
}

func (g *Gateway) timeoutFor(a providers.Adapter) time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if s, ok := a.(providers.Streamer); ok && s.Streaming() && g.stream > g.timeout {
		return g.stream
	}
	return g.timeout
}

// RegisterAgent adds or replaces the adapter for agentID.
func (g *Gateway) RegisterAgent(agentID string, a providers.Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agents[agentID] = a
}

// Bind sets the agent binding of a channel.
func (g *Gateway) Bind(b Binding) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bindings[b.ChannelID] = b
}

// BindChannel binds a channel to its agent and optional fallback agent.
func (g *Gateway) BindChannel(channelID, agentID, fallbackAgentID string) {
	g.Bind(Binding{ChannelID: channelID, AgentID: agentID, FallbackAgentID: fallbackAgentID})
}

// AgentIDFor returns the agent bound to channelID, or "".
func (g *Gateway) AgentIDFor(channelID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bindings[channelID].AgentID
}

// FallbackFor returns the fallback agent of channelID, or "". The gateway
// never calls it on its own; a caller wanting a chained retry invokes
// ChatWith with this id as a fresh exchange.
func (g *Gateway) FallbackFor(channelID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bindings[channelID].FallbackAgentID
}

// resolve picks the conversation's own agent, else its channel binding.
func (g *Gateway) resolve(conv *store.ConversationData) (string, providers.Adapter, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id := conv.AgentID
	if id == "" {
		id = g.bindings[conv.ChannelID].AgentID
	}
	if id == "" {
		return "", nil, fmt.Errorf("channel %s: %w", conv.ChannelID, ErrAgentNotConfigured)
	}
	a, ok := g.agents[id]
	if !ok {
		return id, nil, fmt.Errorf("agent %s: %w", id, ErrAgentNotConfigured)
	}
	return id, a, nil
}

// Chat sends msgs for conv to its bound agent.
func (g *Gateway) Chat(ctx context.Context, conv *store.ConversationData, msgs []bus.Message) (*providers.ChatResponse, error) {
	id, a, err := g.resolve(conv)
	if err != nil {
		return nil, err
	}
	return g.call(ctx, id, a, conv, msgs)
}

// ChatWith sends msgs to a specific agent, e.g. the fallback from FallbackFor.
func (g *Gateway) ChatWith(ctx context.Context, agentID string, conv *store.ConversationData, msgs []bus.Message) (*providers.ChatResponse, error) {
	g.mu.RLock()
	a, ok := g.agents[agentID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotConfigured)
	}
	return g.call(ctx, agentID, a, conv, msgs)
}

func (g *Gateway) call(ctx context.Context, agentID string, a providers.Adapter, conv *store.ConversationData, msgs []bus.Message) (resp *providers.ChatResponse, err error) {
	ctx, span := tracing.Start(ctx, "agent.chat",
		tracing.Conversation(conv.ID),
		attribute.String("deskgate.agent_id", agentID),
		attribute.String("deskgate.provider", a.Name()),
		attribute.Int("deskgate.messages", len(msgs)),
	)
	defer func() { tracing.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, g.timeoutFor(a))
	defer cancel()

	start := time.Now()
	resp, err = a.Chat(ctx, providers.ChatRequest{
		ConversationID:      conv.ID,
		AgentConversationID: conv.AgentConversationID,
		Messages:            msgs,
		User:                conv.User,
	})
	if err != nil {
		return nil, &Error{
			AgentID:  agentID,
			Provider: a.Name(),
			Timeout:  errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:      err,
		}
	}
	if resp == nil {
		resp = &providers.ChatResponse{}
	}
	slog.Debug("agent: reply",
		"conversation_id", conv.ID, "agent_id", agentID, "messages", len(resp.Messages),
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// HealthCheck checks every registered agent.
func (g *Gateway) HealthCheck(ctx context.Context) map[string]error {
	g.mu.RLock()
	ids := make([]string, 0, len(g.agents))
	for id := range g.agents {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	sort.Strings(ids)

	out := make(map[string]error, len(ids))
	for _, id := range ids {
		g.mu.RLock()
		a := g.agents[id]
		g.mu.RUnlock()
		out[id] = a.HealthCheck(ctx)
	}
	return out
}
