package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/queue"
)

// Dispatcher is the outputs worker: it consumes output batches and hands
// them to the Manager.
type Dispatcher struct {
	queue   queue.Queue
	manager *Manager
}

func NewDispatcher(q queue.Queue, m *Manager) *Dispatcher {
	return &Dispatcher{queue: q, manager: m}
}

// Handle delivers one batch. Batches for unregistered channels can never be
// delivered and are dropped as poison; adapter failures are returned so the
// queue redelivers.
func (d *Dispatcher) Handle(ctx context.Context, batch bus.OutputBatch) error {
	if batch.ChannelID == "" || len(batch.Messages) == 0 {
		return fmt.Errorf("%w: empty output batch", queue.ErrPoison)
	}
	err := d.manager.Dispatch(ctx, batch)
	if errors.Is(err, ErrUnsupportedChannel) {
		slog.Error("outputs: channel not registered, dropping batch",
			"conversation_id", batch.ConversationID, "channel_id", batch.ChannelID, "messages", len(batch.Messages))
		return fmt.Errorf("%w: %w", queue.ErrPoison, err)
	}
	if err != nil {
		slog.Warn("outputs: dispatch failed", "conversation_id", batch.ConversationID,
			"channel_id", batch.ChannelID, "error", err)
	}
	return err
}

// Run subscribes n parallel consumers to the outputs queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return d.queue.Subscribe(ctx, bus.QueueOutputs, queue.JSONHandler(d.Handle))
		})
	}
	slog.Info("outputs workers started", "workers", n)
	return g.Wait()
}
