package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/locks"
	"github.com/nextlevelbuilder/deskgate/internal/queue"
)

// Worker consumes the inputs queue: lock, debounce re-check, process.
type Worker struct {
	queue  queue.Queue
	locker locks.Locker
	proc   *Processor
	wait   time.Duration
	hold   time.Duration
}

func NewWorker(q queue.Queue, l locks.Locker, p *Processor, wait, hold time.Duration) *Worker {
	if wait <= 0 {
		wait = locks.DefaultWait
	}
	if hold <= 0 {
		hold = locks.DefaultHold
	}
	return &Worker{queue: q, locker: l, proc: p, wait: wait, hold: hold}
}

// Handle processes one inputs event. Stale events are acked without work;
// lock timeouts and processing errors are returned so the queue redelivers.
func (w *Worker) Handle(ctx context.Context, ev bus.ConversationEvent) error {
	if ev.ConversationID == "" || ev.ID == "" {
		return fmt.Errorf("%w: event without ids", queue.ErrPoison)
	}
	return locks.WithLock(ctx, w.locker, locks.ConversationKey(ev.ConversationID), w.wait, w.hold,
		func(ctx context.Context) error {
			// A newer event may have been published while we waited.
			last, err := w.queue.IsLastEvent(ctx, ev)
			if err != nil {
				return err
			}
			if !last {
				slog.Debug("processor: stale event, skipping", "conversation_id", ev.ConversationID, "event_id", ev.ID)
				return nil
			}
			return w.proc.Process(ctx, ev)
		})
}

// Run subscribes n parallel consumers to the inputs queue until ctx is done.
func (w *Worker) Run(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return w.queue.Subscribe(ctx, bus.QueueInputs, queue.JSONHandler(w.Handle))
		})
	}
	slog.Info("inputs workers started", "workers", n)
	return g.Wait()
}
