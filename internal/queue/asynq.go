package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

// Asynq is a Queue on github.com/hibiken/asynq. Task type and asynq queue
// are both the kind name. asynq settles tasks itself from the handler
// result, so Ack and Nack are no-ops and redelivery follows asynq's retry
// schedule.
type Asynq struct {
	*RedisDebouncer
	client *asynq.Client
	redis  *redis.Client
	conn   asynq.RedisConnOpt
	opts   Options
}

func NewAsynq(opts Options) (*Asynq, error) {
	o := opts.withDefaults()
	if o.RedisURL == "" {
		return nil, errors.New("asynq: redis url is not set")
	}
	conn, err := asynq.ParseRedisURI(o.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	rc, err := NewRedisClient(o.RedisURL)
	if err != nil {
		return nil, err
	}
	return &Asynq{
		RedisDebouncer: NewRedisDebouncer(rc, o.DebounceTTL),
		client:         asynq.NewClient(conn),
		redis:          rc,
		conn:           conn,
		opts:           o,
	}, nil
}

var _ Queue = (*Asynq)(nil)

func (q *Asynq) Publish(ctx context.Context, kind bus.QueueKind, payload any, delay time.Duration) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(string(kind), body), taskOptions(kind, delay, q.opts.MaxAttempts)...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	slog.Debug("queue: enqueued task", "queue", kind, "id", info.ID, "delay", delay)
	return nil
}

func taskOptions(kind bus.QueueKind, delay time.Duration, maxAttempts int) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(string(kind))}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	if maxAttempts > 0 {
		opts = append(opts, asynq.MaxRetry(maxAttempts-1))
	}
	return opts
}

// taskHandler adapts h to asynq. Poison is wrapped in SkipRetry so asynq
// archives the task instead of retrying it.
func taskHandler(kind bus.QueueKind, h Handler) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		attempt, _ := asynq.GetRetryCount(ctx)
		d := &Delivery{ID: id, Kind: kind, Body: t.Payload(), Attempt: attempt}
		err := h(ctx, d)
		if errors.Is(err, ErrPoison) {
			slog.Error("queue: dropping poison task", "queue", kind, "id", id, "error", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// Subscribe runs an asynq server bound to the kind's queue until ctx is done.
func (q *Asynq) Subscribe(ctx context.Context, kind bus.QueueKind, h Handler) error {
	srv := asynq.NewServer(q.conn, asynq.Config{
		Concurrency: q.opts.Prefetch,
		Queues:      map[string]int{string(kind): 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(string(kind), taskHandler(kind, h))
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func (q *Asynq) Ack(context.Context, *Delivery) error  { return nil }
func (q *Asynq) Nack(context.Context, *Delivery) error { return nil }

func (q *Asynq) Close() error {
	err := q.client.Close()
	if rerr := q.redis.Close(); err == nil {
		err = rerr
	}
	return err
}
