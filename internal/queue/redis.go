package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

// promoteListScript moves up to ARGV[2] members of the delayed ZSET whose
// score is <= ARGV[1] onto the live list.
var promoteListScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  if redis.call('ZREM', KEYS[1], m) == 1 then
    redis.call('LPUSH', KEYS[2], m)
  end
end
return #due
`)

// NewRedisClient parses url and verifies the server is reachable.
func NewRedisClient(url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("redis: url is not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

func delayedKey(kind bus.QueueKind) string    { return string(kind) + ":delayed" }
func processingKey(kind bus.QueueKind) string { return string(kind) + ":processing" }
func deadKey(kind bus.QueueKind) string       { return string(kind) + ":dead" }

// Redis is a Queue on a Redis list. Consumers pop from the right into a
// processing list; Ack removes from it and Nack pushes the message back.
// Delayed messages live in a ZSET scored by due time (unix ms) and are
// promoted by every consumer before each blocking pop.
type Redis struct {
	*RedisDebouncer
	client redis.UniversalClient
	opts   Options
	owned  bool
}

// NewRedis dials opts.RedisURL.
func NewRedis(opts Options) (*Redis, error) {
	c, err := NewRedisClient(opts.RedisURL)
	if err != nil {
		return nil, err
	}
	q := NewRedisWithClient(c, opts)
	q.owned = true
	return q, nil
}

// NewRedisWithClient wraps an existing client. Close does not close it.
func NewRedisWithClient(client redis.UniversalClient, opts Options) *Redis {
	o := opts.withDefaults()
	return &Redis{
		RedisDebouncer: NewRedisDebouncer(client, o.DebounceTTL),
		client:         client,
		opts:           o,
	}
}

var _ Queue = (*Redis)(nil)

func newEnvelope(payload any) (envelope, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return envelope{}, err
	}
	return envelope{ID: uuid.Must(uuid.NewV7()).String(), Body: body}, nil
}

func (q *Redis) Publish(ctx context.Context, kind bus.QueueKind, payload any, delay time.Duration) error {
	env, err := newEnvelope(payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if delay > 0 {
		due := time.Now().Add(delay).UnixMilli()
		if err := q.client.ZAdd(ctx, delayedKey(kind), redis.Z{Score: float64(due), Member: raw}).Err(); err != nil {
			return fmt.Errorf("publish delayed %s: %w", kind, err)
		}
		slog.Debug("queue: published delayed message", "queue", kind, "id", env.ID, "delay", delay)
		return nil
	}
	if err := q.client.LPush(ctx, string(kind), raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

// promoteDue moves due delayed messages onto the live list.
func (q *Redis) promoteDue(ctx context.Context, kind bus.QueueKind) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := promoteListScript.Run(ctx, q.client,
		[]string{delayedKey(kind), string(kind)}, now, q.opts.SweepBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed %s: %w", kind, err)
	}
	return n, nil
}

// receive pops one message into the processing list, or returns nil after
// the block timeout.
func (q *Redis) receive(ctx context.Context, kind bus.QueueKind) (*Delivery, error) {
	if n, err := q.promoteDue(ctx, kind); err != nil {
		slog.Warn("queue: delayed sweep failed", "queue", kind, "error", err)
	} else if n > 0 {
		slog.Debug("queue: promoted delayed messages", "queue", kind, "count", n)
	}

	raw, err := q.client.BLMove(ctx, string(kind), processingKey(kind), "RIGHT", "LEFT", q.opts.BlockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(kind, raw), nil
}

// decodeEnvelope never fails: an undecodable member becomes a delivery whose
// body is the raw member, which the handler will reject as poison.
func decodeEnvelope(kind bus.QueueKind, raw string) *Delivery {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.ID == "" {
		return &Delivery{ID: "", Kind: kind, Body: []byte(raw), handle: raw}
	}
	return &Delivery{ID: env.ID, Kind: kind, Body: env.Body, Attempt: env.Attempt, handle: raw}
}

func (q *Redis) Subscribe(ctx context.Context, kind bus.QueueKind, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := q.receive(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("queue: receive failed", "queue", kind, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		if d == nil {
			continue
		}
		dispatch(ctx, q, d, h, q.opts.MaxAttempts)
	}
}

func rawHandle(d *Delivery) (string, bool) {
	raw, ok := d.handle.(string)
	return raw, ok
}

func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	raw, ok := rawHandle(d)
	if !ok {
		return fmt.Errorf("ack %s: foreign delivery", d.Kind)
	}
	return q.client.LRem(ctx, processingKey(d.Kind), 1, raw).Err()
}

// Nack removes the delivery from the processing list and pushes it back with
// an incremented attempt counter.
func (q *Redis) Nack(ctx context.Context, d *Delivery) error {
	raw, ok := rawHandle(d)
	if !ok {
		return fmt.Errorf("nack %s: foreign delivery", d.Kind)
	}
	requeued := raw
	if d.ID != "" {
		b, err := json.Marshal(envelope{ID: d.ID, Body: d.Body, Attempt: d.Attempt + 1})
		if err == nil {
			requeued = string(b)
		}
	}
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, processingKey(d.Kind), 1, raw)
		p.LPush(ctx, string(d.Kind), requeued)
		return nil
	})
	return err
}

func (q *Redis) deadLetter(ctx context.Context, d *Delivery) error {
	if !q.opts.PoisonToFinal {
		return nil
	}
	raw, _ := rawHandle(d)
	return q.client.LPush(ctx, deadKey(d.Kind), raw).Err()
}

// RecoverProcessing moves messages stranded in the processing list (from a
// crashed consumer) back onto the live list. Call it before starting
// consumers, when no other consumer of kind is running.
func (q *Redis) RecoverProcessing(ctx context.Context, kind bus.QueueKind) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, processingKey(kind), string(kind), "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", kind, err)
		}
		n++
	}
}

func (q *Redis) Close() error {
	if q.owned {
		return q.client.Close()
	}
	return nil
}
