package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

const streamField = "payload"

// promoteStreamScript is promoteListScript for a stream target.
var promoteStreamScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  if redis.call('ZREM', KEYS[1], m) == 1 then
    redis.call('XADD', KEYS[2], '*', ARGV[3], m)
  end
end
return #due
`)

// RedisStream is a Queue on Redis Streams with one consumer group per kind.
// Unacked entries idle longer than ClaimIdle are reclaimed by live consumers.
type RedisStream struct {
	*RedisDebouncer
	client   redis.UniversalClient
	opts     Options
	consumer string
	owned    bool
}

type streamHandle struct {
	entryID string
	raw     string
}

func NewRedisStream(opts Options) (*RedisStream, error) {
	c, err := NewRedisClient(opts.RedisURL)
	if err != nil {
		return nil, err
	}
	q := NewRedisStreamWithClient(c, opts)
	q.owned = true
	return q, nil
}

func NewRedisStreamWithClient(client redis.UniversalClient, opts Options) *RedisStream {
	o := opts.withDefaults()
	consumer := o.StreamConsumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	return &RedisStream{
		RedisDebouncer: NewRedisDebouncer(client, o.DebounceTTL),
		client:         client,
		opts:           o,
		consumer:       consumer,
	}
}

var _ Queue = (*RedisStream)(nil)

func (q *RedisStream) Publish(ctx context.Context, kind bus.QueueKind, payload any, delay time.Duration) error {
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
		return q.client.ZAdd(ctx, delayedKey(kind), redis.Z{Score: float64(due), Member: raw}).Err()
	}
	return q.add(ctx, kind, string(raw))
}

func (q *RedisStream) add(ctx context.Context, kind bus.QueueKind, raw string) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(kind),
		Values: map[string]any{streamField: raw},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", kind, err)
	}
	return nil
}

func (q *RedisStream) ensureGroup(ctx context.Context, kind bus.QueueKind) error {
	err := q.client.XGroupCreateMkStream(ctx, string(kind), q.opts.StreamGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s/%s: %w", kind, q.opts.StreamGroup, err)
	}
	return nil
}

func (q *RedisStream) promoteDue(ctx context.Context, kind bus.QueueKind) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return promoteStreamScript.Run(ctx, q.client,
		[]string{delayedKey(kind), string(kind)}, now, q.opts.SweepBatch, streamField).Int()
}

func toDeliveries(kind bus.QueueKind, msgs []redis.XMessage) []*Delivery {
	out := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values[streamField].(string)
		d := decodeEnvelope(kind, raw)
		d.handle = streamHandle{entryID: m.ID, raw: raw}
		if d.ID == "" {
			d.ID = m.ID
		}
		out = append(out, d)
	}
	return out
}

// reclaim takes over entries left unacked by dead consumers.
func (q *RedisStream) reclaim(ctx context.Context, kind bus.QueueKind) ([]*Delivery, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   string(kind),
		Group:    q.opts.StreamGroup,
		Consumer: q.consumer,
		MinIdle:  q.opts.ClaimIdle,
		Start:    "0-0",
		Count:    int64(q.opts.Prefetch),
	}).Result()
	if err != nil {
		return nil, err
	}
	return toDeliveries(kind, msgs), nil
}

func (q *RedisStream) receive(ctx context.Context, kind bus.QueueKind) ([]*Delivery, error) {
	if _, err := q.promoteDue(ctx, kind); err != nil {
		slog.Warn("queue: delayed sweep failed", "queue", kind, "error", err)
	}
	if claimed, err := q.reclaim(ctx, kind); err != nil {
		slog.Debug("queue: reclaim failed", "queue", kind, "error", err)
	} else if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.StreamGroup,
		Consumer: q.consumer,
		Streams:  []string{string(kind), ">"},
		Count:    int64(q.opts.Prefetch),
		Block:    q.opts.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Delivery
	for _, s := range streams {
		out = append(out, toDeliveries(kind, s.Messages)...)
	}
	return out, nil
}

func (q *RedisStream) Subscribe(ctx context.Context, kind bus.QueueKind, h Handler) error {
	if err := q.ensureGroup(ctx, kind); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := q.receive(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("queue: stream read failed", "queue", kind, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		for _, d := range batch {
			dispatch(ctx, q, d, h, q.opts.MaxAttempts)
		}
	}
}

func streamHandleOf(d *Delivery) (streamHandle, error) {
	h, ok := d.handle.(streamHandle)
	if !ok {
		return h, fmt.Errorf("%s: foreign delivery", d.Kind)
	}
	return h, nil
}

func (q *RedisStream) Ack(ctx context.Context, d *Delivery) error {
	h, err := streamHandleOf(d)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, string(d.Kind), q.opts.StreamGroup, h.entryID)
		p.XDel(ctx, string(d.Kind), h.entryID)
		return nil
	})
	return err
}

// Nack re-adds the payload as a new entry and acks the old one, so the
// message goes back through the group instead of waiting for reclaim.
func (q *RedisStream) Nack(ctx context.Context, d *Delivery) error {
	h, err := streamHandleOf(d)
	if err != nil {
		return err
	}
	requeued := h.raw
	if b, mErr := json.Marshal(envelope{ID: d.ID, Body: d.Body, Attempt: d.Attempt + 1}); mErr == nil {
		requeued = string(b)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{Stream: string(d.Kind), Values: map[string]any{streamField: requeued}})
		p.XAck(ctx, string(d.Kind), q.opts.StreamGroup, h.entryID)
		p.XDel(ctx, string(d.Kind), h.entryID)
		return nil
	})
	return err
}

func (q *RedisStream) deadLetter(ctx context.Context, d *Delivery) error {
	if !q.opts.PoisonToFinal {
		return nil
	}
	h, err := streamHandleOf(d)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, deadKey(d.Kind), h.raw).Err()
}

func (q *RedisStream) Close() error {
	if q.owned {
		return q.client.Close()
	}
	return nil
}
