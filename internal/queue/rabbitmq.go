package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

const attemptHeader = "x-attempt"

// RabbitMQ is a Queue on a RabbitMQ broker. Each kind is a durable queue on
// the default exchange. A delayed publish goes to "<queue>.delay.<ms>", a
// queue whose message TTL dead-letters into the live queue.
type RabbitMQ struct {
	Debouncer
	url  string
	opts Options

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool

	redis *redis.Client
}

type amqpHandle struct {
	delivery amqp.Delivery
}

// NewRabbitMQ dials opts.RabbitMQURL. The debounce record lives in Redis when
// opts.RedisURL is set, in process memory otherwise.
func NewRabbitMQ(opts Options) (*RabbitMQ, error) {
	o := opts.withDefaults()
	if o.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq: url is not set")
	}
	q := &RabbitMQ{url: o.RabbitMQURL, opts: o, declared: make(map[string]bool)}
	if o.RedisURL != "" {
		c, err := NewRedisClient(o.RedisURL)
		if err != nil {
			return nil, err
		}
		q.redis = c
		q.Debouncer = NewRedisDebouncer(c, o.DebounceTTL)
	} else {
		q.Debouncer = NewMemoryDebouncer(o.DebounceTTL)
	}
	if err := q.connect(); err != nil {
		if q.redis != nil {
			_ = q.redis.Close()
		}
		return nil, err
	}
	return q, nil
}

var _ Queue = (*RabbitMQ)(nil)

func (q *RabbitMQ) connect() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connectLocked()
}

func (q *RabbitMQ) connectLocked() error {
	if q.conn != nil && !q.conn.IsClosed() {
		_ = q.conn.Close()
	}
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	q.conn = conn
	q.pubCh = ch
	q.declared = make(map[string]bool)
	return nil
}

// declareLocked declares a durable queue once per connection.
func (q *RabbitMQ) declareLocked(ch *amqp.Channel, name string, args amqp.Table) error {
	if q.declared[name] {
		return nil
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	q.declared[name] = true
	return nil
}

func delayQueueName(kind bus.QueueKind, delay time.Duration) string {
	return string(kind) + ".delay." + strconv.FormatInt(delay.Milliseconds(), 10)
}

func finalQueueName(kind bus.QueueKind) string { return string(kind) + ".final" }

// delayQueueArgs makes messages expire after delay and dead-letter into the
// live queue. An idle delay queue is deleted a minute after its TTL.
func delayQueueArgs(kind bus.QueueKind, delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": string(kind),
		"x-expires":                 delay.Milliseconds() + int64(time.Minute/time.Millisecond),
	}
}

func (q *RabbitMQ) Publish(ctx context.Context, kind bus.QueueKind, payload any, delay time.Duration) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return q.publish(ctx, kind, body, uuid.Must(uuid.NewV7()).String(), 0, delay)
}

func (q *RabbitMQ) publish(ctx context.Context, kind bus.QueueKind, body []byte, id string, attempt int, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.pubCh == nil || q.pubCh.IsClosed() {
		if err := q.connectLocked(); err != nil {
			return err
		}
	}
	if err := q.declareLocked(q.pubCh, string(kind), nil); err != nil {
		return err
	}

	target := string(kind)
	if delay > 0 {
		target = delayQueueName(kind, delay)
		if err := q.declareLocked(q.pubCh, target, delayQueueArgs(kind, delay)); err != nil {
			return err
		}
	}

	err := q.pubCh.PublishWithContext(ctx, "", target, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int64(attempt)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", target, err)
	}
	return nil
}

func attemptOf(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Subscribe consumes kind, reopening the channel with jittered backoff when
// the broker closes it.
func (q *RabbitMQ) Subscribe(ctx context.Context, kind bus.QueueKind, h Handler) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := q.consume(ctx, kind, h)
		if ctx.Err() != nil {
			return nil
		}
		wait := jitteredDelay(backoff, maxBackoff, 25)
		slog.Error("queue: rabbitmq consumer stopped, reconnecting", "queue", kind, "error", err, "retry_in", wait)
		if !sleepCtx(ctx, wait) {
			return nil
		}
		if backoff*2 < maxBackoff {
			backoff *= 2
		}
		if cerr := q.connect(); cerr != nil {
			slog.Error("queue: rabbitmq reconnect failed", "error", cerr)
			continue
		}
		backoff = time.Second
	}
}

func (q *RabbitMQ) consume(ctx context.Context, kind bus.QueueKind, h Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	conn := q.conn
	q.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(q.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if _, err := ch.QueueDeclare(string(kind), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", kind, err)
	}
	msgs, err := ch.Consume(string(kind), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", kind, err)
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	slog.Info("queue: rabbitmq consumer started", "queue", kind, "prefetch", q.opts.Prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closeCh:
			if aerr == nil {
				return errors.New("channel closed")
			}
			return aerr
		case m, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			d := &Delivery{
				ID:      m.MessageId,
				Kind:    kind,
				Body:    m.Body,
				Attempt: attemptOf(m),
				handle:  amqpHandle{delivery: m},
			}
			dispatch(ctx, q, d, h, q.opts.MaxAttempts)
		}
	}
}

func amqpHandleOf(d *Delivery) (amqpHandle, error) {
	h, ok := d.handle.(amqpHandle)
	if !ok {
		return h, fmt.Errorf("%s: foreign delivery", d.Kind)
	}
	return h, nil
}

func (q *RabbitMQ) Ack(_ context.Context, d *Delivery) error {
	h, err := amqpHandleOf(d)
	if err != nil {
		return err
	}
	return h.delivery.Ack(false)
}

// Nack republishes the message with an incremented attempt header and acks
// the original, since a broker-side requeue cannot carry the counter.
func (q *RabbitMQ) Nack(ctx context.Context, d *Delivery) error {
	h, err := amqpHandleOf(d)
	if err != nil {
		return err
	}
	if err := q.publish(ctx, d.Kind, d.Body, d.ID, d.Attempt+1, 0); err != nil {
		return h.delivery.Nack(false, true)
	}
	return h.delivery.Ack(false)
}

func (q *RabbitMQ) deadLetter(ctx context.Context, d *Delivery) error {
	if !q.opts.PoisonToFinal {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	name := finalQueueName(d.Kind)
	if err := q.declareLocked(q.pubCh, name, nil); err != nil {
		return err
	}
	return q.pubCh.PublishWithContext(ctx, "", name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.ID,
		Body:         d.Body,
	})
}

func (q *RabbitMQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var err error
	if q.conn != nil {
		err = q.conn.Close()
	}
	if q.redis != nil {
		_ = q.redis.Close()
	}
	return err
}

func jitteredDelay(base, cap time.Duration, jitterPct int) time.Duration {
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > cap {
		wait = cap
	}
	return wait
}
