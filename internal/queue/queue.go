// Package queue provides the conversation queue abstraction: publish with an
// optional delay, blocking at-least-once subscribe with ack/nack, and the
// per-conversation "last event" record used to debounce bursts.
//
// Backends: in-process memory, Redis list + delayed ZSET, Redis Streams
// consumer groups, RabbitMQ (TTL + dead-letter delay queues) and asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

// ErrPoison marks a message that can never be handled (e.g. undecodable
// payload). Poison messages are dropped without requeue.
var ErrPoison = errors.New("poison message")

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Delivery is one received message. The backend-specific handle lets Ack and
// Nack find the message again.
type Delivery struct {
	ID      string
	Kind    bus.QueueKind
	Body    []byte
	Attempt int

	handle any
}

// Handler processes a delivery. nil acks, ErrPoison drops, any other error nacks.
type Handler func(ctx context.Context, d *Delivery) error

// Debouncer records the most recent event per (queue, conversation).
type Debouncer interface {
	RecordLastEvent(ctx context.Context, ev bus.ConversationEvent) error
	// IsLastEvent reports whether ev is the most recently recorded event for its
	// conversation. An absent record counts as last.
	IsLastEvent(ctx context.Context, ev bus.ConversationEvent) (bool, error)
}

// Queue is the backend-agnostic queue contract.
type Queue interface {
	Debouncer

	// Publish enqueues payload (JSON-encoded) on kind. A positive delay holds
	// the message until at least delay has elapsed.
	Publish(ctx context.Context, kind bus.QueueKind, payload any, delay time.Duration) error

	// Subscribe blocks, feeding deliveries of kind to h until ctx is done.
	Subscribe(ctx context.Context, kind bus.QueueKind, h Handler) error

	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery) error

	Close() error
}

// deadLetterer is implemented by backends that can park messages which
// exhausted their attempts.
type deadLetterer interface {
	deadLetter(ctx context.Context, d *Delivery) error
}

// JSONHandler wraps a typed handler and turns JSON decode failure into ErrPoison.
func JSONHandler[T any](h func(context.Context, T) error) Handler {
	return func(ctx context.Context, d *Delivery) error {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrPoison, d.Kind, err)
		}
		return h(ctx, v)
	}
}

// envelope wraps a payload on backends that store raw bytes, giving every
// stored member a unique identity and carrying the attempt counter.
type envelope struct {
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	Attempt int             `json:"attempt,omitempty"`
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// dispatch runs h and settles the delivery. maxAttempts <= 0 means unlimited
// redelivery.
func dispatch(ctx context.Context, q Queue, d *Delivery, h Handler, maxAttempts int) {
	err := h(ctx, d)
	switch {
	case errors.Is(err, ErrPoison):
		slog.Error("queue: dropping poison message", "queue", d.Kind, "id", d.ID, "error", err)
		if dl, ok := q.(deadLetterer); ok {
			if dlErr := dl.deadLetter(ctx, d); dlErr != nil {
				slog.Warn("queue: dead-letter failed", "queue", d.Kind, "id", d.ID, "error", dlErr)
			}
		}
		if ackErr := q.Ack(ctx, d); ackErr != nil {
			slog.Warn("queue: ack failed", "queue", d.Kind, "id", d.ID, "error", ackErr)
		}

	case err != nil:
		if maxAttempts > 0 && d.Attempt+1 >= maxAttempts {
			slog.Error("queue: attempts exhausted, parking message",
				"queue", d.Kind, "id", d.ID, "attempt", d.Attempt, "error", err)
			if dl, ok := q.(deadLetterer); ok {
				if dlErr := dl.deadLetter(ctx, d); dlErr != nil {
					slog.Warn("queue: dead-letter failed", "queue", d.Kind, "id", d.ID, "error", dlErr)
				}
			}
			if ackErr := q.Ack(ctx, d); ackErr != nil {
				slog.Warn("queue: ack failed", "queue", d.Kind, "id", d.ID, "error", ackErr)
			}
			return
		}
		slog.Warn("queue: handler failed, nacking", "queue", d.Kind, "id", d.ID, "attempt", d.Attempt, "error", err)
		if nackErr := q.Nack(ctx, d); nackErr != nil {
			slog.Warn("queue: nack failed", "queue", d.Kind, "id", d.ID, "error", nackErr)
		}

	default:
		if ackErr := q.Ack(ctx, d); ackErr != nil {
			slog.Warn("queue: ack failed", "queue", d.Kind, "id", d.ID, "error", ackErr)
		}
	}
}

// sleepCtx waits for d or until ctx is done. It returns false if ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
