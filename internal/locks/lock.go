// Package locks provides the per-conversation exclusive lock: a bounded wait
// to acquire and a hold ceiling after which a crashed holder's lock expires.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLockTimeout is returned when the lock could not be acquired within the wait bound.
var ErrLockTimeout = errors.New("lock wait timeout")

// Defaults for conversation processing.
const (
	DefaultWait = 10 * time.Minute
	DefaultHold = time.Hour
)

// Locker acquires named exclusive locks.
type Locker interface {
	// Acquire blocks until the lock is held, wait elapses (ErrLockTimeout),
	// or ctx is done. The lock expires on its own after hold.
	Acquire(ctx context.Context, key string, wait, hold time.Duration) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	// Release frees the lock if it is still owned by this holder.
	Release(ctx context.Context) error
}

// ConversationKey is the lock key for one conversation.
func ConversationKey(conversationID string) string {
	return fmt.Sprintf("conversation:lock:%s", conversationID)
}

// WithLock runs fn while holding key. fn is not run when the lock cannot be acquired.
func WithLock(ctx context.Context, l Locker, key string, wait, hold time.Duration, fn func(ctx context.Context) error) error {
	lk, err := l.Acquire(ctx, key, wait, hold)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so cancellation of ctx does not leak the lock.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lk.Release(rctx)
	}()
	return fn(ctx)
}

// retryInterval is the poll interval while waiting for a contended lock.
func retryInterval(wait time.Duration) time.Duration {
	switch {
	case wait <= 0:
		return 10 * time.Millisecond
	case wait < time.Second:
		return 10 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}
