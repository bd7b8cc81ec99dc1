package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"time"
)

// HTTPError is a non-2xx response from an agent API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// RetryConfig bounds RetryDo.
type RetryConfig struct {
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, MinDelay: 300 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// ParseRetryAfter reads a Retry-After header in seconds (0 if absent or a date).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// IsRetryable reports whether err is worth another attempt: 429, 5xx, and
// network errors. Context cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// RetryDo runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out. Callers retry only connection setup, never a stream
// already being consumed.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == cfg.Attempts-1 {
			break
		}

		delay := cfg.MinDelay << attempt
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		if delay > 0 {
			delay += rand.N(delay/2 + 1)
		}
		var he *HTTPError
		if errors.As(err, &he) && he.RetryAfter > delay {
			delay = he.RetryAfter
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, lastErr
}
