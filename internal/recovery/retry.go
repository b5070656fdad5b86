package recovery

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/user/continuity/internal/types"
)

// RetryPolicy controls how a failed durable write is retried inline, with
// exponential backoff, before the snapshot is handed to the retry queue.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy gives a durable write two tries, 100ms apart, before
// the snapshot is handed to the retry queue. Later delays double up to 2s
// for callers that raise MaxAttempts.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
	}
}

// ShouldRetry reports whether a failed durable write deserves another inline
// try: the budget is not spent and the failure looks like an outage.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt > p.MaxAttempts {
		return false
	}
	return IsRetryable(err)
}

// IsRetryable classifies storage errors. Tier outages, lock contention and
// timeouts are retryable. Genuine misses, version conflicts, cancellation and
// constraint or validation failures are not. Unknown errors default to
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrConflict) {
		return false
	}
	if errors.Is(err, types.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") {
		return true
	}

	if strings.Contains(msg, "constraint") ||
		strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "marshal") {
		return false
	}

	return true
}

// NextDelay is the pause after the given failed write (counting from 1),
// growing by Multiplier each time and never above MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between retries with
// exponential backoff. It stops early when ctx is done or the error is
// permanent, and returns the last error.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) || attempt == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(p.NextDelay(attempt)):
		}
	}
	return lastErr
}
