// Package retry implements wait-then-attempt retry loops with capped
// exponential backoff. Delays are driven by an injectable clock so callers
// can test schedules without sleeping.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type Policy struct {
	// MaxAttempts is the total number of attempts before giving up.
	MaxAttempts int
	// InitialBackoff is the delay before the first attempt; it doubles on
	// every subsequent attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubled delay.
	MaxBackoff time.Duration
	// Clock defaults to the real clock when nil.
	Clock clockwork.Clock
	// OnRetry is called before each wait with the upcoming attempt number
	// and the error from the previous one.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// Backoff returns the delay scheduled before the given zero-based attempt:
// InitialBackoff doubled per attempt, capped at MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type Operation[T any] func() (T, error)

// PermanentError aborts a retry loop immediately when returned by an
// operation.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Do waits Backoff(attempt) and then runs op, for each attempt until one
// succeeds or the budget is spent. Context cancellation aborts the wait.
func Do[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	var zero T

	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		backoff := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, backoff)
		}

		timer := clock.NewTimer(backoff)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}

		val, err := op()
		if err == nil {
			return val, nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		lastErr = err
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}
