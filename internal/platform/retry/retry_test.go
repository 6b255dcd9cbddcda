package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forumlive/forumlive/internal/platform/retry"
)

var fastPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	_, err := retry.Do(context.Background(), fastPolicy, func() (struct{}, error) {
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy, func() (struct{}, error) {
		calls++
		if calls < 3 {
			return struct{}{}, errors.New("transient")
		}
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsValue(t *testing.T) {
	calls := 0
	val, err := retry.Do(context.Background(), fastPolicy, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy, func() (struct{}, error) {
		calls++
		return struct{}{}, errors.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestDo_PermanentErrorAborts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := retry.Do(context.Background(), fastPolicy, func() (struct{}, error) {
		calls++
		return struct{}{}, &retry.PermanentError{Err: boom}
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := fastPolicy
	policy.InitialBackoff = time.Hour

	_, err := retry.Do(ctx, policy, func() (struct{}, error) {
		t.Fatal("operation must not run after cancellation")
		return struct{}{}, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_Backoff(t *testing.T) {
	policy := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: 1000 * time.Millisecond,
		MaxBackoff:     10000 * time.Millisecond,
	}

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for attempt, expected := range want {
		assert.Equal(t, expected, policy.Backoff(attempt), "attempt %d", attempt)
	}
}
