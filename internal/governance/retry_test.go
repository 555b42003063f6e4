package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func alwaysRetryable(error) bool { return true }

func fastConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	rp := NewRetryPolicy(fastConfig(2))

	calls := 0
	err := rp.Execute(context.Background(), alwaysRetryable, func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	rp := NewRetryPolicy(fastConfig(3))

	calls := 0
	err := rp.Execute(context.Background(), alwaysRetryable, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteExhaustionWrapsSentinel(t *testing.T) {
	rp := NewRetryPolicy(fastConfig(2))

	calls := 0
	err := rp.Execute(context.Background(), alwaysRetryable, func() error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, calls)
}

func TestExecuteNonRetryableStopsImmediately(t *testing.T) {
	rp := NewRetryPolicy(fastConfig(5))
	permanent := errors.New("permanent")

	calls := 0
	err := rp.Execute(context.Background(), func(err error) bool {
		return !errors.Is(err, permanent)
	}, func() error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, calls)
}

func TestExecuteContextCancellationInterruptsBackoff(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    time.Minute,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := rp.Execute(ctx, alwaysRetryable, func() error {
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoffGrowsAndCaps(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	})

	assert.Equal(t, 100*time.Millisecond, rp.CalculateBackoff(0))
	assert.Equal(t, 200*time.Millisecond, rp.CalculateBackoff(1))
	assert.Equal(t, 400*time.Millisecond, rp.CalculateBackoff(2))
	// Capped at MaxBackoff regardless of attempt.
	assert.Equal(t, time.Second, rp.CalculateBackoff(10))
}

func TestCalculateBackoffJitterBounds(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	})

	for i := 0; i < 50; i++ {
		backoff := rp.CalculateBackoff(0)
		assert.GreaterOrEqual(t, backoff, 100*time.Millisecond)
		assert.LessOrEqual(t, backoff, 125*time.Millisecond)
	}
}
