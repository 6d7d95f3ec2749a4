package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		RetryOn:        func(error) bool { return true },
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: an operation that fails twice then succeeds
	calls := 0

	// When: retrying with 3 attempts
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return New(KindBackendUnavailable, "transient")
		}
		return nil
	})

	// Then: the operation eventually succeeds
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0

	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return errors.New("persistent")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestRetry_NonRetryableSurfacesImmediately(t *testing.T) {
	// Given: a predicate that rejects invalid-argument failures
	cfg := fastRetryConfig(5)
	cfg.RetryOn = IsRetryable
	calls := 0

	// When: the operation fails with a non-retryable kind
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return InvalidArgument("bad input")
	})

	// Then: no retry happens
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestRetry_CircuitOpenIsNeverRetried(t *testing.T) {
	// Given: a permissive predicate
	cfg := fastRetryConfig(5)
	calls := 0

	// When: the breaker rejects the call
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return ErrCircuitOpen
	})

	// Then: the open circuit short-circuits remaining attempts
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancellationStopsWaiting(t *testing.T) {
	cfg := fastRetryConfig(10)
	cfg.InitialBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, cfg, func() error { return errors.New("fail") })

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryResult_ReturnsValue(t *testing.T) {
	calls := 0

	got, err := RetryResult(context.Background(), fastRetryConfig(3), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, New(KindTimeout, "slow")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
