package errors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for idempotent operations.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// Multiplier is the factor by which the delay grows after each retry.
	Multiplier float64

	// Jitter is the uniform jitter fraction applied to each delay
	// (0.2 means the actual delay is drawn from delay * [0.8, 1.2]).
	Jitter float64

	// RetryOn decides whether a failure is worth another attempt.
	// Defaults to IsRetryable. Circuit-open failures are never retried:
	// the breaker sits inside the retry loop so each attempt is counted
	// individually, and an open circuit short-circuits remaining attempts.
	RetryOn func(error) bool
}

// DefaultRetryConfig returns sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Retry executes fn with exponential backoff.
// Non-retryable failures are surfaced immediately. Context cancellation is
// honored both before each attempt and while waiting between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryResult executes a value-returning fn with exponential backoff.
func RetryResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	retryOn := cfg.RetryOn
	if retryOn == nil {
		retryOn = IsRetryable
	}

	delay := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		// An open circuit means the backend is gated off: stop immediately.
		if errors.Is(err, ErrCircuitOpen) {
			return zero, err
		}
		if !retryOn(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Jitter > 0 {
			// Uniform jitter: delay * (1 ± Jitter).
			factor := 1 + cfg.Jitter*(2*rand.Float64()-1)
			wait = time.Duration(float64(delay) * factor)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
