// Package retry provides a reusable retry mechanism with exponential backoff.
//
// It is used by the relayer and by the event publishers. The engine itself
// never retries: a failed fill is reported to the caller, who decides.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Config holds configuration for retry behavior.
type Config struct {
	// MaxRetries is the maximum number of retry attempts (0 means just the initial attempt).
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps exponential growth.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied after each retry (default: 2.0).
	BackoffFactor float64

	// Jitter adds up to one extra backoff of randomness to each wait.
	Jitter bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// IsRetryableFunc determines if an error should trigger a retry.
// A nil IsRetryableFunc retries every error.
type IsRetryableFunc func(error) bool

// OnRetryFunc is called before each retry attempt (optional, for logging/metrics).
// attempt is 1-indexed (first retry is attempt 1).
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Do calls fn until it succeeds, returns a non-retryable error, the retries
// are exhausted, or ctx is done.
//
//	out, err := retry.Do(ctx, retry.DefaultConfig(), entity.IsRetryable, nil, func() (*FillResult, error) {
//	    return client.Fill(ctx, req)
//	})
func Do[T any](
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func() (T, error),
) (T, error) {
	var zero T
	cfg = cfg.withDefaults()
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff
			if cfg.Jitter {
				wait += rand.N(backoff)
			}
			if onRetry != nil {
				onRetry(attempt, lastErr, wait)
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("context cancelled while retrying: %w", ctx.Err())
			case <-timer.C:
			}

			backoff = min(time.Duration(float64(backoff)*cfg.BackoffFactor), cfg.MaxBackoff)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("operation failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// DoVoid is like Do but for functions that don't return a value.
func DoVoid(
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func() error,
) error {
	_, err := Do(ctx, cfg, isRetryable, onRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
