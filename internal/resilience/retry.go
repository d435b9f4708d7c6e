package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64

	// ShouldRetry optionally overrides the default retryability check.
	// If nil, IsRetryable is used (permanent allow-list, retry-by-default).
	ShouldRetry func(err error) bool

	// OnAttempt is called after each failed attempt with the 1-based attempt
	// number and the error, before any backoff sleep. It fires for the final
	// attempt too, so callers can record every attempt.
	OnAttempt func(attempt int, err error)
}

// DefaultRetryConfig returns a sensible retry configuration for API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// FromJobConfig builds a RetryConfig from per-job settings: retryAttempts is
// the number of retries after the first try, backoffBaseSeconds the initial
// backoff.
func FromJobConfig(retryAttempts int, backoffBaseSeconds float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if retryAttempts >= 0 {
		cfg.MaxAttempts = retryAttempts + 1
	}
	if backoffBaseSeconds > 0 {
		cfg.InitialBackoff = time.Duration(backoffBaseSeconds * float64(time.Second))
	}
	return cfg
}

// Do executes fn with retry logic according to cfg. Context cancellation
// stops retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal executes fn returning a value with retry logic. Same semantics as Do
// but preserves the return value from the successful call.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt+1, lastErr)
		}

		if ctx.Err() != nil {
			return zero, lastErr
		}

		if !shouldRetry(lastErr) {
			return zero, lastErr
		}

		if attempt >= cfg.MaxAttempts-1 {
			break
		}

		delay := computeBackoff(attempt, cfg)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	// Apply jitter: ±JitterFraction of delay.
	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnAttempt callback that logs each failed attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("attempt failed",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
