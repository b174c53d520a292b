// Package retry provides retry mechanisms with linear or exponential backoff for minerelay services.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/minerelay/pkg/errors"
)

// Backoff selects how the delay grows between attempts
type Backoff int

const (
	// BackoffExponential multiplies BaseDelay by Multiplier^attempt
	BackoffExponential Backoff = iota
	// BackoffLinear waits BaseDelay*(attempt+1)
	BackoffLinear
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	Backoff     Backoff

	// DelayFirst waits before the first attempt as well as between attempts.
	DelayFirst bool

	// OnAttempt, if set, is called right before every attempt (1-based).
	OnAttempt func(attempt int, delay time.Duration)
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// NetworkConfig returns retry configuration optimized for network operations
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// ReconnectConfig returns the pool reconnect schedule: attempts waits of
// step, 2*step, ... before each attempt, without jitter.
func ReconnectConfig(attempts int, step time.Duration) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   step,
		Backoff:     BackoffLinear,
		DelayFirst:  true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes a function with retry logic
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes a function with retry logic and returns a result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}

	for attempt := range config.MaxAttempts {
		var delay time.Duration
		if attempt > 0 || config.DelayFirst {
			step := attempt
			if !config.DelayFirst {
				step = attempt - 1
			}
			delay = config.calculateDelay(step)
			if err := Wait(ctx, delay); err != nil {
				return zero, err
			}
		}

		if config.OnAttempt != nil {
			config.OnAttempt(attempt+1, delay)
		}

		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}
	}

	if lastErr == nil {
		return zero, errors.New(errors.ErrorTypeInternal, "retry", "no attempts configured")
	}

	wrappedErr := errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)

	return zero, wrappedErr
}

// Wait blocks for d or until ctx is done, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateDelay calculates the delay for the given zero-based step
func (c *Config) calculateDelay(attempt int) time.Duration {
	var delay float64
	switch c.Backoff {
	case BackoffLinear:
		delay = float64(c.BaseDelay) * float64(attempt+1)
	default:
		delay = float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	}

	if c.MaxDelay > 0 {
		delay = min(delay, float64(c.MaxDelay))
	}

	if c.Jitter {
		// Add random jitter up to 10% of the delay
		jitter := delay * 0.1 * rand.Float64()
		delay += jitter
	}

	return time.Duration(delay)
}
