// Package resilience provides retry and circuit breaker primitives used
// around capability invocations and LLM provider calls.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/weftworks/weft/core"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64

	// JitterFraction randomizes each delay by ±fraction to avoid
	// synchronized retries. 0.2 means ±20%.
	JitterFraction float64

	// ShouldRetry classifies errors. A nil classifier retries everything.
	// Returning false stops immediately and surfaces the error as is.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig matches the executor's transient-failure policy.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.2,
	}
}

// Retry executes fn until it succeeds, a non-retryable error occurs, the
// attempts are exhausted, or the context is cancelled. The last error is
// wrapped with core.ErrMaxRetriesExceeded when attempts run out.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.ShouldRetry != nil && !config.ShouldRetry(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := backoffDelay(config, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %v: %w",
		config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// backoffDelay computes the wait after the given attempt number (1-based):
// InitialDelay * BackoffFactor^(attempt-1), jittered and capped.
func backoffDelay(config *RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= config.BackoffFactor
	}
	if config.JitterFraction > 0 {
		// Uniform in [-jitter, +jitter]
		delay += delay * config.JitterFraction * (2*rand.Float64() - 1)
	}
	d := time.Duration(delay)
	if config.MaxDelay > 0 && d > config.MaxDelay {
		d = config.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker
// protection. Used around LLM provider calls where a dead backend should
// fail fast instead of burning the retry budget.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
