package lending

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = 20 * time.Millisecond
	defaultJitterFactor = 0.3
)

var (
	// ErrInvalidMaxAttempts is returned when max attempts are not positive.
	ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

	// ErrNegativeBaseDelay is returned when the base delay is negative.
	ErrNegativeBaseDelay = errors.New("base delay must not be negative")

	// ErrInvalidJitterFactor is returned when the jitter factor is not between 0.0 and 1.0.
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

// RetryableFunc represents a function that can be retried.
type RetryableFunc func(ctx context.Context) error

type retryConfig struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
}

// RetryWithExponentialBackoff runs fn until it succeeds, returns a
// non-retryable error, the context ends, or maxAttempts is reached.
//
// Retry schedule (default): 0 ms, 20 ms, 40 ms, 80 ms, 160 ms (with 30% jitter).
//
// Domain errors (not found, out of stock, ...) fail fast; only storage errors are retried.
func RetryWithExponentialBackoff(ctx context.Context, fn RetryableFunc, options ...RetryOption) error {
	config := &retryConfig{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		jitterFactor: defaultJitterFactor,
	}

	for _, option := range options {
		if err := option(config); err != nil {
			return err
		}
	}

	var lastErr error

	for attempt := 0; attempt < config.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := config.baseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * config.jitterFactor //nolint:gosec // jitter only

			select {
			case <-time.After(delay + time.Duration(jitter)):
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !isRetryableError(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

func isRetryableError(err error) bool {
	if isDomainError(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// RetryOption configures retry behavior using the functional options pattern.
type RetryOption func(*retryConfig) error

// WithMaxAttempts sets the maximum number of attempts, the first one included.
func WithMaxAttempts(attempts int) RetryOption {
	return func(config *retryConfig) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		config.maxAttempts = attempts
		return nil
	}
}

// WithBaseDelay sets the base delay for exponential backoff.
// Actual delays: baseDelay, baseDelay*2, baseDelay*4, baseDelay*8, etc.
func WithBaseDelay(delay time.Duration) RetryOption {
	return func(config *retryConfig) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}
		config.baseDelay = delay
		return nil
	}
}

// WithJitterFactor sets the jitter as a fraction of the calculated delay (0.0 to 1.0).
func WithJitterFactor(factor float64) RetryOption {
	return func(config *retryConfig) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}
		config.jitterFactor = factor
		return nil
	}
}
