package sftpclient

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig configures the automatic reconnect after a connection error.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (e.g., 2.0 = double delay each retry).
	Multiplier float64

	// JitterFactor adds randomness to delay (0.0 = no jitter, 0.5 = ±50% jitter).
	JitterFactor float64
}

// DefaultRetryConfig returns the reconnect policy used by every Client unless
// overridden: exactly one reconnect-and-retry, after a short pause.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   1,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// NoRetryConfig returns a config with retries disabled.
func NoRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 0,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// Retry executes fn, retrying with exponential backoff while it fails with a
// retryable error.
func Retry(ctx context.Context, config RetryConfig, operation string, log logrus.FieldLogger, fn RetryableFunc) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", operation, err)
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		delay := calculateDelay(config, attempt)

		if log != nil {
			log.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"of":      config.MaxRetries + 1,
				"delay":   delay,
			}).WithError(err).Warnf("%s failed, retrying", operation)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during retry wait: %w", operation, ctx.Err())
		case <-time.After(delay):
		}
	}

	if config.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, config.MaxRetries+1, lastErr)
}

func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= config.Multiplier
	}

	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}

// IsRetryableError reports whether err is a transient connection failure.
// Protocol, authentication, file and timeout errors are never retried.
func IsRetryableError(err error) bool {
	return Classify(err).Retryable()
}
