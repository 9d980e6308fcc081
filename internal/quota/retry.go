package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"agentcore/internal/logging"
)

// RetryConfig configures the backoff loop around model calls.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialBackoff time.Duration // Initial backoff duration (doubles each retry)
	MaxBackoff     time.Duration // Maximum backoff duration
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// RetryableFunc is an operation the loop may run more than once.
type RetryableFunc func(ctx context.Context) error

// OnRateLimited is notified each time an attempt fails with a retryable
// rate limit. consecutive counts the current streak; the agent loop uses
// it to decide when to offer a model downgrade.
type OnRateLimited func(consecutive int, delay time.Duration)

// ErrMaxRetriesExceeded indicates all retry attempts failed.
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// Retry executes fn with backoff. Each failure is classified first: a
// terminal quota error stops the loop immediately, a retryable one sleeps
// the provider-suggested delay, and anything else backs off exponentially.
// The classified error is returned so callers can errors.As on it.
func Retry(ctx context.Context, config RetryConfig, operation string, fn RetryableFunc, onRateLimited OnRateLimited) error {
	var lastErr error
	consecutive429 := 0

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logging.Quota("retry succeeded for %s on attempt %d", operation, attempt+1)
			}
			return nil
		}

		classified := ClassifyGoogleError(err)
		lastErr = classified

		var terminal *TerminalQuotaError
		if errors.As(classified, &terminal) {
			logging.Quota("%s hit a non-retryable quota limit: %v", operation, err)
			return classified
		}

		backoff := calculateBackoff(config, attempt)
		var retryable *RetryableQuotaError
		if errors.As(classified, &retryable) {
			consecutive429++
			backoff = time.Duration(retryable.DelayMs) * time.Millisecond
			if onRateLimited != nil {
				onRateLimited(consecutive429, backoff)
			}
		} else {
			consecutive429 = 0
		}

		logging.Quota("attempt %d/%d for %s failed: %v", attempt+1, config.MaxRetries+1, operation, err)

		if attempt < config.MaxRetries {
			logging.Quota("retrying %s in %v", operation, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("%w for %s: %w", ErrMaxRetriesExceeded, operation, lastErr)
}

// calculateBackoff computes exponential backoff for non-rate-limit errors.
func calculateBackoff(config RetryConfig, attempt int) time.Duration {
	backoff := float64(config.InitialBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	return time.Duration(backoff)
}
