// pkg/retry/retry.go - retrying actions with exponential backoff.

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/macadmins/orchard/pkg/logging"
)

// NonRetryable marks an error that should abort the retry loop immediately,
// such as a 404 or an integrity failure that repeating cannot fix.
type NonRetryable struct {
	Err error
}

func (e NonRetryable) Error() string { return e.Err.Error() }
func (e NonRetryable) Unwrap() error { return e.Err }

// Config defines the configuration for retry attempts.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultConfig is what network fetches use: three attempts, starting at one
// second and doubling.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, InitialInterval: time.Second, Multiplier: 2.0}
}

// Do retries action with exponential backoff until it succeeds, returns a
// NonRetryable error, the attempts are exhausted, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, action func() error) error {
	interval := cfg.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = action()
		if lastErr == nil {
			return nil
		}

		var nonRetryable NonRetryable
		if errors.As(lastErr, &nonRetryable) {
			logging.Warn("Non-retryable error encountered", "error", lastErr, "attempt", attempt)
			return lastErr
		}

		if attempt < cfg.MaxRetries {
			logging.Warn("Attempt failed, retrying",
				"attempt", attempt, "max_attempts", cfg.MaxRetries,
				"retry_delay", interval.String(), "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
			interval = time.Duration(float64(interval) * cfg.Multiplier)
		}
	}

	return fmt.Errorf("action failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}
