// Package retryx implements the bounded fixed-delay retry loop used by the
// HLS ripper's playlist fetches. It is deliberately simpler than the
// persisted exponential-backoff queue in internal/retry, which serves a
// different concern (surviving process restarts for subscription
// recreation, not a single in-flight operation).
package retryx

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Do runs fn up to attempts times, sleeping delay between attempts, and
// returns the first success. If every attempt fails, the last error is
// returned wrapped with the attempt count.
func Do(ctx context.Context, logger *slog.Logger, op string, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		logger.Warn("operation failed, retrying", "op", op, "attempt", i, "of", attempts, "error", lastErr)

		if i == attempts {
			break
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s: exhausted %d attempts: %w", op, attempts, lastErr)
}
