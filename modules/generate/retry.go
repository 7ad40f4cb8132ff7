package generate

import (
	"context"
	"log"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultRetryPause  = 1 * time.Second
)

// withRetry runs fn up to maxAttempts times with a fixed pause between
// attempts. Only retryable failures re-enter the loop; the last error is
// returned as-is so the caller sees the real provider message.
func withRetry(ctx context.Context, maxAttempts int, pause time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NewError(KindCancelled, "Cancelled by user", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts {
			log.Printf("⚠️ Generation attempt %d/%d failed, retrying in %v: %v", attempt, maxAttempts, pause, lastErr)
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return NewError(KindCancelled, "Cancelled by user", ctx.Err())
			}
		}
	}

	log.Printf("❌ Generation failed after %d attempts: %v", maxAttempts, lastErr)
	return lastErr
}
