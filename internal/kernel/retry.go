package kernel

import (
	"context"
	"math/rand/v2"
	"time"
)

// WithRetry executes fn, retrying up to maxRetries times while the kernel is
// unavailable. Retries use jittered exponential backoff starting at baseDelay.
// Only idempotent calls go through here.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !IsUnavailable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
