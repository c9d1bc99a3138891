package execution

import (
	"context"
	"time"
)

// backoffDelay returns the exponential backoff duration for a retry count:
// base * 2^retry, capped at max.
func backoffDelay(retry int, base, max time.Duration) time.Duration {
	if retry < 0 {
		return base
	}
	// 2^30 seconds is already far beyond any sane cap
	if retry > 30 {
		return max
	}
	delay := base * time.Duration(1<<retry)
	if delay > max {
		return max
	}
	return delay
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
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
