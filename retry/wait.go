package retry

import (
	"context"
	"time"
)

// Wait sleeps for the given delay, respecting context cancellation. Every
// quick-tier delay goes through here so a cancelled caller stops waiting
// immediately.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
