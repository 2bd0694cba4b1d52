package backoff

import (
	"context"
	"time"
)

// SleepWithContext blocks for duration or until ctx is done, returning
// ctx.Err() in the latter case. Non-positive durations return
// immediately.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SleepWithBackoff computes attempt's delay under policy and sleeps it
// off, respecting ctx cancellation.
func SleepWithBackoff(ctx context.Context, policy BackoffPolicy, attempt int) error {
	return SleepWithContext(ctx, ComputeBackoff(policy, attempt))
}
