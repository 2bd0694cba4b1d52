package autopilot

import (
	"context"

	"github.com/autocode/driver/internal/backoff"
	"github.com/autocode/driver/internal/errs"
)

// backoffPolicyFor picks a BackoffPolicy scaled by error kind:
// network/timeout use a longer base than logic errors; quota errors
// use the longest.
func backoffPolicyFor(kind errs.Kind) backoff.BackoffPolicy {
	switch kind {
	case errs.QuotaExhausted:
		policy := backoff.ConservativePolicy()
		policy.MaxMs *= 2
		return policy
	case errs.Network, errs.Timeout:
		return backoff.ConservativePolicy()
	default:
		return backoff.AggressivePolicy()
	}
}

func sleepWithBackoff(ctx context.Context, policy backoff.BackoffPolicy, attempt int) error {
	return backoff.SleepWithContext(ctx, backoff.ComputeBackoff(policy, attempt))
}
