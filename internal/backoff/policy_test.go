package backoff

import (
	"testing"
	"time"
)

func TestComputeBackoffGrowsExponentially(t *testing.T) {
	policy := BackoffPolicy{InitialMs: 100, MaxMs: 60000, Factor: 2, Jitter: 0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, 1600 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := ComputeBackoffWithRand(policy, tc.attempt, 0); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestComputeBackoffClampsToMax(t *testing.T) {
	policy := BackoffPolicy{InitialMs: 500, MaxMs: 2000, Factor: 2.5, Jitter: 0}
	if got := ComputeBackoffWithRand(policy, 10, 0); got != 2*time.Second {
		t.Errorf("got %v, want max 2s", got)
	}
}

func TestComputeBackoffJitterBounds(t *testing.T) {
	policy := BackoffPolicy{InitialMs: 1000, MaxMs: 60000, Factor: 2, Jitter: 0.2}

	low := ComputeBackoffWithRand(policy, 1, 0)
	high := ComputeBackoffWithRand(policy, 1, 0.999)
	if low != time.Second {
		t.Errorf("zero random: got %v, want 1s", low)
	}
	if high < low || high > 1200*time.Millisecond {
		t.Errorf("full jitter out of bounds: %v", high)
	}
}

func TestComputeBackoffTreatsAttemptBelowOneAsFirst(t *testing.T) {
	policy := DefaultPolicy()
	first := ComputeBackoffWithRand(policy, 1, 0)
	if got := ComputeBackoffWithRand(policy, 0, 0); got != first {
		t.Errorf("attempt 0: got %v, want %v", got, first)
	}
	if got := ComputeBackoffWithRand(policy, -3, 0); got != first {
		t.Errorf("attempt -3: got %v, want %v", got, first)
	}
}

func TestPoliciesAreOrderedByPatience(t *testing.T) {
	// The loop relies on this ordering when mapping error kinds to
	// policies: aggressive < default < conservative at every attempt.
	for attempt := 1; attempt <= 6; attempt++ {
		a := ComputeBackoffWithRand(AggressivePolicy(), attempt, 0)
		d := ComputeBackoffWithRand(DefaultPolicy(), attempt, 0)
		c := ComputeBackoffWithRand(ConservativePolicy(), attempt, 0)
		if !(a <= d && d <= c) {
			t.Errorf("attempt %d: ordering violated: aggressive=%v default=%v conservative=%v", attempt, a, d, c)
		}
	}
}
