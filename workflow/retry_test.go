package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBackoff_Strategies(t *testing.T) {
	half := func() float64 { return 0.5 }
	base := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Rand: half}

	tests := []struct {
		strategy BackoffStrategy
		attempt  int
		want     time.Duration
	}{
		{BackoffFixed, 1, 100 * time.Millisecond},
		{BackoffFixed, 5, 100 * time.Millisecond},
		{BackoffExponential, 1, 100 * time.Millisecond},
		{BackoffExponential, 3, 400 * time.Millisecond},
		{BackoffExponential, 10, time.Second},
		{BackoffFullJitter, 3, 200 * time.Millisecond},
		{"", 3, 200 * time.Millisecond},
		{BackoffEqualJitter, 3, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		b := base
		b.Strategy = tt.strategy
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "%s attempt %d", tt.strategy, tt.attempt)
	}

	assert.Zero(t, Backoff{}.Delay(3))
}

func TestRapid_FullJitterWithinCeiling(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		baseMs := rapid.Int64Range(1, 5000).Draw(t, "base")
		maxMs := rapid.Int64Range(baseMs, 120000).Draw(t, "max")
		attempt := rapid.IntRange(1, 80).Draw(t, "attempt")

		p := RetryPolicy{MaxAttempts: 3, BaseDelayMs: baseMs, MaxDelayMs: maxMs, Strategy: BackoffFullJitter}
		d := p.Backoff(attempt)
		if d < 0 || d > time.Duration(maxMs)*time.Millisecond {
			t.Fatalf("delay %v outside [0, %dms]", d, maxMs)
		}
	})
}

func TestRetryPolicy_Defaults(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, BackoffFullJitter, p.Strategy)

	n := RetryPolicy{}.normalized()
	assert.Equal(t, 1, n.MaxAttempts)
	assert.Equal(t, BackoffFullJitter, n.Strategy)
}
