package workflow

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy selects how retry delays are spread.
type BackoffStrategy string

const (
	// BackoffFullJitter picks uniformly in [0, base*2^attempt).
	BackoffFullJitter BackoffStrategy = "full_jitter"
	// BackoffEqualJitter keeps half the exponential delay and jitters the rest.
	BackoffEqualJitter BackoffStrategy = "equal_jitter"
	// BackoffExponential is base*2^attempt with no jitter.
	BackoffExponential BackoffStrategy = "exponential"
	// BackoffFixed always waits base.
	BackoffFixed BackoffStrategy = "fixed"
)

// RetryPolicy bounds re-execution of a failed task.
type RetryPolicy struct {
	// MaxAttempts counts executor invocations, including the first.
	MaxAttempts int             `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int64           `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	MaxDelayMs  int64           `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Strategy    BackoffStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// DefaultRetryPolicy mirrors the engine defaults: three attempts, 1s base, 60s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelayMs: 1000,
		MaxDelayMs:  60000,
		Strategy:    BackoffFullJitter,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelayMs < 0 {
		p.BaseDelayMs = 0
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = DefaultRetryPolicy().MaxDelayMs
	}
	if p.Strategy == "" {
		p.Strategy = BackoffFullJitter
	}
	return p
}

// Backoff returns the delay before retry number attempt (1-based: the wait after the first failure is Backoff(1)).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	return Backoff{
		Base:     time.Duration(p.BaseDelayMs) * time.Millisecond,
		Max:      time.Duration(p.MaxDelayMs) * time.Millisecond,
		Strategy: p.Strategy,
	}.Delay(attempt)
}

// Backoff computes retry delays. The zero Strategy means full jitter.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Strategy BackoffStrategy
	// Rand returns a float in [0,1); nil uses math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before retry number attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	ceiling := b.exponential(attempt - 1)

	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}

	switch b.Strategy {
	case BackoffFixed:
		return b.capped(b.Base)
	case BackoffExponential:
		return ceiling
	case BackoffEqualJitter:
		half := ceiling / 2
		return half + time.Duration(rnd()*float64(ceiling-half))
	default:
		return time.Duration(rnd() * float64(ceiling))
	}
}

// exponential returns min(Max, Base*2^n) without overflowing.
func (b Backoff) exponential(n int) time.Duration {
	f := float64(b.Base) * math.Pow(2, float64(n))
	if b.Max > 0 && f > float64(b.Max) {
		return b.Max
	}
	if f > math.MaxInt64/2 {
		return time.Duration(math.MaxInt64 / 2)
	}
	return time.Duration(f)
}

func (b Backoff) capped(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
