package libchannel

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultBaseRetryDelay   = time.Second
	DefaultMaxRetryDelay    = 10 * time.Second
	DefaultMaxRetryAttempts = 5

	// jitterFactor is the largest fraction of the computed delay added on top of it.
	jitterFactor = 0.3
)

type backoffCalculator func(attempt int) time.Duration

// Policy computes the delay between consecutive automatic reconnect attempts.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// jitter returns a value in [0, 1). Overridable in tests.
	jitter func() float64
}

// NewPolicy returns a Policy. Zero values fall back to the package defaults.
func NewPolicy(base, max time.Duration, maxAttempts int) Policy {
	if base <= 0 {
		base = DefaultBaseRetryDelay
	}
	if max <= 0 {
		max = DefaultMaxRetryDelay
	}
	if max < base {
		max = base
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRetryAttempts
	}
	return Policy{BaseDelay: base, MaxDelay: max, MaxAttempts: maxAttempts}
}

// ExponentialDelay is min(base * 2^(attempt-1), max), without jitter.
func ExponentialDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) || math.IsInf(d, 0) {
		return max
	}
	return time.Duration(d)
}

// Delay returns the wait before retry number attempt (1-based). Up to 30% of the capped
// exponential delay is added as jitter, drawn independently on every call.
func (p Policy) Delay(attempt int) time.Duration {
	d := ExponentialDelay(p.BaseDelay, p.MaxDelay, attempt)

	r := rand.Float64
	if p.jitter != nil {
		r = p.jitter
	}

	return d + time.Duration(float64(d)*jitterFactor*r())
}

// Exhausted reports whether failures consecutive failures used up the retry budget.
func (p Policy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}

func (p Policy) calculator() backoffCalculator {
	return p.Delay
}

// BackOff adapts the policy to backoff.BackOff. It yields Delay(1), Delay(2), ... and then
// backoff.Stop once MaxAttempts delays have been handed out.
func (p Policy) BackOff() backoff.BackOff {
	return &policyBackOff{calc: p.calculator(), max: p.MaxAttempts}
}

type policyBackOff struct {
	calc    backoffCalculator
	max     int
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.max {
		return backoff.Stop
	}
	b.attempt++
	return b.calc(b.attempt)
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}
