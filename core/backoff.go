package core

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy computes the delay before a failed job becomes claimable again:
// Base*2^attempts scaled by a random factor in [1-Jitter, 1+Jitter] and
// clamped to Cap. Once Base*2^attempts reaches Cap the delay is exactly Cap.
// Jitter is limited to MaxBackoffJitter so the upper bound of one attempt
// never exceeds the lower bound of the next, which keeps delays non-decreasing
// across attempts whatever Rand returns.
type RetryPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
	Rand   func() float64
}

func NewRetryPolicy(cfg QueueConfig) RetryPolicy {
	cfg = cfg.withDefaults()
	return RetryPolicy{
		Base:   cfg.BackoffBase,
		Cap:    cfg.BackoffCap,
		Jitter: cfg.BackoffJitter,
	}
}

func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	maximum := p.Cap
	if maximum <= 0 {
		maximum = DefaultBackoffCap
	}
	if attempts < 0 {
		attempts = 0
	}

	if attempts >= 62 {
		return maximum
	}
	delay := float64(base) * math.Pow(2, float64(attempts))
	if delay >= float64(maximum) {
		return maximum
	}

	if jitter := min(p.Jitter, MaxBackoffJitter); jitter > 0 {
		random := p.Rand
		if random == nil {
			random = rand.Float64
		}
		delay *= 1 + (2*random()-1)*jitter
	}

	if delay < 0 {
		return 0
	}
	if delay > float64(maximum) {
		return maximum
	}
	return time.Duration(delay)
}
