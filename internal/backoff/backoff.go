// Package backoff computes retry delays for jobs and outbound deliveries.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// JitterFraction is the largest share of the unjittered delay that jitter may remove.
const JitterFraction = 0.2

// Ceiling returns min(max, base * 2^(attempt-1)) without jitter.
// Attempts below 1 are treated as the first retry.
func Ceiling(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && d >= float64(max) {
		return max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ComputeDelay returns the delay before retry number attempt. The result lies
// in [0.8*c, c] where c = Ceiling(attempt, base, max). A nil r uses the
// package-level source; pass a seeded *rand.Rand for deterministic output.
func ComputeDelay(attempt int, base, max time.Duration, r *rand.Rand) time.Duration {
	ceiling := Ceiling(attempt, base, max)
	if ceiling <= 0 {
		return 0
	}
	var f float64
	if r != nil {
		f = r.Float64()
	} else {
		f = rand.Float64() //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	jitter := time.Duration(f * JitterFraction * float64(ceiling))
	if jitter > ceiling {
		jitter = ceiling
	}
	return ceiling - jitter
}

// Policy binds a (base, max) pair. Export jobs and deliveries use different pairs.
type Policy struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a policy drawing jitter from the package-level source.
func NewPolicy(base, max time.Duration) *Policy {
	return &Policy{Base: base, Max: max}
}

// NewSeededPolicy creates a policy whose jitter sequence is reproducible.
func NewSeededPolicy(base, max time.Duration, seed uint64) *Policy {
	return &Policy{Base: base, Max: max, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Delay returns the jittered delay for retry number attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if p.rng == nil {
		return ComputeDelay(attempt, p.Base, p.Max, nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return ComputeDelay(attempt, p.Base, p.Max, p.rng)
}

// Next returns the instant of the next attempt after now.
func (p *Policy) Next(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
