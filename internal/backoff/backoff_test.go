package backoff_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/backoff"
)

func TestCeiling_DoublesAndCaps(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{10, 30 * time.Minute}, // 5s * 512 = 42m40s, capped
		{200, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoff.Ceiling(tt.attempt, 5*time.Second, 30*time.Minute); got != tt.want {
			t.Errorf("Ceiling(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestComputeDelay_WithinBounds(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	base, max := 5*time.Second, 60*time.Minute
	for attempt := 1; attempt <= 20; attempt++ {
		ceiling := backoff.Ceiling(attempt, base, max)
		floor := time.Duration(float64(ceiling) * (1 - backoff.JitterFraction))
		for range 200 {
			got := backoff.ComputeDelay(attempt, base, max, r)
			if got < 0 || got > ceiling {
				t.Fatalf("ComputeDelay(%d) = %v, outside [0, %v]", attempt, got, ceiling)
			}
			if got < floor-1 {
				t.Fatalf("ComputeDelay(%d) = %v, jitter removed more than 20%% of %v", attempt, got, ceiling)
			}
		}
	}
}

func TestComputeDelay_DeterministicWithSeed(t *testing.T) {
	a := rand.New(rand.NewPCG(42, 7))
	b := rand.New(rand.NewPCG(42, 7))
	for attempt := 1; attempt <= 8; attempt++ {
		x := backoff.ComputeDelay(attempt, time.Second, time.Minute, a)
		y := backoff.ComputeDelay(attempt, time.Second, time.Minute, b)
		if x != y {
			t.Fatalf("attempt %d: %v != %v with identical seeds", attempt, x, y)
		}
	}
}

func TestComputeDelay_ZeroBase(t *testing.T) {
	if got := backoff.ComputeDelay(3, 0, time.Minute, nil); got != 0 {
		t.Fatalf("ComputeDelay with zero base = %v", got)
	}
}

func TestPolicy_NextIsInFuture(t *testing.T) {
	p := backoff.NewSeededPolicy(5*time.Second, time.Hour, 9)
	now := time.Now()
	for attempt := 1; attempt <= 8; attempt++ {
		if next := p.Next(now, attempt); !next.After(now) {
			t.Fatalf("attempt %d: next %v not after now", attempt, next)
		}
	}
}

func TestPolicy_ProducesVariance(t *testing.T) {
	p := backoff.NewPolicy(time.Second, time.Minute)
	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[p.Delay(4)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected variance in jitter, got only %d distinct values", len(seen))
	}
}
