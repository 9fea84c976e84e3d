package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refill float64) *Bucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewBucket(client, "ratelimit:inbound:", capacity, refill)
}

func TestBucket_CapacityAndRefill(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t, 2, 1)
	now := time.UnixMilli(1_700_000_000_000)
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		d, err := b.Take(ctx, "plaid")
		if err != nil || !d.Allowed {
			t.Fatalf("take %d: allowed=%v err=%v", i, d.Allowed, err)
		}
	}
	d, _ := b.Take(ctx, "plaid")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("retry after = %v", d.RetryAfter)
	}

	if d, _ := b.Take(ctx, "stripe"); !d.Allowed {
		t.Fatalf("providers must not share a bucket")
	}

	now = now.Add(1500 * time.Millisecond)
	d, _ = b.Take(ctx, "plaid")
	if !d.Allowed {
		t.Fatalf("expected refill after 1.5s")
	}
	if d.Remaining < 0.4 || d.Remaining > 0.6 {
		t.Fatalf("remaining = %v, want ~0.5", d.Remaining)
	}
}

func TestPerProvider_Rejects429(t *testing.T) {
	b := newTestBucket(t, 1, 0.5)
	r := chi.NewRouter()
	r.With(PerProvider(b, slog.New(slog.NewTextHandler(io.Discard, nil)))).Post("/webhooks/{provider}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	codes := make([]int, 2)
	for i := range codes {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/plaid", nil))
		codes[i] = rec.Code
		if i == 1 && rec.Header().Get("Retry-After") == "" {
			t.Fatalf("missing Retry-After")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}
