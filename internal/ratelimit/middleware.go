package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/telemetry"
)

// PerProvider limits requests by the {provider} route parameter. When redis
// is unavailable requests are let through; the webhook is still verified.
func PerProvider(b *Bucket, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provider := chi.URLParam(r, "provider")
			d, err := b.Take(r.Context(), provider)
			if err != nil {
				logger.Warn("rate limiter unavailable", "provider", provider, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				telemetry.RateLimitRejects.WithLabelValues(provider).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
