package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs created by kind"}, []string{"kind"})
	JobsClaimed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed by a worker run"}, []string{"kind"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"kind"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs that failed and will retry"}, []string{"kind", "error_kind"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to the dead letter state"}, []string{"kind", "error_kind"})
	WorkerRunSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "worker_run_seconds", Help: "Wall time of one RunOnce invocation", Buckets: prometheus.DefBuckets}, []string{"loop"})

	DeliveriesQueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "deliveries_enqueued_total", Help: "Outbound deliveries created by fan-out"})
	DeliveriesOK     = prometheus.NewCounter(prometheus.CounterOpts{Name: "deliveries_ok_total", Help: "Outbound deliveries acknowledged with 2xx"})
	DeliveriesRetry  = prometheus.NewCounter(prometheus.CounterOpts{Name: "deliveries_retried_total", Help: "Outbound deliveries scheduled for retry"})
	DeliveriesDead   = prometheus.NewCounter(prometheus.CounterOpts{Name: "deliveries_dead_total", Help: "Outbound deliveries that exhausted their attempts"})

	InboundEvents    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "inbound_events_total", Help: "Inbound provider webhooks by outcome"}, []string{"provider", "outcome"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "inbound_rate_limit_rejects_total", Help: "Inbound webhooks rejected by the rate limiter"}, []string{"provider"})
	RecordConflicts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "record_conflicts_total", Help: "Record updates rejected for a stale version"})
	RecordUpdates    = prometheus.NewCounter(prometheus.CounterOpts{Name: "record_updates_total", Help: "Record updates applied"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			WorkerRunSeconds,
			DeliveriesQueued,
			DeliveriesOK,
			DeliveriesRetry,
			DeliveriesDead,
			InboundEvents,
			RateLimitRejects,
			RecordConflicts,
			RecordUpdates,
		)
	})
	return promhttp.Handler()
}
