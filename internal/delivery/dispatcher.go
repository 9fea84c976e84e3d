// Package delivery posts signed event payloads to subscriber endpoints and
// creates the per-endpoint delivery rows when events are produced.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/backoff"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/telemetry"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	ClaimDeliveries(ctx context.Context, limit int, staleAfter time.Duration) ([]models.Delivery, error)
	GetEndpoint(ctx context.Context, id string) (models.Endpoint, error)
	MarkDeliveryOK(ctx context.Context, id string, attempts int, responseStatus int) (bool, error)
	RetryDelivery(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, responseStatus *int, lastErr string) (bool, error)
	KillDelivery(ctx context.Context, id string, attempts int, responseStatus *int, lastErr string) (bool, error)
}

// Options tunes a Dispatcher. Zero values fall back to defaults.
type Options struct {
	MaxAttempts int
	Timeout     time.Duration
	StaleAfter  time.Duration
	RunBudget   time.Duration
	Policy      *backoff.Policy
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Dispatcher drains queued deliveries one at a time.
type Dispatcher struct {
	store       Store
	client      *http.Client
	policy      *backoff.Policy
	maxAttempts int
	staleAfter  time.Duration
	budget      time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewDispatcher(st Store, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = models.DefaultDeliveryMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Policy == nil {
		opts.Policy = backoff.NewPolicy(5*time.Second, 60*time.Minute)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		store:       st,
		client:      opts.HTTPClient,
		policy:      opts.Policy,
		maxAttempts: opts.MaxAttempts,
		staleAfter:  opts.StaleAfter,
		budget:      opts.RunBudget,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// RunOnce claims up to batch deliveries and attempts each sequentially. It
// returns the number of deliveries attempted. Deliveries left over when the
// run budget expires are released back to the queue untouched.
func (d *Dispatcher) RunOnce(ctx context.Context, batch int) (int, error) {
	start := time.Now()
	defer func() { telemetry.WorkerRunSeconds.WithLabelValues("deliveries").Observe(time.Since(start).Seconds()) }()

	if d.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.budget)
		defer cancel()
	}

	claimed, err := d.store.ClaimDeliveries(ctx, batch, d.staleAfter)
	if err != nil {
		return 0, fmt.Errorf("claim deliveries: %w", err)
	}

	processed := 0
	for i, del := range claimed {
		if ctx.Err() != nil {
			d.release(ctx, claimed[i:])
			break
		}
		d.attempt(ctx, del)
		processed++
	}
	return processed, nil
}

func (d *Dispatcher) attempt(ctx context.Context, del models.Delivery) {
	log := d.logger.With("delivery_id", del.ID, "endpoint_id", del.EndpointID, "event", del.Event)

	// Outcomes are stored even if the run budget runs out during the POST.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	ep, err := d.store.GetEndpoint(sctx, del.EndpointID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		d.kill(sctx, log, del, del.Attempts, nil, err)
		return
	case err != nil:
		// The endpoint may be fine; only the lookup failed. No attempt is spent.
		d.retry(sctx, log, del, del.Attempts, nil, fmt.Errorf("lookup endpoint: %w", err))
		return
	case !ep.Active:
		d.kill(sctx, log, del, del.Attempts, nil, fmt.Errorf("%w: endpoint %s is inactive", models.ErrNotFound, ep.ID))
		return
	}

	status, postErr := d.post(ctx, ep, del)
	if postErr == nil {
		changed, err := d.store.MarkDeliveryOK(sctx, del.ID, del.Attempts, status)
		if err != nil {
			log.Error("mark delivery ok", "error", err)
			return
		}
		if !changed {
			log.Warn("delivery no longer sending, skipping ok")
			return
		}
		telemetry.DeliveriesOK.Inc()
		log.Info("delivery ok", "status", status, "attempts", del.Attempts)
		return
	}

	var respStatus *int
	if status != 0 {
		respStatus = &status
	}
	attempts := del.Attempts + 1
	if attempts >= d.maxAttempts || errors.Is(postErr, models.ErrValidation) {
		d.kill(sctx, log, del, attempts, respStatus, postErr)
		return
	}
	d.retry(sctx, log, del, attempts, respStatus, postErr)
}

func (d *Dispatcher) kill(ctx context.Context, log *slog.Logger, del models.Delivery, attempts int, respStatus *int, cause error) {
	changed, err := d.store.KillDelivery(ctx, del.ID, attempts, respStatus, cause.Error())
	if err != nil {
		log.Error("kill delivery", "error", err)
		return
	}
	if !changed {
		log.Warn("delivery no longer sending, skipping dead")
		return
	}
	telemetry.DeliveriesDead.Inc()
	log.Warn("delivery dead", "attempts", attempts, "error_kind", models.ErrorKind(cause), "error", cause)
}

func (d *Dispatcher) retry(ctx context.Context, log *slog.Logger, del models.Delivery, attempts int, respStatus *int, cause error) {
	next := d.policy.Next(d.now(), max(attempts, 1))
	changed, err := d.store.RetryDelivery(ctx, del.ID, attempts, next, respStatus, cause.Error())
	if err != nil {
		log.Error("retry delivery", "error", err)
		return
	}
	if !changed {
		log.Warn("delivery no longer sending, skipping retry")
		return
	}
	telemetry.DeliveriesRetry.Inc()
	log.Info("delivery retry scheduled", "attempts", attempts, "next_attempt_at", next.UTC().Format(time.RFC3339),
		"error_kind", models.ErrorKind(cause), "error", cause)
}

// post returns the response status (0 when no response was received) and a
// non-nil error for anything other than 2xx.
func (d *Dispatcher) post(ctx context.Context, ep models.Endpoint, del models.Delivery) (int, error) {
	body, err := Body(del.Event, del.Payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", models.ErrValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(ep.Secret, body))
	req.Header.Set(HeaderEvent, del.Event)
	req.Header.Set(HeaderDeliveryID, del.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: post: %v", models.ErrExternalService, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: endpoint returned %d", models.ErrExternalService, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) release(ctx context.Context, rest []models.Delivery) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	now := d.now()
	for _, del := range rest {
		lastErr := ""
		if del.Error != nil {
			lastErr = *del.Error
		}
		if _, err := d.store.RetryDelivery(rctx, del.ID, del.Attempts, now, del.ResponseStatus, lastErr); err != nil {
			d.logger.Error("release delivery", "delivery_id", del.ID, "error", err)
		}
	}
	d.logger.Warn("run budget exhausted, released deliveries", "released", len(rest))
}
