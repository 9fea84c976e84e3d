package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/backoff"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/telemetry"
)

// Store is the job persistence the processor drives.
type Store interface {
	ClaimJobs(ctx context.Context, limit int, staleAfter time.Duration) ([]models.Job, error)
	CompleteJob(ctx context.Context, id string, result string) (bool, error)
	RetryJob(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string) (bool, error)
	DeadLetterJob(ctx context.Context, id string, attempts int, lastErr string) (bool, error)
	ReleaseJob(ctx context.Context, id string) error
}

// Result is what a handler produced. Value is stored as the job result.
type Result struct {
	Value string
}

// Handler executes a job of one kind.
type Handler interface {
	Execute(ctx context.Context, job models.Job) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job models.Job) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, job models.Job) (Result, error) { return f(ctx, job) }

// Hooks receives jobs that reached a terminal state. It is called at most
// once per transition, after the transition is stored.
type Hooks interface {
	Completed(ctx context.Context, job models.Job)
	Failed(ctx context.Context, job models.Job)
}

// Options tunes a Processor. Zero values fall back to defaults.
type Options struct {
	JobTimeout time.Duration
	RunBudget  time.Duration
	StaleAfter time.Duration
	Policy     *backoff.Policy
	Hooks      Hooks
	Logger     *slog.Logger
}

// Processor runs one batch of jobs per invocation.
type Processor struct {
	store      Store
	handlers   map[string]Handler
	policy     *backoff.Policy
	jobTimeout time.Duration
	budget     time.Duration
	staleAfter time.Duration
	hooks      Hooks
	logger     *slog.Logger
	now        func() time.Time
}

func NewProcessor(st Store, opts Options) *Processor {
	if opts.Policy == nil {
		opts.Policy = backoff.NewPolicy(5*time.Second, 30*time.Minute)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		store:      st,
		handlers:   make(map[string]Handler),
		policy:     opts.Policy,
		jobTimeout: opts.JobTimeout,
		budget:     opts.RunBudget,
		staleAfter: opts.StaleAfter,
		hooks:      opts.Hooks,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// RunOnce claims up to batch eligible jobs and processes them sequentially.
// A failing job never aborts the batch. Jobs not started before the run
// budget expires are released without counting an attempt. It returns the
// number of jobs processed.
func (p *Processor) RunOnce(ctx context.Context, batch int) (int, error) {
	start := time.Now()
	defer func() { telemetry.WorkerRunSeconds.WithLabelValues("jobs").Observe(time.Since(start).Seconds()) }()

	if p.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.budget)
		defer cancel()
	}

	jobs, err := p.store.ClaimJobs(ctx, batch, p.staleAfter)
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	jobs = p.settleAbandoned(ctx, jobs)

	processed := 0
	for i, job := range jobs {
		if ctx.Err() != nil {
			p.release(ctx, jobs[i:])
			break
		}
		telemetry.JobsClaimed.WithLabelValues(job.Kind).Inc()
		p.process(ctx, job)
		processed++
	}
	return processed, nil
}

// settleAbandoned reports jobs the claim dead-lettered because their last
// stale claim used up the attempt budget, and returns the ones left to run.
func (p *Processor) settleAbandoned(ctx context.Context, jobs []models.Job) []models.Job {
	runnable := jobs[:0]
	for _, job := range jobs {
		if !job.Terminal() {
			runnable = append(runnable, job)
			continue
		}
		kind := models.ErrorKind(models.ErrExhaustedRetries)
		telemetry.JobsDeadLettered.WithLabelValues(job.Kind, kind).Inc()
		p.logger.Warn("job dead-lettered", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error_kind", kind)
		if p.hooks != nil {
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			p.hooks.Failed(hctx, job)
			cancel()
		}
	}
	return runnable
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	log := p.logger.With("job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts)

	res, runErr := p.runJob(ctx, job)

	// Outcomes are stored even if the run budget ran out during the job.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if runErr == nil {
		changed, err := p.store.CompleteJob(sctx, job.ID, res.Value)
		if err != nil {
			log.Error("complete job", "error", err)
			return
		}
		if !changed {
			log.Warn("job no longer processing, skipping completion")
			return
		}
		telemetry.JobsCompleted.WithLabelValues(job.Kind).Inc()
		log.Info("job done")

		done := job
		done.Status = models.StatusDone
		if res.Value != "" {
			done.Result = &res.Value
		}
		finished := p.now()
		done.FinishedAt = &finished
		if p.hooks != nil {
			p.hooks.Completed(sctx, done)
		}
		return
	}

	attempts := job.Attempts + 1
	kind := models.ErrorKind(runErr)
	permanent := errors.Is(runErr, models.ErrValidation)
	if permanent || attempts >= job.MaxAttempts {
		lastErr := runErr
		if !permanent {
			lastErr = fmt.Errorf("%w after %d attempts: %v", models.ErrExhaustedRetries, attempts, runErr)
		}
		changed, err := p.store.DeadLetterJob(sctx, job.ID, attempts, lastErr.Error())
		if err != nil {
			log.Error("dead-letter job", "error", err)
			return
		}
		if !changed {
			log.Warn("job no longer processing, skipping dead-letter")
			return
		}
		telemetry.JobsDeadLettered.WithLabelValues(job.Kind, kind).Inc()
		log.Warn("job dead-lettered", "attempts", attempts, "error_kind", kind, "error", runErr)

		dead := job
		dead.Status = models.StatusError
		dead.DeadLetter = true
		dead.Attempts = attempts
		msg := lastErr.Error()
		dead.Error = &msg
		if p.hooks != nil {
			p.hooks.Failed(sctx, dead)
		}
		return
	}

	next := p.policy.Next(p.now(), attempts)
	changed, err := p.store.RetryJob(sctx, job.ID, attempts, next, runErr.Error())
	if err != nil {
		log.Error("retry job", "error", err)
		return
	}
	if !changed {
		log.Warn("job no longer processing, skipping retry")
		return
	}
	telemetry.JobsRetried.WithLabelValues(job.Kind, kind).Inc()
	log.Info("job retry scheduled", "attempts", attempts, "next_attempt_at", next.UTC().Format(time.RFC3339), "error_kind", kind, "error", runErr)
}

// runJob executes the kind's handler under the per-job timeout. A panic is
// reported as a transient failure of that job only.
func (p *Processor) runJob(ctx context.Context, job models.Job) (res Result, err error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: no handler registered for kind %q", models.ErrValidation, job.Kind)
	}
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked",
				slog.String("job_id", job.ID),
				slog.String("kind", job.Kind),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s job %s: %v", job.Kind, job.ID, r)
		}
	}()
	return handler.Execute(ctx, job)
}

func (p *Processor) release(ctx context.Context, rest []models.Job) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, job := range rest {
		if err := p.store.ReleaseJob(rctx, job.ID); err != nil {
			p.logger.Error("release job", "job_id", job.ID, "error", err)
		}
	}
	p.logger.Warn("run budget exhausted, released jobs", "released", len(rest))
}
