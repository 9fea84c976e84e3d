package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// ClaimExpiredError is recorded on a job whose previous claim went stale.
const ClaimExpiredError = "claim expired: worker did not finish"

const jobColumns = `id, kind, owner, payload, status, dead_letter, attempts, max_attempts,
	next_attempt_at, created_at, started_at, finished_at, error, result`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Kind        string
	Owner       string
	Payload     json.RawMessage
	MaxAttempts int
}

// CreateJob inserts a queued job that is eligible immediately.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = models.DefaultMaxAttempts
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, kind, owner, payload, status, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, NOW())
		RETURNING `+jobColumns,
		id, p.Kind, p.Owner, []byte(p.Payload), models.StatusQueued, p.MaxAttempts)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, storageErr("insert job", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, storageErr("scan job", err)
	}
	return job, nil
}

// ClaimJobs atomically moves up to limit eligible jobs to processing and
// returns them oldest first. Rows locked by a concurrent claim are skipped,
// so two overlapping worker runs never receive the same job. A job left in
// processing longer than staleAfter is treated as abandoned and re-claimed;
// staleAfter <= 0 disables that. An abandoned claim counts as a failed
// attempt, and a job whose budget that exhausts comes back already
// dead-lettered so the caller can report it instead of running it.
func (s *Store) ClaimJobs(ctx context.Context, limit int, staleAfter time.Duration) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	reclaim := staleAfter > 0
	cutoff := time.Now().UTC().Add(-staleAfter)
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id AS pid, status = 'processing' AS stale
			FROM jobs
			WHERE dead_letter = FALSE
			  AND (
				(status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= NOW()))
				OR ($2 AND status = 'processing' AND started_at <= $3)
			  )
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		), claimed AS (
			UPDATE jobs j
			SET attempts = CASE WHEN p.stale THEN j.attempts + 1 ELSE j.attempts END,
			    dead_letter = p.stale AND j.attempts + 1 >= j.max_attempts,
			    status = CASE WHEN p.stale AND j.attempts + 1 >= j.max_attempts THEN 'error' ELSE 'processing' END,
			    finished_at = CASE WHEN p.stale AND j.attempts + 1 >= j.max_attempts THEN NOW() ELSE j.finished_at END,
			    next_attempt_at = CASE WHEN p.stale AND j.attempts + 1 >= j.max_attempts THEN NULL ELSE j.next_attempt_at END,
			    error = CASE WHEN p.stale THEN $4 ELSE j.error END,
			    started_at = NOW()
			FROM picked p
			WHERE j.id = p.pid
			RETURNING `+jobColumns+`
		)
		SELECT `+jobColumns+` FROM claimed ORDER BY created_at ASC`,
		limit, reclaim, cutoff, ClaimExpiredError)
	if err != nil {
		return nil, storageErr("claim jobs", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan claimed job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate claimed jobs", err)
	}
	return jobs, nil
}

// CompleteJob transitions a processing job to done. It reports false when the
// job was no longer processing, in which case the caller must not fire
// completion side effects.
func (s *Store) CompleteJob(ctx context.Context, id string, result string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, finished_at = NOW(), result = $3, error = NULL, next_attempt_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, models.StatusDone, emptyToNil(result))
	if err != nil {
		return false, storageErr("complete job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetryJob records a failed attempt and requeues the job for nextAttemptAt.
// attempts is the new count; the update only applies if the stored count is
// exactly one less, which keeps attempts monotonic under duplicate runs.
func (s *Store) RetryJob(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_attempt_at = $4, error = $5
		WHERE id = $1 AND status = 'processing' AND attempts = $3 - 1
	`, id, models.StatusQueued, attempts, nextAttemptAt, lastErr)
	if err != nil {
		return false, storageErr("retry job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeadLetterJob records the final failed attempt and parks the job.
func (s *Store) DeadLetterJob(ctx context.Context, id string, attempts int, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, dead_letter = TRUE, attempts = $3, finished_at = NOW(),
		    next_attempt_at = NULL, error = $4
		WHERE id = $1 AND status = 'processing' AND attempts = $3 - 1
	`, id, models.StatusError, attempts, lastErr)
	if err != nil {
		return false, storageErr("dead-letter job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseJob hands a claimed job back to the queue without counting an
// attempt. Used when a run ends before the job was started.
func (s *Store) ReleaseJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, models.StatusQueued)
	if err != nil {
		return storageErr("release job", err)
	}
	return nil
}

// ListDeadJobs returns the owner's dead-lettered jobs, newest first.
func (s *Store) ListDeadJobs(ctx context.Context, owner string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner = $1 AND dead_letter = TRUE
		ORDER BY finished_at DESC NULLS LAST
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, storageErr("list dead jobs", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan dead job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RequeueDeadJob gives a dead-lettered job extraAttempts more tries. Attempts
// are never reset; the budget is raised instead.
func (s *Store) RequeueDeadJob(ctx context.Context, owner, id string, extraAttempts int) (models.Job, error) {
	if extraAttempts <= 0 {
		extraAttempts = 1
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, dead_letter = FALSE, max_attempts = attempts + $4,
		    next_attempt_at = NULL, finished_at = NULL, started_at = NULL
		WHERE id = $1 AND owner = $2 AND dead_letter = TRUE
		RETURNING `+jobColumns,
		id, owner, models.StatusQueued, extraAttempts)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: dead-lettered job %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, storageErr("requeue job", err)
	}
	return job, nil
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job                            models.Job
		payload                        []byte
		nextAttempt, started, finished pgtype.Timestamptz
		lastErr, result                pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Kind, &job.Owner, &payload, &job.Status, &job.DeadLetter,
		&job.Attempts, &job.MaxAttempts, &nextAttempt, &job.CreatedAt, &started, &finished,
		&lastErr, &result); err != nil {
		return models.Job{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.NextAttemptAt = timePtr(nextAttempt)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	job.Error = textPtr(lastErr)
	job.Result = textPtr(result)
	return job, nil
}
