package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/notify"
)

// Enqueuer creates outbound deliveries for an event.
type Enqueuer interface {
	Enqueue(ctx context.Context, owner, event string, payload json.RawMessage) (int, error)
}

// Directory resolves an owner's notification address.
type Directory interface {
	OwnerEmail(ctx context.Context, owner string) (string, error)
}

// Presigner issues time-limited download links.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// SideEffects fans out terminal job transitions: subscriber deliveries, an
// internal event, and owner email. Each step is best effort; a job that is
// done stays done even if notifying about it fails.
type SideEffects struct {
	Deliveries Enqueuer
	Events     notify.Publisher
	Mail       notify.Sender
	Directory  Directory
	Links      Presigner
	LinkTTL    time.Duration
	Logger     *slog.Logger
}

type jobEventPayload struct {
	JobID      string     `json:"job_id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	Result     *string    `json:"result,omitempty"`
	Error      *string    `json:"error,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (s *SideEffects) Completed(ctx context.Context, job models.Job) {
	s.emit(ctx, job, models.CompletedEvent(job.Kind))

	if job.Kind != models.KindExport || job.Result == nil {
		return
	}
	link := *job.Result
	if s.Links != nil {
		url, err := s.Links.PresignGet(ctx, *job.Result, s.LinkTTL)
		if err != nil {
			s.logger().Error("presign export link", "job_id", job.ID, "error", err)
			return
		}
		link = url
	}
	body := fmt.Sprintf("Your export is ready.\n\nDownload: %s\n\nThe link expires in %s.\n", link, s.LinkTTL)
	s.mail(ctx, job, "Your export is ready", body)
}

func (s *SideEffects) Failed(ctx context.Context, job models.Job) {
	s.emit(ctx, job, models.FailedEvent(job.Kind))

	reason := ""
	if job.Error != nil {
		reason = *job.Error
	}
	body := fmt.Sprintf("We could not finish your %s job %s after %d attempts.\n\nLast error: %s\n", job.Kind, job.ID, job.Attempts, reason)
	s.mail(ctx, job, fmt.Sprintf("Your %s job failed", job.Kind), body)
}

func (s *SideEffects) emit(ctx context.Context, job models.Job, event string) {
	payload, err := json.Marshal(jobEventPayload{
		JobID:      job.ID,
		Kind:       job.Kind,
		Status:     job.Status,
		Attempts:   job.Attempts,
		Result:     job.Result,
		Error:      job.Error,
		FinishedAt: job.FinishedAt,
	})
	if err != nil {
		s.logger().Error("marshal job event", "job_id", job.ID, "error", err)
		return
	}

	if s.Deliveries != nil {
		if _, err := s.Deliveries.Enqueue(ctx, job.Owner, event, payload); err != nil {
			s.logger().Error("fan out job event", "job_id", job.ID, "event", event, "error", err)
		}
	}

	if s.Events != nil {
		ev := notify.JobEvent{
			Event:      event,
			JobID:      job.ID,
			Kind:       job.Kind,
			Owner:      job.Owner,
			Attempts:   job.Attempts,
			OccurredAt: time.Now().UTC(),
		}
		if job.Result != nil {
			ev.Result, _ = json.Marshal(*job.Result)
		}
		if job.Error != nil {
			ev.Error = *job.Error
		}
		if err := s.Events.Publish(ctx, ev); err != nil {
			s.logger().Error("publish job event", "job_id", job.ID, "event", event, "error", err)
		}
	}
}

func (s *SideEffects) mail(ctx context.Context, job models.Job, subject, body string) {
	if s.Mail == nil || s.Directory == nil {
		return
	}
	to, err := s.Directory.OwnerEmail(ctx, job.Owner)
	if err != nil {
		s.logger().Warn("no email for owner", "job_id", job.ID, "owner", job.Owner, "error", err)
		return
	}
	if err := s.Mail.Send(ctx, to, subject, body); err != nil {
		s.logger().Error("send job email", "job_id", job.ID, "error", err)
		return
	}
	s.logger().Info("job email sent", "job_id", job.ID, "subject", subject)
}

func (s *SideEffects) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
