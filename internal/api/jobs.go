package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/store"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/telemetry"
)

const maxJobAttempts = 20

type createJobRequest struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
}

type jobResponse struct {
	Job       models.Job `json:"job"`
	ResultURL string     `json:"result_url,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateJobPayload(req.Kind, req.Payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MaxAttempts < 0 || req.MaxAttempts > maxJobAttempts {
		s.writeError(w, r, fmt.Errorf("%w: max_attempts must be between 1 and %d", models.ErrValidation, maxJobAttempts))
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.JobMaxAttempts
	}

	job, err := s.deps.Store.CreateJob(r.Context(), store.CreateJobParams{
		Kind:        req.Kind,
		Owner:       ownerFrom(r),
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.JobsEnqueued.WithLabelValues(job.Kind).Inc()
	s.log.Info("job enqueued", "job_id", job.ID, "kind", job.Kind, "owner", job.Owner)
	writeJSON(w, http.StatusAccepted, jobResponse{Job: job})
}

// validateJobPayload rejects payloads the worker would dead-letter anyway.
func validateJobPayload(kind string, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	switch kind {
	case models.KindExport:
		var p models.ExportPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: export payload: %v", models.ErrValidation, err)
		}
		if p.Format != "" && p.Format != "csv" {
			return fmt.Errorf("%w: unsupported export format %q", models.ErrValidation, p.Format)
		}
	case models.KindDocument:
		var p models.DocumentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: document payload: %v", models.ErrValidation, err)
		}
		if p.RecordID == "" || p.ObjectKey == "" {
			return fmt.Errorf("%w: record_id and object_key are required", models.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown job kind %q", models.ErrValidation, kind)
	}
	return nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err == nil && job.Owner != ownerFrom(r) {
		err = fmt.Errorf("%w: job %s", models.ErrNotFound, job.ID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := jobResponse{Job: job}
	if job.Kind == models.KindExport && job.Status == models.StatusDone && job.Result != nil && s.deps.Links != nil {
		url, err := s.deps.Links.PresignGet(r.Context(), *job.Result, s.cfg.ExportLinkTTL)
		if err != nil {
			s.log.Warn("presign job result", "job_id", job.ID, "error", err)
		} else {
			resp.ResultURL = url
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListDeadJobs(r.Context(), ownerFrom(r), 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.RequeueDeadJob(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), s.cfg.JobMaxAttempts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("job requeued", "job_id", job.ID, "attempts", job.Attempts, "max_attempts", job.MaxAttempts)
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}
