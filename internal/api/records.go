package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/records"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/store"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/telemetry"
)

type patchRecordRequest struct {
	Patch     map[string]any `json:"patch"`
	IfVersion *int64         `json:"ifVersion"`
}

type revertRecordRequest struct {
	VersionID string `json:"version_id"`
	IfVersion *int64 `json:"ifVersion"`
}

type createRecordRequest struct {
	Title     string         `json:"title"`
	ObjectKey string         `json:"object_key"`
	MimeType  string         `json:"mime_type"`
	Fields    map[string]any `json:"fields"`
}

type createRecordResponse struct {
	Record models.Record `json:"record"`
	Job    models.Job    `json:"job"`
}

type conflictResponse struct {
	Error   string        `json:"error"`
	Current models.Record `json:"current"`
}

// handleCreateRecord registers an uploaded document as a record at version 1
// and queues its analysis.
func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.ObjectKey = strings.TrimSpace(req.ObjectKey)
	if req.Title == "" || req.ObjectKey == "" {
		s.writeError(w, r, fmt.Errorf("%w: title and object_key are required", models.ErrValidation))
		return
	}

	rec, err := s.deps.Store.CreateRecord(r.Context(), models.Record{
		Owner:     ownerFrom(r),
		Title:     req.Title,
		Fields:    req.Fields,
		ObjectKey: &req.ObjectKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payload, err := json.Marshal(models.DocumentPayload{RecordID: rec.ID, ObjectKey: req.ObjectKey, MimeType: req.MimeType})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Store.CreateJob(r.Context(), store.CreateJobParams{
		Kind:        models.KindDocument,
		Owner:       rec.Owner,
		Payload:     payload,
		MaxAttempts: s.cfg.JobMaxAttempts,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.JobsEnqueued.WithLabelValues(job.Kind).Inc()
	s.log.Info("record created", "record_id", rec.ID, "job_id", job.ID, "owner", rec.Owner)
	writeJSON(w, http.StatusCreated, createRecordResponse{Record: rec, Job: job})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Records.Get(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePatchRecord(w http.ResponseWriter, r *http.Request) {
	var req patchRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IfVersion == nil {
		s.writeError(w, r, fmt.Errorf("%w: ifVersion is required", models.ErrValidation))
		return
	}
	rec, err := s.deps.Records.Update(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), req.Patch, *req.IfVersion, actorFrom(r))
	s.writeRecordResult(w, r, rec, err)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req revertRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IfVersion == nil || req.VersionID == "" {
		s.writeError(w, r, fmt.Errorf("%w: version_id and ifVersion are required", models.ErrValidation))
		return
	}
	rec, err := s.deps.Records.Revert(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), req.VersionID, *req.IfVersion, actorFrom(r))
	s.writeRecordResult(w, r, rec, err)
}

func (s *Server) writeRecordResult(w http.ResponseWriter, r *http.Request, rec models.Record, err error) {
	var conflict *records.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, conflictResponse{Error: "version conflict", Current: conflict.Current})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Records.Versions(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []models.Version{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": versions})
}

type presenceResponse struct {
	Collaborators []string `json:"collaborators"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.visibleRecord(w, r)
	if !ok {
		return
	}
	actors, err := s.deps.Presence.Heartbeat(r.Context(), id, actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{Collaborators: actors})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := s.visibleRecord(w, r)
	if !ok {
		return
	}
	if err := s.deps.Presence.Leave(r.Context(), id, actorFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	id, ok := s.visibleRecord(w, r)
	if !ok {
		return
	}
	actors, err := s.deps.Presence.List(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{Collaborators: actors})
}

// handlePresenceEvents streams join and leave events as server-sent events
// until the client goes away.
func (s *Server) handlePresenceEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.visibleRecord(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("response writer cannot stream"))
		return
	}
	events, err := s.deps.Presence.Events(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) visibleRecord(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.deps.Presence == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "presence not configured"})
		return "", false
	}
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Records.Get(r.Context(), ownerFrom(r), id); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return id, true
}
