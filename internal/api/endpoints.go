package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

type createEndpointRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		s.writeError(w, r, fmt.Errorf("%w: url must be an absolute http(s) URL", models.ErrValidation))
		return
	}
	events := make([]string, 0, len(req.Events))
	seen := map[string]bool{}
	for _, ev := range req.Events {
		ev = strings.TrimSpace(ev)
		if ev == "" || seen[ev] {
			continue
		}
		seen[ev] = true
		events = append(events, ev)
	}
	if len(events) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: at least one event is required", models.ErrValidation))
		return
	}
	secret, err := newSecret()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ep, err := s.deps.Store.CreateEndpoint(r.Context(), models.Endpoint{
		Owner:  ownerFrom(r),
		URL:    u.String(),
		Secret: secret,
		Events: events,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The secret is only ever shown in this response.
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.deps.Store.ListEndpoints(r.Context(), ownerFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]models.Endpoint, 0, len(eps))
	for _, ep := range eps {
		ep.Secret = ""
		out = append(out, ep)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeactivateEndpoint(r.Context(), ownerFrom(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(b), nil
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Store.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err == nil && d.Owner != ownerFrom(r) {
		err = fmt.Errorf("%w: delivery %s", models.ErrNotFound, d.ID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
