package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/config"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/idempotency"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/ratelimit"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/records"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/store"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/telemetry"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/webhookverify"
)

// Store is the persistence the HTTP handlers use directly.
type Store interface {
	Ping(ctx context.Context) error
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListDeadJobs(ctx context.Context, owner string, limit int) ([]models.Job, error)
	RequeueDeadJob(ctx context.Context, owner, id string, extraAttempts int) (models.Job, error)
	CreateEndpoint(ctx context.Context, ep models.Endpoint) (models.Endpoint, error)
	ListEndpoints(ctx context.Context, owner string) ([]models.Endpoint, error)
	DeactivateEndpoint(ctx context.Context, owner, id string) error
	OwnerForExternalID(ctx context.Context, provider, externalID string) (string, error)
	GetDelivery(ctx context.Context, id string) (models.Delivery, error)
	CreateRecord(ctx context.Context, rec models.Record) (models.Record, error)
}

var _ Store = (*store.Store)(nil)

// Runner executes one batch of a background loop.
type Runner interface {
	RunOnce(ctx context.Context, batch int) (int, error)
}

// Verifier authenticates an inbound provider webhook.
type Verifier interface {
	Verify(ctx context.Context, raw []byte, headers http.Header) (webhookverify.VerifiedEvent, error)
}

// Admitter is the inbound idempotency ledger.
type Admitter interface {
	Admit(ctx context.Context, provider string, raw []byte) (idempotency.Admission, error)
	Release(ctx context.Context, adm idempotency.Admission) error
}

// Enqueuer fans an event out to subscriber endpoints.
type Enqueuer interface {
	Enqueue(ctx context.Context, owner, event string, payload json.RawMessage) (int, error)
}

// Records is the optimistic-concurrency record service.
type Records interface {
	Get(ctx context.Context, owner, id string) (models.Record, error)
	Update(ctx context.Context, owner, id string, patch map[string]any, ifVersion int64, actor string) (models.Record, error)
	Revert(ctx context.Context, owner, id, versionID string, ifVersion int64, actor string) (models.Record, error)
	Versions(ctx context.Context, owner, id string) ([]models.Version, error)
}

// Presence tracks advisory collaborator presence.
type Presence interface {
	Heartbeat(ctx context.Context, recordID, actor string) ([]string, error)
	Leave(ctx context.Context, recordID, actor string) error
	List(ctx context.Context, recordID string) ([]string, error)
	Events(ctx context.Context, recordID string) (<-chan records.PresenceEvent, error)
}

// Presigner issues download links for job results.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Deps collects the collaborators of Server. Optional ones may be nil.
type Deps struct {
	Store      Store
	Jobs       Runner
	Deliveries Runner
	Verifiers  map[string]Verifier
	Guard      Admitter
	Fanout     Enqueuer
	Records    Records
	Presence   Presence
	Links      Presigner
	Limiter    *ratelimit.Bucket
	Logger     *slog.Logger
}

// Server wires HTTP handlers.
type Server struct {
	cfg  config.Config
	deps Deps
	log  *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Verifiers == nil {
		deps.Verifiers = map[string]Verifier{}
	}
	return &Server{cfg: cfg, deps: deps, log: deps.Logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ownerHeader, actorHeader},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/internal/jobs/run", s.handleRun(s.deps.Jobs, s.cfg.JobBatchSize))
	r.Post("/internal/deliveries/run", s.handleRun(s.deps.Deliveries, s.cfg.DeliveryBatchSize))

	r.Group(func(r chi.Router) {
		if s.deps.Limiter != nil {
			r.Use(ratelimit.PerProvider(s.deps.Limiter, s.log))
		}
		r.Post("/webhooks/{provider}", s.handleWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireOwner)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/dead", s.handleDeadJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/requeue", s.handleRequeue)

		r.Post("/endpoints", s.handleCreateEndpoint)
		r.Get("/endpoints", s.handleListEndpoints)
		r.Delete("/endpoints/{id}", s.handleDeleteEndpoint)
		r.Get("/deliveries/{id}", s.handleGetDelivery)

		r.Post("/records", s.handleCreateRecord)
		r.Get("/records/{id}", s.handleGetRecord)
		r.Patch("/records/{id}", s.handlePatchRecord)
		r.Post("/records/{id}/revert", s.handleRevert)
		r.Get("/records/{id}/versions", s.handleVersions)
		r.Put("/records/{id}/presence", s.handleHeartbeat)
		r.Delete("/records/{id}/presence", s.handleLeave)
		r.Get("/records/{id}/presence", s.handlePresence)
		r.Get("/records/{id}/presence/events", s.handlePresenceEvents)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy to a status. Internal errors are
// logged and answered with an opaque body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrUnauthorized):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error_kind", models.ErrorKind(err)),
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json: %v", models.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
