package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/config"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/ingest"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/lifecycle"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/retry"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// Jobs is the job control surface the handlers drive.
type Jobs interface {
	Create(ctx context.Context, in lifecycle.NewJob) (scrape.Job, error)
	GetForOwner(ctx context.Context, jobID, ownerID string) (scrape.Job, error)
	GetBySnapshot(ctx context.Context, snapshotID, ownerID string) (scrape.Job, error)
	List(ctx context.Context, ownerID string, limit int) ([]scrape.Job, error)
	Fail(ctx context.Context, jobID, errText string) (scrape.Job, error)
}

// Dispatcher triggers the scrape for a freshly created job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job scrape.Job) (scrape.Job, error)
}

// Ingestor accepts provider callbacks.
type Ingestor interface {
	Ingest(ctx context.Context, jobID string, body []byte) (scrape.Job, error)
}

// Retrier runs smart and full retries.
type Retrier interface {
	CanRetryAnalysisOnly(ctx context.Context, jobID, ownerID string) bool
	RetryAnalysisOnly(ctx context.Context, jobID string) (scrape.Job, error)
	RetryFull(ctx context.Context, jobID string) (scrape.Job, error)
	Retry(ctx context.Context, jobID, ownerID string) (retry.Outcome, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps bundles the collaborators a Server needs.
type Deps struct {
	Jobs       Jobs
	Dispatcher Dispatcher
	Ingestor   Ingestor
	Retry      Retrier
	Ready      map[string]ReadinessCheck
}

// Server wires HTTP handlers to the lifecycle components.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 32 << 20
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post(dispatcher.WebhookPath, s.webhook)

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(identityMiddleware)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/retry", s.retryJob)
				r.Post("/retry/analysis", s.retryAnalysis)
				r.Post("/retry/full", s.retryFull)
				r.Post("/fail", s.failJob)
			})
		})
		r.Get("/snapshots/{snapshot_id}", s.getBySnapshot)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// webhook receives the provider callback. A missing or unknown job id is a
// 400, a job that is not awaiting a callback is a 409, and anything that
// fails after the job resolved is a 500 with the job already marked failed.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing jobId")
		return
	}
	if !uuid.Valid(jobID) {
		metrics.ObserveWebhook("unknown_job")
		writeError(w, http.StatusBadRequest, "unknown job")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	job, err := s.deps.Ingestor.Ingest(r.Context(), jobID, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "job_id": job.ID})
	case errors.Is(err, ingest.ErrMissingJobID):
		writeError(w, http.StatusBadRequest, "missing jobId")
	case errors.Is(err, scrape.ErrNotFound):
		writeError(w, http.StatusBadRequest, "unknown job")
	case errors.Is(err, ingest.ErrNotAwaitingCallback):
		writeError(w, http.StatusConflict, "job is not awaiting a callback")
	default:
		s.logger.Error("webhook processing failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
	}
}

type createJobRequest struct {
	Prompt  string `json:"prompt"`
	Country string `json:"country"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.deps.Jobs.Create(r.Context(), lifecycle.NewJob{
		Prompt:  req.Prompt,
		OwnerID: userID(r.Context()),
		Country: req.Country,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	dispatched, err := s.deps.Dispatcher.Dispatch(r.Context(), job)
	if err != nil {
		// The failure is already persisted on the job.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"job_id": job.ID,
			"status": string(scrape.StatusFailed),
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      dispatched.ID,
		"status":      dispatched.Status,
		"snapshot_id": nullable(dispatched.SnapshotID),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	jobs, err := s.deps.Jobs.List(r.Context(), userID(r.Context()), limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetForOwner(r.Context(), chi.URLParam(r, "job_id"), userID(r.Context()))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job, true))
}

func (s *Server) getBySnapshot(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetBySnapshot(r.Context(), chi.URLParam(r, "snapshot_id"), userID(r.Context()))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job, true))
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Retry.Retry(r.Context(), chi.URLParam(r, "job_id"), userID(r.Context()))
	if err != nil {
		s.writeRetryFailure(w, out.Job, err)
		return
	}
	writeJSON(w, http.StatusAccepted, retryResponse(out.Job, out.SmartRetry))
}

func (s *Server) retryAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID, owner := chi.URLParam(r, "job_id"), userID(r.Context())
	if _, err := s.deps.Jobs.GetForOwner(r.Context(), jobID, owner); err != nil {
		s.writeFailure(w, err)
		return
	}
	if !s.deps.Retry.CanRetryAnalysisOnly(r.Context(), jobID, owner) {
		s.writeFailure(w, scrape.ErrNotRetryable)
		return
	}
	job, err := s.deps.Retry.RetryAnalysisOnly(r.Context(), jobID)
	if err != nil {
		s.writeRetryFailure(w, job, err)
		return
	}
	writeJSON(w, http.StatusAccepted, retryResponse(job, true))
}

func (s *Server) retryFull(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.deps.Jobs.GetForOwner(r.Context(), jobID, userID(r.Context())); err != nil {
		s.writeFailure(w, err)
		return
	}
	job, err := s.deps.Retry.RetryFull(r.Context(), jobID)
	if err != nil {
		s.writeRetryFailure(w, job, err)
		return
	}
	writeJSON(w, http.StatusAccepted, retryResponse(job, false))
}

type failJobRequest struct {
	Error string `json:"error"`
}

func (s *Server) failJob(w http.ResponseWriter, r *http.Request) {
	var req failJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Error == "" {
		req.Error = "failed by operator"
	}
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.deps.Jobs.GetForOwner(r.Context(), jobID, userID(r.Context())); err != nil {
		s.writeFailure(w, err)
		return
	}
	job, err := s.deps.Jobs.Fail(r.Context(), jobID, req.Error)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job, false))
}

// writeRetryFailure distinguishes precondition failures from a retry that ran
// and failed downstream; the latter reports the persisted failed job.
func (s *Server) writeRetryFailure(w http.ResponseWriter, job scrape.Job, err error) {
	if job.ID != "" && job.Status == scrape.StatusFailed && !isClientError(err) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"job_id": job.ID,
			"status": string(job.Status),
			"error":  err.Error(),
		})
		return
	}
	s.writeFailure(w, err)
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func retryResponse(job scrape.Job, smart bool) map[string]any {
	snapshot := nullable(job.SnapshotID)
	if smart {
		snapshot = nil
	}
	return map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"smart_retry": smart,
		"snapshot_id": snapshot,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
