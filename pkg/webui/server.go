// Package webui provides the HTTP front door: job lifecycle endpoints, the
// SSE event stream, health, metrics, and debug log access.
package webui

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coderunner/pkg/config"
	"coderunner/pkg/eventlog"
	"coderunner/pkg/logx"
	"coderunner/pkg/persistence"
	"coderunner/pkg/proto"
	"coderunner/pkg/runner"
	"coderunner/pkg/sched"
)

// Server wires the HTTP handlers to the scheduler, executor, store, and
// broadcaster.
type Server struct {
	store     persistence.Store
	scheduler *sched.Scheduler
	bcast     *eventlog.Broadcaster
	executor  *runner.Executor
	cfg       *config.Config
	registry  *prometheus.Registry
	logger    *logx.Logger
}

// NewServer creates the HTTP server wiring.
func NewServer(store persistence.Store, scheduler *sched.Scheduler, bcast *eventlog.Broadcaster, executor *runner.Executor, cfg *config.Config, registry *prometheus.Registry) *Server {
	return &Server{
		store:     store,
		scheduler: scheduler,
		bcast:     bcast,
		executor:  executor,
		cfg:       cfg,
		registry:  registry,
		logger:    logx.NewLogger("webui"),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Route("/jobs/{jobID}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Delete("/", s.handleDeleteJob)
		r.Post("/start", s.handleStartJob)
		r.Post("/cancel", s.handleCancelJob)
		r.Get("/events", s.handleEvents)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/debug/logs", s.handleDebugLogs)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

type createJobRequest struct {
	Input     string `json:"input"`
	TimeoutMS int64  `json:"timeout_ms"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Input == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("input is required"))
		return
	}

	timeoutMS := req.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = s.cfg.Scheduler.DefaultTimeoutMS
	}
	if maxTimeout := s.cfg.Scheduler.MaxTimeoutMS; maxTimeout > 0 && timeoutMS > maxTimeout {
		timeoutMS = maxTimeout
	}

	job, err := s.store.CreateJob(r.Context(), proto.NewJobID(), req.Input, timeoutMS)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("created job %s", job.ID)
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	if err := s.scheduler.TryStart(r.Context(), job, s.executor.RunFunc(job)); err != nil {
		s.writeMappedError(w, err)
		return
	}

	// Re-read so the response carries the running status and start time the
	// scheduler just persisted.
	started, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, started)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.scheduler.Cancel(r.Context(), jobID); err != nil {
		s.writeMappedError(w, err)
		return
	}

	// Cancellation settles synchronously, so the record already carries the
	// cancelled status and finish time.
	cancelled, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	// Best effort cancel first so a running job settles before its record
	// disappears. A job that is not cancellable is fine to delete directly.
	if err := s.scheduler.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, proto.ErrNotFound) {
			s.writeMappedError(w, err)
			return
		}
		if !errors.Is(err, proto.ErrInvalidState) {
			s.writeMappedError(w, err)
			return
		}
	}

	if err := s.store.DeleteJob(r.Context(), jobID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.logger.Info("deleted job %s", jobID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.store.ListJobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.scheduler.RunningCount(),
	})
}

func (s *Server) handleDebugLogs(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since timestamp: %w", err))
			return
		}
		since = parsed
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entries": logx.RecentEntries(since),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeMappedError translates the error taxonomy to HTTP status codes.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, proto.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, proto.ErrAtCapacity):
		s.writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, proto.ErrInvalidState):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}
