// Package api serves the HTTP control surface for tract imports.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"census-import/internal/config"
	"census-import/internal/importer"
	"census-import/internal/models"
	"census-import/internal/ratelimit"
	"census-import/internal/telemetry"
)

// Importer is the control API of *importer.Service.
type Importer interface {
	Start(ctx context.Context, req importer.StartRequest) (importer.StartResult, error)
	Process(ctx context.Context, jobID string, chunkSize int) (importer.ProcessResult, error)
	Status(ctx context.Context, jobID string) (importer.StatusResult, error)
	Cancel(ctx context.Context, jobID string) (importer.CancelResult, error)
	Reset(ctx context.Context) error
	Jobs(ctx context.Context, limit int) ([]models.ImportJob, error)
	Record(ctx context.Context, tractID string) (models.TractRecord, error)
}

// Queue hands jobs to workers. It is optional.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	Purge(ctx context.Context) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter throttles control calls. It is optional.
type Limiter interface {
	Allow(ctx context.Context, caller, action string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the import control API.
type Server struct {
	cfg     config.Config
	svc     Importer
	queue   Queue
	limiter Limiter
	log     *slog.Logger
}

// New constructs the API server. q and limiter may be nil.
func New(cfg config.Config, svc Importer, q Queue, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		queue:   q,
		limiter: limiter,
		log:     logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/imports", func(r chi.Router) {
		r.Get("/", s.handleJobs)
		r.With(s.throttle("start")).Post("/", s.handleStart)
		r.With(s.throttle("reset")).Post("/reset", s.handleReset)
		r.Get("/{id}", s.handleStatus)
		r.With(s.throttle("process")).Post("/{id}/process", s.handleProcess)
		r.With(s.throttle("cancel")).Post("/{id}/cancel", s.handleCancel)
	})
	r.Get("/tracts/{id}", s.handleRecord)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type startRequest struct {
	importer.StartRequest
	Async bool `json:"async"`
}

type startResponse struct {
	importer.StartResult
	Queued bool `json:"queued"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Async && s.queue == nil {
		writeError(w, http.StatusBadRequest, "async start needs a worker queue")
		return
	}

	res, err := s.svc.Start(r.Context(), req.StartRequest)
	if err != nil {
		s.fail(w, "start import", err)
		return
	}

	queued := false
	if req.Async && !res.Status.Terminal() {
		if err := s.queue.Enqueue(r.Context(), res.JobID); err != nil {
			s.log.Error("enqueue import", "job", res.JobID, "error", err)
			if _, cerr := s.svc.Cancel(context.WithoutCancel(r.Context()), res.JobID); cerr != nil {
				s.log.Error("cancel unqueued import", "job", res.JobID, "error", cerr)
			}
			writeError(w, http.StatusServiceUnavailable, "enqueue failed")
			return
		}
		queued = true
	}
	writeJSON(w, http.StatusCreated, startResponse{StartResult: res, Queued: queued})
}

type processRequest struct {
	ChunkSize int `json:"chunk_size"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := s.svc.Process(r.Context(), chi.URLParam(r, "id"), req.ChunkSize)
	if err != nil {
		s.fail(w, "process chunk", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "read status", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.svc.Cancel(r.Context(), id)
	if err != nil {
		s.fail(w, "cancel import", err)
		return
	}
	if s.queue != nil {
		if err := s.queue.Cancel(r.Context(), id); err != nil {
			s.log.Warn("remove cancelled import from queue", "job", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jobs, err := s.svc.Jobs(r.Context(), limit)
	if err != nil {
		s.fail(w, "list imports", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.ResetToken
	given := r.Header.Get("X-Reset-Token")
	if token == "" {
		writeError(w, http.StatusForbidden, "reset is disabled")
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(given)) != 1 {
		writeError(w, http.StatusForbidden, "invalid reset token")
		return
	}
	if err := s.svc.Reset(r.Context()); err != nil {
		s.fail(w, "reset", err)
		return
	}
	if s.queue != nil {
		if err := s.queue.Purge(r.Context()); err != nil {
			s.log.Warn("purge queue after reset", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "read tract", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// throttle spends one token of the caller's bucket for action. Limiter
// errors let the request through.
func (s *Server) throttle(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			d, err := s.limiter.Allow(r.Context(), callerFromRequest(r), action)
			if err != nil {
				s.log.Warn("rate limiter unavailable", "action", action, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				telemetry.RateLimitRejects.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Caller-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	code := importer.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Error(op, "error", err)
	}
	writeError(w, code, err.Error())
}

// decodeOptional reads a JSON body into dst; an empty body leaves dst at
// its zero value.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
