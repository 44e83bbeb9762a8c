// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/id"
	"github.com/JakeFAU/pmc-harvester/internal/metrics"
	"github.com/JakeFAU/pmc-harvester/internal/queue"
	"github.com/JakeFAU/pmc-harvester/internal/record"
	"github.com/JakeFAU/pmc-harvester/internal/store"
)

const (
	defaultMaxQueries     = 100
	defaultEnqueueTimeout = 5 * time.Second
	requestTimeout        = 60 * time.Second
	maxBodyBytes          = 1 << 20
)

// Enqueuer accepts harvest items for the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item queue.Item) error
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Config controls request defaults and limits.
type Config struct {
	// Database is recorded on queued items when the request names none.
	Database string
	// Modes are used when the request names none.
	Modes []record.Source
	// MaxQueries caps the number of queries per submission.
	MaxQueries int
	// EnqueueTimeout bounds each enqueue attempt.
	EnqueueTimeout time.Duration
	// APIKey, when set, is required on every /v1 request.
	APIKey string
}

// Server wires HTTP handlers to the dispatcher and the run repository.
type Server struct {
	router   chi.Router
	runs     store.RunRepository
	enqueuer Enqueuer
	cfg      Config
	checks   map[string]ReadinessCheck
	logger   *zap.Logger
	now      func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithReadinessCheck registers a named check consulted by /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs store.RunRepository, enqueuer Enqueuer, cfg Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = defaultMaxQueries
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	s := &Server{
		runs:     runs,
		enqueuer: enqueuer,
		cfg:      cfg,
		checks:   make(map[string]ReadinessCheck),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	progressHandler := NewProgressHandler(runs, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/harvests", func(r chi.Router) {
			r.Post("/", s.submitHarvests)
			r.Get("/", progressHandler.ListRuns)
			r.Get("/{run_id}", progressHandler.GetRun)
		})
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
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type harvestRequest struct {
	Queries  []string `json:"queries"`
	Modes    []string `json:"modes"`
	Database string   `json:"database"`
}

type acceptedRun struct {
	RunID string `json:"run_id"`
	Query string `json:"query"`
}

func (s *Server) submitHarvests(w http.ResponseWriter, r *http.Request) {
	var req harvestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	queries, modes, err := s.validate(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	database := strings.TrimSpace(req.Database)
	if database == "" {
		database = s.cfg.Database
	}

	accepted := make([]acceptedRun, 0, len(queries))
	for _, q := range queries {
		runID, err := s.enqueueRun(r.Context(), q, database, modes)
		if err != nil {
			s.logger.Error("enqueue harvest failed", zap.String("query", q), zap.Error(err))
			status := http.StatusServiceUnavailable
			if errors.Is(err, errCreateRun) {
				status = http.StatusInternalServerError
			}
			writeJSON(w, status, map[string]any{"error": err.Error(), "runs": accepted})
			return
		}
		accepted = append(accepted, acceptedRun{RunID: runID.String(), Query: q})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"runs": accepted})
}

func (s *Server) validate(req harvestRequest) ([]string, []record.Source, error) {
	queries := make([]string, 0, len(req.Queries))
	for _, q := range req.Queries {
		q = strings.TrimSpace(q)
		if q == "" {
			return nil, nil, errors.New("queries must not be blank")
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return nil, nil, errors.New("at least one query required")
	}
	if len(queries) > s.cfg.MaxQueries {
		return nil, nil, fmt.Errorf("at most %d queries per request", s.cfg.MaxQueries)
	}
	modes, err := record.ParseSources(req.Modes)
	if err != nil {
		return nil, nil, err
	}
	if len(modes) == 0 {
		modes = append(modes, s.cfg.Modes...)
	}
	return queries, modes, nil
}

var errCreateRun = errors.New("create run")

// enqueueRun records a queued run and hands it to the worker pool. A run
// that cannot be enqueued is closed with an error status.
func (s *Server) enqueueRun(ctx context.Context, query, database string, modes []record.Source) (uuid.UUID, error) {
	runID, err := id.NewRunID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", errCreateRun, err)
	}
	now := s.now().UTC()
	names := make([]string, 0, len(modes))
	for _, m := range modes {
		names = append(names, string(m))
	}
	if s.runs != nil {
		run := store.Run{ID: runID, Query: query, Modes: names, Status: store.RunQueued, StartedAt: now}
		if err := s.runs.CreateRun(ctx, run); err != nil {
			return uuid.Nil, fmt.Errorf("%w: %w", errCreateRun, err)
		}
	}

	queueCtx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	defer cancel()
	item := queue.Item{RunID: runID, Query: query, Database: database, Modes: modes, Submitted: now}
	if err := s.enqueuer.Enqueue(queueCtx, item); err != nil {
		if s.runs != nil {
			msg := "enqueue failed: " + err.Error()
			if cerr := s.runs.CompleteRun(context.WithoutCancel(ctx), runID, s.now().UTC(), store.RunError, &msg); cerr != nil {
				s.logger.Warn("failed to close unqueued run", zap.String("run_id", runID.String()), zap.Error(cerr))
			}
		}
		return uuid.Nil, fmt.Errorf("enqueue harvest: %w", err)
	}
	return runID, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
