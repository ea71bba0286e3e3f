package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/config"
	"github.com/JakeFAU/equity-ingest/internal/market"
	"github.com/JakeFAU/equity-ingest/internal/metrics"
	"github.com/JakeFAU/equity-ingest/internal/orchestrator"
)

// JobRunner is the slice of the orchestrator the API drives.
type JobRunner interface {
	Lookup(name market.JobName) (orchestrator.Job, bool)
	RunByName(ctx context.Context, name market.JobName) (orchestrator.Result, error)
	LastRun(ctx context.Context, name market.JobName) (market.RunRecord, error)
}

// CacheClearer empties the response cache.
type CacheClearer interface {
	Clear()
	Len() int
}

// ReadinessCheck reports whether downstream dependencies are reachable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the orchestrator and cache.
type Server struct {
	router chi.Router
	runner JobRunner
	cache  CacheClearer
	ready  ReadinessCheck
	cfg    config.Config
	logger *zap.Logger

	// runCtx outlives individual requests; background runs derive from it.
	runCtx context.Context
	wg     sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	runCtx context.Context,
	runner JobRunner,
	cache CacheClearer,
	ready ReadinessCheck,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner: runner,
		cache:  cache,
		ready:  ready,
		cfg:    cfg,
		logger: logger,
		runCtx: runCtx,
	}
	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs/{job}", func(r chi.Router) {
			r.Post("/run", s.runJob)
			r.Get("/last-run", s.lastRun)
		})
		r.Post("/cache/clear", s.clearCache)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until background runs started through the API return.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := market.JobName(chi.URLParam(r, "job"))
	if _, ok := s.runner.Lookup(name); !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.runner.RunByName(s.runCtx, name)
		if err != nil {
			s.logger.Error("requested run failed", zap.String("job", string(name)), zap.Error(err))
			return
		}
		s.logger.Info("requested run finished",
			zap.String("job", string(name)),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("attempts", res.Attempts),
		)
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"job": string(name), "status": "accepted"})
}

func (s *Server) lastRun(w http.ResponseWriter, r *http.Request) {
	name := market.JobName(chi.URLParam(r, "job"))
	if _, ok := s.runner.Lookup(name); !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	run, err := s.runner.LastRun(r.Context(), name)
	if errors.Is(err, market.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	if err != nil {
		s.logger.Error("last run lookup failed", zap.String("job", string(name)), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load last run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) clearCache(w http.ResponseWriter, _ *http.Request) {
	dropped := s.cache.Len()
	s.cache.Clear()
	s.logger.Info("response cache cleared", zap.Int("entries", dropped))
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": dropped})
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

// RequestID returns the request id stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
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
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
