// Package api exposes the HTTP interface for the search scraping service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ndelaney/searchscraper/internal/config"
	"github.com/ndelaney/searchscraper/internal/jobs"
	"github.com/ndelaney/searchscraper/internal/metrics"
	"github.com/ndelaney/searchscraper/internal/search"
)

// PoolProvider hands out cached worker pools keyed by configuration.
type PoolProvider interface {
	AcquireDiscovery(cfg search.PoolConfig) (search.DiscoveryPool, error)
	AcquireExtraction(cfg search.PoolConfig) (search.ExtractionPool, error)
}

// JobStore is the slice of the jobs.Store surface the handlers need.
type JobStore interface {
	CreateJob(req search.Request, fingerprint string, extraction search.ExtractionPool) (string, error)
	StartDirect(jobID string)
	BeginDiscovery(jobID string, discovery search.DiscoveryPool)
	Await(ctx context.Context, jobID string) (jobs.Outcome, error)
}

// Server wires HTTP handlers to the job store and pool registry.
type Server struct {
	router chi.Router
	store  JobStore
	pools  PoolProvider
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store JobStore, pools PoolProvider, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		store:  store,
		pools:  pools,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	// Hard stop a little past the longest allowed job deadline.
	r.Use(timeoutMiddleware(time.Duration(cfg.Search.TimeoutSecsLimit)*time.Second + 30*time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/search", s.handleSearch)
	r.Head("/search", s.headSearch)
	r.NotFound(s.notFound)

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

// headSearch lets load balancers probe the endpoint without starting a job.
func (s *Server) headSearch(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// notFound either mirrors the usual 404 or, in info mode, returns a 200
// payload describing the service. Info mode exists for platforms that probe
// the root path and treat any non-2xx as a crashed container.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Server.NotFoundMode == "info" {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": "searchscraper",
			"usage":   "GET /search?query=...",
		})
		return
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
}

// handleSearch runs one synchronous discovery and extraction job and writes
// the ranked results once the job finalizes.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := parseSearchRequest(r, s.cfg)
	if err != nil {
		if search.IsInputError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	fingerprint, err := req.Pool.Fingerprint()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "compute pool fingerprint")
		return
	}

	// Both pools are acquired before the job exists so an acquisition failure
	// never leaves a created job behind.
	var discovery search.DiscoveryPool
	if !req.IsDirectURL {
		var acquireErr error
		discovery, acquireErr = s.pools.AcquireDiscovery(req.Pool)
		if acquireErr != nil {
			s.logger.Error("acquire discovery pool failed", zap.Error(acquireErr))
			writeError(w, http.StatusInternalServerError, "worker pool unavailable")
			return
		}
	}
	extraction, err := s.pools.AcquireExtraction(req.Pool)
	if err != nil {
		s.logger.Error("acquire extraction pool failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "worker pool unavailable")
		return
	}

	jobID, err := s.store.CreateJob(req, fingerprint, extraction)
	if err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create job")
		return
	}

	if req.IsDirectURL {
		s.store.StartDirect(jobID)
	} else {
		go s.store.BeginDiscovery(jobID, discovery)
	}

	outcome, err := s.store.Await(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Caller went away; the job finalizes on its own deadline.
			return
		}
		s.logger.Error("await job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "await job")
		return
	}

	if len(outcome.Results) == 0 && outcome.ErrorText != "" {
		writeError(w, http.StatusInternalServerError, outcome.ErrorText)
		return
	}
	writeJSON(w, http.StatusOK, outcome.Results)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
			duration := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, duration)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", duration.Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
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

type requestIDKey struct{}

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
