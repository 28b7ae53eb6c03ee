// Package server exposes the HTTP surface named in spec.md §6: indexing job
// submission and lifecycle, query, index reset, and health/metrics. It is
// the HTTP transposition of the teacher's Unix-socket JSON-RPC daemon —
// same request/response/error-envelope idiom, routed with chi instead of
// hand-rolled connection handling.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ragwell/ragwell/internal/health"
	"github.com/ragwell/ragwell/internal/queue"
	"github.com/ragwell/ragwell/internal/ragerr"
	"github.com/ragwell/ragwell/internal/retrieval"
	"github.com/ragwell/ragwell/internal/storage"
)

// Server wires the queue, retrieval engine, backend, and health reporter
// behind chi's router.
type Server struct {
	router   chi.Router
	queue    *queue.Queue
	engine   *retrieval.Engine
	backend  storage.Backend
	reporter *health.Reporter
	metrics  *health.Metrics
}

// New builds a Server. metrics may be nil to skip the /metrics endpoint.
func New(q *queue.Queue, engine *retrieval.Engine, backend storage.Backend, reporter *health.Reporter, metrics *health.Metrics) *Server {
	s := &Server{
		queue:    q,
		engine:   engine,
		backend:  backend,
		reporter: reporter,
		metrics:  metrics,
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/index", s.handleIndex)
	r.Post("/index/add", s.handleIndexAdd)
	r.Get("/index/jobs", s.handleListJobs)
	r.Get("/index/jobs/{id}", s.handleGetJob)
	r.Delete("/index/jobs/{id}", s.handleCancelJob)
	r.Post("/query", s.handleQuery)
	r.Delete("/index", s.handleResetIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/health/status", s.handleHealth)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}
	return r
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request at debug level in the style the teacher
// uses for its daemon connection handling (one structured line per unit of
// work, no access-log library).
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := NewErrorResponse(err)
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return ragerr.InvalidInput("malformed request body", err)
	}
	return nil
}

// contextWithRequest is a small seam kept separate from chi's own context
// helpers so handlers never import chi directly beyond routing.
func contextWithRequest(r *http.Request) context.Context {
	return r.Context()
}
