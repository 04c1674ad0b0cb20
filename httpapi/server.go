// Package httpapi exposes the pipeline controller over HTTP: JSON commands,
// snapshots, a websocket event stream and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/metrics"
	"github.com/goliatone/go-phase/pipeline"
	"github.com/goliatone/go-phase/recovery"
)

// Option configures a Server.
type Option func(*Server)

// WithCatalog sets the catalog served on /catalog.
func WithCatalog(c phase.Catalog) Option {
	return func(s *Server) {
		if c.Len() > 0 {
			s.catalog = c
		}
	}
}

// WithPolicy sets the policy served on /policy.
func WithPolicy(p recovery.Policy) Option {
	return func(s *Server) {
		s.policy = p
	}
}

// WithGatherer mounts /metrics for g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the server logger.
func WithLogger(logger phase.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server routes HTTP requests to a pipeline controller.
type Server struct {
	controller *pipeline.Controller
	catalog    phase.Catalog
	policy     recovery.Policy
	gatherer   prometheus.Gatherer
	logger     phase.Logger
	router     chi.Router
	ws         *wsHandler
}

// NewServer builds the router.
func NewServer(controller *pipeline.Controller, opts ...Option) *Server {
	s := &Server{
		controller: controller,
		catalog:    phase.DefaultCatalog(),
		policy:     recovery.DefaultPolicy(),
		logger:     phase.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.ws = newWSHandler(controller.Sink(), s.logger)
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close drops every websocket connection.
func (s *Server) Close() {
	s.ws.closeAll()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/catalog", s.handleCatalog)
	r.Get("/policy", s.handlePolicy)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	r.Get("/events", s.ws.serve)

	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleStart)

		r.Route("/{caseID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleReset)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/stop", s.handleStop)
			r.Get("/events", s.ws.serve)

			r.Route("/phases/{phaseID}", func(r chi.Router) {
				r.Post("/start", s.handleStartPhase)
				r.Post("/retry", s.handleRetryPhase)
				r.Post("/skip", s.handleSkipPhase)
				r.Post("/progress", s.handleProgress)
			})
		})
	})
	return r
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	detail := errorDetail{Code: phase.ErrorCode(err), Message: err.Error()}
	if meta := errorMetadata(err); len(meta) > 0 {
		detail.Metadata = meta
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	writeJSON(w, status, errorBody{Error: detail})
}
