package server

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/example/training-gateway/internal/health"
	"github.com/example/training-gateway/internal/models"
	"github.com/example/training-gateway/internal/proxy"
	"github.com/example/training-gateway/internal/queue"
	"github.com/example/training-gateway/internal/router"
	"github.com/example/training-gateway/internal/worker"
)

// gatewayName labels liveness responses.
const gatewayName = "api-gateway"

// Registry is the view of the health registry the HTTP surface needs.
type Registry interface {
	IsAvailable(ctx context.Context, service string) bool
	URLOf(service string) (string, bool)
	CheckAll(ctx context.Context) map[string]health.Entry
	ForceRefresh(ctx context.Context, service string) health.Entry
	Snapshot(service string) health.Entry
}

// Drainer is the view of the worker the admin surface needs.
type Drainer interface {
	ProcessOnce(ctx context.Context) ([]worker.CycleReport, error)
	RetryOne(ctx context.Context, id string, q queue.Name) (bool, error)
}

// Server wires the routing table, proxy, queue store and worker into the
// client and operator HTTP surface.
type Server struct {
	routes    *router.Table
	registry  Registry
	forwarder *proxy.Forwarder
	store     queue.Store
	drainer   Drainer
	metrics   *worker.Metrics
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// Option customises the Server.
type Option func(*Server)

// WithClock overrides the clock used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Server) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// New constructs the HTTP surface over its collaborators.
func New(routes *router.Table, registry Registry, forwarder *proxy.Forwarder, store queue.Store, drainer Drainer, metrics *worker.Metrics, logger zerolog.Logger, opts ...Option) *Server {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	s := &Server{
		routes:    routes,
		registry:  registry,
		forwarder: forwarder,
		store:     store,
		drainer:   drainer,
		metrics:   metrics,
		logger:    logger.With().Str("component", "http_server").Logger(),
		now:       time.Now,
		newID:     newRequestID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler builds the chi route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleGatewayHealth)

		r.Get("/services/health", s.handleServicesHealth)
		r.Get("/services/{name}/health", s.handleServiceHealth)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/status", s.handleQueueStatus)
			r.Get("/requests", s.handleListRequests)
			r.Get("/dead-letter-requests", s.handleListDeadLetters)
			r.Post("/process", s.handleProcess)
			r.Post("/retry", s.handleRetry)
			r.Post("/purge", s.handlePurge)
			r.Get("/metrics", s.handleMetrics)
			r.Post("/metrics/reset", s.handleMetricsReset)
			r.Get("/health", s.handleQueueHealth)
		})

		r.HandleFunc("/*", s.handleForward)
	})

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleNotFound)
	return r
}

// recoverer converts handler panics into the gateway 500 envelope so a
// single bad request cannot take the process down.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				s.writeError(w, http.StatusInternalServerError, &models.ErrorResponse{
					Error:     "internal server error",
					Timestamp: s.now(),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGatewayHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   gatewayName,
		"timestamp": s.now(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, &models.ErrorResponse{
		Error:     "not found",
		Message:   "unknown path; recognized selectors under /api: " + strings.Join(s.routes.Selectors(), ", "),
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		Timestamp: s.now(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, envelope *models.ErrorResponse) {
	if envelope.Timestamp.IsZero() {
		envelope.Timestamp = s.now()
	}
	s.writeJSON(w, status, envelope)
}
