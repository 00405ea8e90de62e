// Package api is the monitor's HTTP surface. It reports the live state of a
// session, lists detected segments and stored labels, and accepts new labels.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"loadiq/internal/engine"
	"loadiq/internal/types"
)

// SessionService is the session surface the handlers use.
type SessionService interface {
	ID() string
	Last() *engine.Result
	Label(ctx context.Context, start time.Time, label types.Label) (types.LabelRecord, error)
}

// Config holds the dependencies for creating a Server.
type Config struct {
	Session SessionService
	// Labels backs GET /v1/labels. Nil disables label listing.
	Labels       types.LabelStore
	HealthProbes []HealthProbe
	// RequestTimeout bounds every request. Zero means 10 seconds.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server wires the handlers onto a chi router.
type Server struct {
	session        SessionService
	labels         types.LabelStore
	probes         []HealthProbe
	requestTimeout time.Duration
	logger         *slog.Logger
	validator      *Validator

	router *chi.Mux
}

// NewServer validates the dependencies and mounts all routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Session == nil {
		return nil, errors.New("session must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &Server{
		session:        cfg.Session,
		labels:         cfg.Labels,
		probes:         cfg.HealthProbes,
		requestTimeout: timeout,
		logger:         logger,
		validator:      NewValidator(),
		router:         chi.NewRouter(),
	}
	s.mountRoutes()
	return s, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mountRoutes registers middleware in order: panic recovery outermost,
// then the request deadline, correlation id and access log.
func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.logger))

	s.router.Get("/health", s.HandleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/segments", s.handleSegments)
		r.Get("/labels", s.handleListLabels)
		r.Post("/labels", s.handleCreateLabel)
	})
}
