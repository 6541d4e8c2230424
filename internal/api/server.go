// Package api serves the HTTP surface of a running courier: submission,
// request inspection, waiting, the lifecycle event stream, health and
// metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/courier/internal/auth"
	"github.com/mattjoyce/courier/internal/events"
	"github.com/mattjoyce/courier/internal/journal"
	"github.com/mattjoyce/courier/internal/message"
	"github.com/mattjoyce/courier/internal/supervisor"
)

// Dispatcher is the part of the supervisor the API drives.
type Dispatcher interface {
	Submit(payload string, priority message.Priority, opts supervisor.SubmitOptions) (string, error)
	Lookup(ctx context.Context, id string) (*journal.Record, error)
	Await(ctx context.Context, id string) (message.Outcome, error)
	Deadline(id string) (time.Time, bool)
	Health() supervisor.Health
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// Tiers resolves priority names in submissions and responses.
	Tiers message.Tiers
	// MaxConcurrentWaits bounds requests blocked in a wait endpoint.
	MaxConcurrentWaits int
	// MaxWaitTimeout caps the wait a client may ask for.
	MaxWaitTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	events     *events.Hub
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
	waitSlots  chan struct{}
}

// New creates a new API server instance. gatherer may be nil to omit
// /metrics.
func New(config Config, d Dispatcher, hub *events.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if config.MaxConcurrentWaits <= 0 {
		config.MaxConcurrentWaits = 64
	}
	if config.MaxWaitTimeout <= 0 {
		config.MaxWaitTimeout = 5 * time.Minute
	}
	if config.Tiers == nil {
		config.Tiers = message.DefaultTiers()
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:     config,
		dispatcher: d,
		events:     hub,
		gatherer:   gatherer,
		logger:     logger,
		startedAt:  time.Now(),
		waitSlots:  make(chan struct{}, config.MaxConcurrentWaits),
	}
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Waits and the event stream hold responses open.
		WriteTimeout: s.config.MaxWaitTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeRequestsRW)).Post("/requests", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeRequestsRO)).Get("/requests/{id}", s.handleGetRequest)
		r.With(s.requireScopes(auth.ScopeRequestsRO)).Get("/requests/{id}/wait", s.handleWait)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}
