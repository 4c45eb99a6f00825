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

	"github.com/mattjoyce/hl7gw/internal/auth"
	"github.com/mattjoyce/hl7gw/internal/events"
	"github.com/mattjoyce/hl7gw/internal/journal"
	"github.com/mattjoyce/hl7gw/internal/stats"
)

// ExchangeStore is the read side of the exchange journal.
type ExchangeStore interface {
	Get(ctx context.Context, id string) (*journal.Entry, error)
	List(ctx context.Context, f journal.Filter) ([]*journal.Entry, error)
}

// EndpointReporter reports live endpoint state for /healthz.
type EndpointReporter interface {
	EndpointStatus() []EndpointStatus
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// RateLimit applies per authenticated client; zero RPS disables it.
	RateLimit RateLimitConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	exchanges ExchangeStore
	stats     stats.Store
	events    *events.Hub
	endpoints EndpointReporter
	limiters  *limiterStore
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, exchanges ExchangeStore, st stats.Store, hub *events.Hub, endpoints EndpointReporter, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		exchanges: exchanges,
		stats:     st,
		events:    hub,
		endpoints: endpoints,
		limiters:  newLimiterStore(config.RateLimit),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())
	s.limiters.startJanitor(ctx)

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
		return nil
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

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)
		r.With(s.requireScopes(auth.ScopeExchangesRO)).Get("/exchanges", s.handleListExchanges)
		r.With(s.requireScopes(auth.ScopeExchangesRO)).Get("/exchanges/{exchangeID}", s.handleGetExchange)
		r.With(s.requireScopes(auth.ScopeStatsRO)).Get("/stats", s.handleStats)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
