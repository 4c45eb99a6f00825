package httpintake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hl7gw/internal/inbound"
	"github.com/mattjoyce/hl7gw/internal/log"
)

// Server is the HTTP intake listener.
type Server struct {
	config Config
	logger *slog.Logger
	server *http.Server

	endpoints map[string]*EndpointConfig
}

// New creates an intake server. Endpoints without a Dispatcher are rejected.
func New(config Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = log.WithComponent("httpintake")
	}
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.Path == "" {
			return nil, fmt.Errorf("http intake endpoint %q: path is required", ep.Endpoint)
		}
		if ep.Dispatcher == nil {
			return nil, fmt.Errorf("http intake endpoint %q: dispatcher is required", ep.Endpoint)
		}
		if _, dup := endpoints[ep.Path]; dup {
			return nil, fmt.Errorf("http intake path %q registered twice", ep.Path)
		}
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		logger:    logger,
		endpoints: endpoints,
	}, nil
}

// Handler returns the intake router.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the intake HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("http intake listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. In-flight requests get the
// shutdown period to receive their response.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Responses wait for the pipeline, which may take up to its deadline.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("HTTP intake starting", "listen", ln.Addr().String(), "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP intake shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http intake shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("http intake error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleMessage)
	}

	return r
}

// loggingMiddleware logs requests without their bodies; HL7 carries PHI.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("intake request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// responseWaiter is the ResponseSink for one HTTP request.
type responseWaiter struct {
	done chan struct{}
}

func (w *responseWaiter) Deliver(*inbound.RequestContext) {
	close(w.done)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, ep.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > ep.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if len(body) == 0 {
		s.respondError(w, http.StatusBadRequest, "empty message")
		return
	}

	if ep.Secret != "" {
		if err := verifySignature(body, r.Header.Get(ep.SignatureHeader), ep.Secret); err != nil {
			s.logger.Warn("intake signature rejected", "path", r.URL.Path, "header", ep.SignatureHeader)
			s.respondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	rc := inbound.New(ep.Endpoint, body)
	waiter := &responseWaiter{done: make(chan struct{})}
	ep.Dispatcher.Submit(rc, waiter)

	select {
	case <-waiter.done:
	case <-r.Context().Done():
		s.logger.Warn("client went away before the response was ready",
			"endpoint", ep.Endpoint,
			"exchange_id", rc.ID(),
			"control_id", rc.ControlID(),
		)
		return
	}

	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set(HeaderExchangeID, rc.ID())
	if rc.NackMode() {
		h.Set(HeaderNack, "true")
	}
	if rc.MarkedForClose() {
		h.Set("Connection", "close")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rc.Payload())
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
