package mllp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/hl7gw/internal/dispatch"
	"github.com/mattjoyce/hl7gw/internal/inbound"
	"github.com/mattjoyce/hl7gw/internal/log"
)

// DefaultWriteTimeout bounds a single response write.
const DefaultWriteTimeout = 10 * time.Second

// Submitter accepts inbound messages. *dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(rc *inbound.RequestContext, sink dispatch.ResponseSink)
}

// Config holds MLLP listener configuration for one endpoint.
type Config struct {
	Endpoint       string
	Listen         string
	MaxMessageSize int
	WriteTimeout   time.Duration
}

// Server accepts MLLP connections for one endpoint and feeds every frame to
// the endpoint's dispatcher.
type Server struct {
	cfg        Config
	dispatcher Submitter
	logger     *slog.Logger

	stopping atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	ln    net.Listener
	conns map[*conn]struct{}
}

// New creates a new MLLP server. logger may be nil.
func New(cfg Config, d Submitter, logger *slog.Logger) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = log.WithEndpoint(cfg.Endpoint)
	}
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger.With("transport", "mllp"),
		conns:      make(map[*conn]struct{}),
	}
}

// Start listens on cfg.Listen and serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("mllp listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On return the
// listener is closed and no connection is reading any more, but connections
// with outstanding responses stay open until those are delivered. Call Close
// once the dispatcher has drained to drop whatever is left.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("MLLP listener started", "listen", ln.Addr().String())

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.stop()
		case <-stopped:
		}
	}()

	var acceptErr error
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !s.stopping.Load() {
				acceptErr = fmt.Errorf("mllp accept: %w", err)
				s.stop()
			}
			break
		}
		c := s.track(nc)
		if c == nil {
			_ = nc.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(c)
		}()
	}

	s.wg.Wait()
	s.logger.Info("MLLP listener stopped")
	return acceptErr
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close closes every connection still open.
func (s *Server) Close() error {
	s.stop()
	s.mu.Lock()
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.close("server closed")
	}
	return nil
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) stop() {
	if s.stopping.Swap(true) {
		return
	}
	s.mu.Lock()
	ln := s.ln
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	// Unblock readers; writers are unaffected.
	for _, c := range conns {
		_ = c.nc.SetReadDeadline(time.Now())
	}
}

func (s *Server) track(nc net.Conn) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping.Load() {
		return nil
	}
	c := &conn{
		nc:     nc,
		srv:    s,
		logger: s.logger.With("remote", nc.RemoteAddr().String()),
	}
	s.conns[c] = struct{}{}
	return c
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handle(c *conn) {
	c.logger.Debug("connection accepted")
	r := NewReader(c.nc, s.cfg.MaxMessageSize)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			s.readFailed(c, err)
			c.readDone()
			return
		}
		if !c.begin() {
			return
		}
		s.dispatcher.Submit(inbound.New(s.cfg.Endpoint, frame), c)
	}
}

func (s *Server) readFailed(c *conn, err error) {
	switch {
	case errors.Is(err, io.EOF):
		c.logger.Debug("connection closed by peer")
	case s.stopping.Load(), errors.Is(err, net.ErrClosed):
		c.logger.Debug("connection reader stopped")
	case errors.Is(err, ErrFrameTooLarge):
		c.logger.Warn("dropping connection", "error", err, "max_bytes", s.cfg.MaxMessageSize)
		c.close("frame too large")
	default:
		c.logger.Warn("connection read failed", "error", err)
	}
}

// conn is the ResponseSink for every message read from one connection.
// Responses are written in the order they are delivered.
type conn struct {
	nc     net.Conn
	srv    *Server
	logger *slog.Logger

	mu            sync.Mutex
	pending       int
	closed        bool
	closeWhenIdle bool
}

var _ dispatch.ResponseSink = (*conn)(nil)

// begin registers an outstanding response. It fails once the connection is
// closed.
func (c *conn) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pending++
	return true
}

// readDone is called when the reader stops. The connection closes now, or
// after the last outstanding response.
func (c *conn) readDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == 0 {
		c.closeLocked("reader finished")
		return
	}
	c.closeWhenIdle = true
}

func (c *conn) Deliver(rc *inbound.RequestContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--

	logger := c.logger.With("exchange_id", rc.ID(), "control_id", rc.ControlID())
	if c.closed {
		logger.Warn("connection already closed, response dropped", "nack", rc.NackMode())
		return
	}

	_ = c.nc.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	if err := WriteFrame(c.nc, rc.Payload()); err != nil {
		logger.Warn("response write failed", "error", err)
		c.closeLocked("write failed")
		return
	}
	logger.Debug("response written", "nack", rc.NackMode(), "bytes", len(rc.Payload()))

	switch {
	case rc.MarkedForClose():
		c.closeLocked("marked for close")
	case c.closeWhenIdle && c.pending == 0:
		c.closeLocked("reader finished")
	}
}

func (c *conn) close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(reason)
}

func (c *conn) closeLocked(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	_ = c.nc.Close()
	c.srv.untrack(c)
	c.logger.Debug("connection closed", "reason", reason, "pending", c.pending)
}
