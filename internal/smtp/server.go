// Package smtp implements the inbound mail listener and the
// per-connection protocol session.
package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mixelka/tginbox/pkg/models"
)

// Deliverer sends one decoded message to one account with its own
// retry policy. Failures stay inside the deliverer.
type Deliverer interface {
	Forward(ctx context.Context, account models.Account, msg *models.DecodedMessage) error
}

// Config holds the listener configuration.
type Config struct {
	ListenAddr     string
	Hostname       string
	MaxMessageSize int64
	MaxSessions    int
	IdleTimeout    time.Duration
	QueueWait      time.Duration // how long a connection may wait for a session slot
	ShutdownGrace  time.Duration
	ForwardTimeout time.Duration // hard ceiling for one in-flight forward
	TLSConfig      *tls.Config
}

// Server accepts connections and runs one session per connection.
// Total concurrent sessions are bounded; beyond the ceiling new
// connections wait briefly for a slot and are then turned away.
type Server struct {
	cfg       Config
	resolver  Resolver
	decoder   Decoder
	forwarder Deliverer
	logger    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	slots    chan struct{}

	// wg tracks session goroutines and in-flight forwards for
	// graceful shutdown.
	wg sync.WaitGroup
}

// NewServer creates a server.
func NewServer(cfg Config, resolver Resolver, decoder Decoder, forwarder Deliverer, logger *slog.Logger) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 2 * time.Minute
	}
	return &Server{
		cfg:       cfg,
		resolver:  resolver,
		decoder:   decoder,
		forwarder: forwarder,
		logger:    logger.With("component", "smtp_server"),
		slots:     make(chan struct{}, cfg.MaxSessions),
	}
}

// ListenAndServe blocks until the context is cancelled, then stops
// accepting and waits out the shutdown grace period for in-flight
// sessions and forwards.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"max_sessions", s.cfg.MaxSessions,
		"tls_enabled", s.cfg.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Listener closed during shutdown.
				s.waitForSessions()
				return nil
			default:
				s.logger.Error("accept error", "error", err)
				continue
			}
		}

		if !s.acquireSlot() {
			s.reject(conn)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			session := NewSession(conn, SessionConfig{
				Hostname:       s.cfg.Hostname,
				MaxMessageSize: s.cfg.MaxMessageSize,
				IdleTimeout:    s.cfg.IdleTimeout,
				TLSConfig:      s.cfg.TLSConfig,
			}, s.resolver, s.decoder, s.dispatch, s.logger)
			session.Handle()
		}()
	}
}

// acquireSlot takes a session slot, waiting at most QueueWait.
func (s *Server) acquireSlot() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(s.cfg.QueueWait)
	defer timer.Stop()
	select {
	case s.slots <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// reject turns away a connection when the session ceiling is reached.
func (s *Server) reject(conn net.Conn) {
	s.logger.Warn("session ceiling reached, rejecting connection",
		"remote", conn.RemoteAddr().String())
	conn.Write([]byte("421 4.3.2 Too many sessions, try again later\r\n"))
	conn.Close()
}

// dispatch fans one decoded message out to every resolved account.
// Each forward runs in its own goroutine on a background context with
// a hard timeout: closing the SMTP connection does not cancel a
// forward that already started, but nothing runs past the ceiling.
// One account's failure cannot affect another's delivery.
func (s *Server) dispatch(accounts []models.Account, msg *models.DecodedMessage) {
	for _, account := range accounts {
		s.wg.Add(1)
		go func(account models.Account) {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ForwardTimeout)
			defer cancel()
			// Terminal failures are logged and journaled by the
			// forwarder; nothing is reported back over SMTP.
			_ = s.forwarder.Forward(ctx, account, msg)
		}(account)
	}
}

// waitForSessions waits for in-flight work up to the grace period.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
		s.logger.Info("all sessions completed")
	case <-time.After(grace):
		s.logger.Warn("shutdown grace period reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
