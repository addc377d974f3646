package smtpsession

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/masa23/mailhookd/delivery"
	"github.com/masa23/mailhookd/directory"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for the SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":25").
	ListenAddr string

	// Hostname is the server hostname used in greeting and EHLO responses.
	Hostname string

	// MaxMessageBytes caps the size of an accepted DATA payload.
	MaxMessageBytes int64

	// Directory authenticates senders and resolves envelope recipients.
	Directory *directory.Directory

	// Pipeline persists accepted transactions and fans out notifications.
	Pipeline *delivery.Pipeline
}

// Server accepts SMTP connections and runs one Session per connection.
type Server struct {
	config   ServerConfig
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Server{config: cfg}
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On cancellation it stops accepting new connections and waits
// up to 30 seconds for in-flight sessions to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"hostname", s.config.Hostname,
		"max_message_bytes", s.config.MaxMessageBytes,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session := NewSession(
				conn,
				s.config.Directory,
				s.config.Pipeline,
				s.config.Hostname,
				s.config.MaxMessageBytes,
			)
			session.Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
