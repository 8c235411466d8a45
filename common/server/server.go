package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swiftgrid/controlplane/common/logger"
)

// Server wraps an HTTP server with graceful shutdown.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string
}

// Option adjusts server settings before start.
type Option func(*http.Server)

// WithoutWriteTimeout disables the write deadline. Required for endpoints
// that hold a response open, like the event stream.
func WithoutWriteTimeout() Option {
	return func(s *http.Server) {
		s.WriteTimeout = 0
	}
}

// New creates a new server
func New(name string, port int, handler http.Handler, log *logger.Logger, opts ...Option) *Server {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(httpServer)
	}

	return &Server{
		httpServer: httpServer,
		log:        log,
		name:       name,
	}
}

// Start runs the server until it fails or a shutdown signal arrives. The
// onShutdown hook, if non-nil, runs after the listener stops accepting new
// requests.
func (s *Server) Start(onShutdown func(context.Context)) error {
	serverErrors := make(chan error, 1)

	go func() {
		s.log.Info(fmt.Sprintf("%s starting", s.name), "addr", s.httpServer.Addr)
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		s.log.Info("shutdown signal received", "signal", sig.String())

		// Give outstanding requests time to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Error("graceful shutdown failed", "error", err)
			if err := s.httpServer.Close(); err != nil {
				return fmt.Errorf("could not stop server: %w", err)
			}
		}

		if onShutdown != nil {
			onShutdown(ctx)
		}

		s.log.Info("shutdown complete")
	}

	return nil
}
