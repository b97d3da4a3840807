package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arca/internal/app"
	"github.com/ternarybob/arca/internal/handlers"
)

// Server manages the HTTP server and routes
type Server struct {
	app          *app.App
	router       *http.ServeMux
	server       *http.Server
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app:        application,
		shutdownCh: make(chan struct{}),
	}

	// Setup routes
	s.router = s.setupRoutes()

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withConditionalMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.app.Config.Server.Host, s.app.Config.Server.Port)

	s.app.Logger.Info().
		Str("address", addr).
		Msg("HTTP server starting")

	s.app.Logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d/api/jobs", s.app.Config.Server.Host, s.app.Config.Server.Port)).
		Msg("Archive API available")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}

// ShutdownSignal is closed when a shutdown has been requested over the API.
func (s *Server) ShutdownSignal() <-chan struct{} {
	return s.shutdownCh
}

// ShutdownHandler handles POST /api/shutdown and asks the process to exit
func (s *Server) ShutdownHandler(w http.ResponseWriter, r *http.Request) {
	if !handlers.RequireMethod(w, r, http.MethodPost) {
		return
	}

	s.app.Logger.Warn().Str("remote", r.RemoteAddr).Msg("Shutdown requested over API")
	handlers.WriteSuccess(w, "Shutting down")

	// Repeated calls after the first are no-ops
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}
