// Package server exposes the job system over HTTP: a REST surface for
// submissions and queries, the SSE event stream, health, version, and
// Prometheus metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/events"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/metrics"
)

// Server wraps the HTTP server and its service dependencies.
type Server struct {
	config  *common.Config
	logger  *common.Logger
	metrics *metrics.Metrics
	queue   interfaces.JobQueue
	state   interfaces.StateStore
	hub     *events.Hub
	server  *http.Server
}

// NewServer creates the HTTP REST API server.
func NewServer(config *common.Config, logger *common.Logger, m *metrics.Metrics, queue interfaces.JobQueue, state interfaces.StateStore, hub *events.Hub) *Server {
	s := &Server{
		config:  config,
		logger:  logger,
		metrics: m,
		queue:   queue,
		state:   state,
		hub:     hub,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, logger, m, config)

	s.server = &http.Server{
		Addr:        config.ListenAddr(),
		Handler:     handler,
		ReadTimeout: config.Server.GetReadTimeout(),
		// WriteTimeout must outlive long SSE streams; the stream handler
		// clears its own deadline once headers are out.
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
