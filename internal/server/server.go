// Package server exposes the engine's HTTP API: job submission, status,
// cancellation, health, and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/observability"
	"github.com/kumoproj/kumo/internal/store"
)

const (
	submitRateLimit = 10
	submitBurst     = 20
)

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// New creates the API server.
func New(addr string, st store.Store, metrics *observability.Metrics, log *logger.Logger) *Server {
	h := NewHandlers(st, metrics, log)
	limited := RateLimit(submitRateLimit, submitBurst)

	mux := http.NewServeMux()
	mux.Handle("POST /jobs", limited(http.HandlerFunc(h.CreateJob)))
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /jobs/{id}", h.CancelJob)
	mux.HandleFunc("GET /healthz", h.Health)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		logger: log,
	}
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		s.logger.Infof("HTTP API listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
