// Package api serves the keeper's status dashboard: JSON snapshots of
// tracked loans and orders, a WebSocket stream of execution events, and
// the Prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vault-keeper/internal/config"
)

// EventSource is implemented by providers that push dashboard events.
type EventSource interface {
	DashboardEvents() <-chan DashboardEvent
}

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	provider SnapshotProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server. A nil gatherer leaves /metrics unmounted.
func NewServer(
	cfg config.Config,
	provider SnapshotProvider,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("GET /api/loans", handlers.HandleLoans)
	mux.HandleFunc("GET /api/orders", handlers.HandleOrders)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Dashboard.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub and event forwarder, then serves until Stop or a
// listener error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	go s.hub.Run()
	if src, ok := s.provider.(EventSource); ok {
		go s.consumeEvents(src.DashboardEvents())
	}

	s.logger.Info("dashboard server starting", "addr", ln.Addr().String())

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.hub.Close()
	return err
}

// consumeEvents forwards engine events to the hub until the channel closes.
func (s *Server) consumeEvents(ch <-chan DashboardEvent) {
	if ch == nil {
		return
	}
	for evt := range ch {
		s.hub.BroadcastEvent(evt)
	}
}
