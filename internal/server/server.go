// Package server is the transport shell around the gateway core: one HTTP
// listener exposing the WebSocket upgrade endpoint plus liveness and
// readiness probes. The core assumes ordered, reliable,
// message-oriented delivery per socket — this package is where that
// assumption is discharged, via gorilla/websocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/benhollis/remotegw/internal/config"
	"github.com/benhollis/remotegw/internal/dispatcher"
	"github.com/benhollis/remotegw/internal/session"
)

// TokenValidator turns a bearer token into the already-established session
// the core consumes. internal/auth provides the JWKS-backed implementation;
// tests stub it.
type TokenValidator interface {
	SessionForToken(token, sessionID string) (*session.Session, error)
}

// Server hosts the gateway's HTTP surface.
type Server struct {
	config     *config.Config
	dispatcher *dispatcher.Dispatcher
	validator  TokenValidator
	httpServer *http.Server
}

// New creates a Server.
func New(cfg *config.Config, d *dispatcher.Dispatcher, validator TokenValidator) *Server {
	s := &Server{
		config:     cfg,
		dispatcher: d,
		validator:  validator,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     mux,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s
}

// Handler exposes the route table, for tests that drive the server through
// httptest instead of a real listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server. Live WebSocket connections are closed by
// their own read loops observing the underlying connection close, which
// runs each socket's disconnect cascade.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ready"}`)
}
