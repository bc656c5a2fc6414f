// Package health runs the per-process liveness endpoint (§2.1 of
// SPEC_FULL.md). It is grounded on the teacher's internal/api.Server —
// same http.Server + mux + graceful Shutdown shape — trimmed from a full
// dashboard (routes, websocket hub, static files) down to a single
// liveness probe, since no component in this pipeline serves a browser.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Server exposes GET /healthz returning the process's current liveness.
type Server struct {
	server *http.Server
	log    *slog.Logger
	ready  atomic.Bool
}

// NewServer builds a health server bound to port. The caller starts it
// with Start and flips readiness with SetReady once its component's main
// loop is running.
func NewServer(component string, port int, log *slog.Logger) *Server {
	s := &Server{log: log.With("component", "health")}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz(component))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(component string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if !s.ready.Load() {
			status = "starting"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"component": component,
			"status":    status,
		})
	}
}

// SetReady marks the process ready to serve, once its main loop is running.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start runs the server until Stop is called. Intended to run in its own
// goroutine; returns http.ErrServerClosed on a clean Stop.
func (s *Server) Start() error {
	s.log.Info("health endpoint starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
