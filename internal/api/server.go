// Package api serves the read-only status endpoints: health, the event
// journal tail, the account roster and the trading task history. It never
// mutates engine state.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"perpbot/internal/bus"
	"perpbot/internal/engine"
	"perpbot/pkg/types"
)

// Provider is the read-only view the server renders. *engine.Engine
// satisfies it.
type Provider interface {
	RecentEvents(limit int) ([]bus.Event, error)
	Accounts() []engine.AccountStatus
	Tasks() ([]types.TaskRecord, error)
}

// Server is the HTTP status server.
type Server struct {
	provider Provider
	logger   *slog.Logger
	srv      *http.Server
	started  time.Time
}

// NewServer creates the status server listening on the given port.
func NewServer(port int, provider Provider, logger *slog.Logger) *Server {
	s := &Server{
		provider: provider,
		logger:   logger.With("component", "api"),
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/accounts", s.handleAccounts)
	mux.HandleFunc("/api/tasks", s.handleTasks)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.Info("status server listening", "addr", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("status server shutdown failed", "error", err)
	}
}
