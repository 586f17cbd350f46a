// ABOUTME: Server assembly and lifecycle for coven-mesh
// ABOUTME: Wires the store, session manager, router, and coordinator behind the HTTP surface

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/coven-mesh/internal/config"
	"github.com/2389/coven-mesh/internal/events"
	"github.com/2389/coven-mesh/internal/meeting"
	"github.com/2389/coven-mesh/internal/mesh"
	"github.com/2389/coven-mesh/internal/negotiate"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/router"
	"github.com/2389/coven-mesh/internal/session"
	"github.com/2389/coven-mesh/internal/store"
)

type server struct {
	cfg    *config.Config
	logger *slog.Logger

	store       store.Store
	sessions    *session.Manager
	coordinator *meeting.Coordinator
	mesh        *mesh.Mesh
	http        *http.Server
}

func newServer(cfg *config.Config, logger *slog.Logger) (*server, error) {
	var st store.Store
	switch cfg.Database.Backend {
	case "sqlite":
		sqlite, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		st = sqlite
	case "memory":
		st = store.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}

	var deadLetters store.DeadLetterStore
	if cfg.Sessions.ReleasePolicy == "deadletter" {
		switch cfg.Sessions.DeadLetter {
		case "redis":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			redis, err := store.NewRedisDeadLetters(ctx, cfg.Sessions.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("connecting redis dead letters: %w", err)
			}
			deadLetters = redis
		default:
			deadLetters = store.NewMemoryDeadLetters()
		}
	}

	broadcaster := events.NewBroadcaster(logger)
	sessions := session.NewManager(session.Config{
		StaleThreshold:      cfg.Sessions.StaleThreshold,
		DisconnectThreshold: cfg.Sessions.DisconnectThreshold,
		ReapInterval:        cfg.Sessions.ReapInterval,
		QueueCapacity:       cfg.Sessions.QueueCapacity,
		ReleasePolicy:       session.ReleasePolicy(cfg.Sessions.ReleasePolicy),
	}, deadLetters, broadcaster, logger)

	registry := protocol.NewRegistry(st, logger)
	negotiator := negotiate.NewNegotiator(sessions)
	rtr := router.NewRouter(sessions, registry, st, broadcaster, logger)
	coordinator := meeting.NewCoordinator(meeting.Config{
		OpinionTimeout:   cfg.Meetings.OpinionTimeout,
		ConsensusTimeout: cfg.Meetings.ConsensusTimeout,
		MissingVotes:     meeting.MissingVotePolicy(cfg.Meetings.MissingVotePolicy),
		ShuffleOrder:     cfg.Meetings.ShuffleOrder,
		DefaultMaxRounds: cfg.Meetings.MaxRounds,
	}, st, sessions, broadcaster, logger)

	m := mesh.New(st, sessions, registry, negotiator, rtr, coordinator, broadcaster, logger)

	s := &server{
		cfg:         cfg,
		logger:      logger.With("component", "server"),
		store:       st,
		sessions:    sessions,
		coordinator: coordinator,
		mesh:        m,
	}
	s.http = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run serves until the context is cancelled, then shuts down in order:
// HTTP listener, live meetings, session reaper, store.
func (s *server) Run(ctx context.Context) error {
	s.sessions.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}

	s.coordinator.Shutdown()
	s.sessions.Stop()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing store", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
