// Package server is the main orchestrator that ties all components together.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/NoPKT/agentim/internal/api"
	"github.com/NoPKT/agentim/internal/auth"
	"github.com/NoPKT/agentim/internal/config"
	"github.com/NoPKT/agentim/internal/gateway"
	"github.com/NoPKT/agentim/internal/store"
	"github.com/NoPKT/agentim/pkg/protocol"
)

// Server is the main server process.
type Server struct {
	cfg      *config.Config
	store    store.Store
	shared   store.SharedStore // nil when no shared store is configured
	registry *gateway.Registry
	streams  *gateway.StreamTracker
	detector *gateway.LoopDetector
	broker   *gateway.PermissionBroker
	api      *api.Server
	logger   *slog.Logger
}

// New creates a server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var shared store.SharedStore
	if cfg.Shared.RedisURL != "" {
		rs, err := store.NewRedis(context.Background(), cfg.Shared.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init shared store: %w", err)
		}
		shared = rs
	} else {
		logger.Warn("no shared store configured: token revocation is disabled and loop detection is instance-local")
	}

	authSvc := auth.NewService(db, shared, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry.Duration)

	if cfg.Auth.InitialAdmin != nil {
		if err := bootstrapAdmin(context.Background(), db, cfg.Auth.InitialAdmin, logger); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	g := cfg.Gateway
	registry := gateway.NewRegistry(logger, g.MaxGatewaysPerUser, g.MaxClientsPerUser)
	streams := gateway.NewStreamTracker(g.StreamCapacity, g.MaxStreamBytes, g.StreamTTL.Duration)
	limiter := gateway.NewRateLimiter(shared, logger, int64(g.RateLimitPerWindow), g.RateLimitWindow.Duration)
	detector := gateway.NewLoopDetector(shared, logger, g.VisitedFallbackCap, g.VisitedTTL.Duration)
	broker := gateway.NewPermissionBroker(registry, logger, g.PermissionQueueCap, g.PermissionTimeout.Duration)
	router := gateway.NewRouter(db, registry, limiter, detector, logger, g.MaxAgentDepth)

	dispatcher := gateway.NewDispatcher(db, authSvc, registry, streams, router, broker, logger, gateway.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Limits: protocol.Limits{
			MaxFrameBytes:   g.MaxFrameBytes,
			MaxDepth:        g.MaxJSONDepth,
			MaxContentBytes: g.MaxContentBytes,
			MaxChunkBytes:   g.MaxChunkBytes,
			MaxResultBytes:  g.MaxResultBytes,
		},
	})

	apiSrv := api.NewServer(db, authSvc, registry, dispatcher, cfg, logger)

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return &Server{
		cfg:      cfg,
		store:    db,
		shared:   shared,
		registry: registry,
		streams:  streams,
		detector: detector,
		broker:   broker,
		api:      apiSrv,
		logger:   logger.With("component", "server"),
	}, nil
}

func bootstrapAdmin(ctx context.Context, db store.Store, ia *config.InitialAdmin, logger *slog.Logger) error {
	_, err := db.GetUser(ctx, ia.Username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	hash, err := auth.HashPassword(ia.Password)
	if err != nil {
		return err
	}
	if err := db.CreateUser(ctx, &store.User{
		ID:           uuid.New().String(),
		Username:     ia.Username,
		PasswordHash: hash,
		Role:         "admin",
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}
	logger.Info("created initial admin user", "username", ia.Username)
	if ia.Username == "admin" && ia.Password == "admin" {
		logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
	}
	return nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.api.Handler(),
	}

	s.streams.StartSweeper(s.cfg.Gateway.SweepInterval.Duration)
	s.detector.StartSweeper(s.cfg.Gateway.SweepInterval.Duration)
	s.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		s.shutdownComponents()
		return ctx.Err()

	case err := <-errCh:
		s.shutdownComponents()
		return err
	}
}

func (s *Server) shutdownComponents() {
	s.streams.Stop()
	s.detector.Stop()
	s.broker.Stop()
	if s.shared != nil {
		_ = s.shared.Close()
	}
	s.logger.Info("closing store")
	_ = s.store.Close()
	s.logger.Info("shutdown complete")
}
