// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package server wires the authoritative record store behind its HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Clsan122/fretepro-sync/internal/config"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Components holds the initialized server components.
type Components struct {
	Pool        *pgxpool.Pool
	SyncService *oversync.SyncService
	JWTAuth     *oversync.JWTAuth
	Handler     http.Handler
	Logger      *slog.Logger
}

// SetupServer connects to Postgres, prepares the sync schema and builds the
// HTTP handler.
func SetupServer(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("server.jwt_secret is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.AppName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	serviceConfig := oversync.DefaultServiceConfig(cfg.AppName)
	serviceConfig.CommitLag = cfg.CommitLag
	serviceConfig.MaxPayloadBytes = cfg.MaxPayloadBytes
	serviceConfig.StageMetrics = StageLogger(logger)
	syncService, err := oversync.NewSyncService(pool, serviceConfig, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	jwtAuth := oversync.NewJWTAuth(cfg.JWTSecret)
	logger.Info("Sync service ready", "app_name", cfg.AppName, "commit_lag", cfg.CommitLag)
	return &Components{
		Pool:        pool,
		SyncService: syncService,
		JWTAuth:     jwtAuth,
		Handler:     NewHandler(syncService, jwtAuth, cfg, logger),
		Logger:      logger,
	}, nil
}

// Close releases the service and the pool.
func (c *Components) Close() {
	if c.SyncService != nil {
		_ = c.SyncService.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// NewHandler mounts the sync API for store on a new mux.
func NewHandler(store oversync.RecordStore, jwtAuth *oversync.JWTAuth, cfg config.ServerConfig, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	oversync.NewHTTPSyncHandlers(store, jwtAuth, logger).Register(mux, jwtAuth.Middleware)
	if cfg.DevSignin {
		logger.Warn("Development sign-in enabled; any caller can obtain a token")
		mux.HandleFunc("POST /dev/signin", devSignin(jwtAuth, logger))
	}
	return LoggingMiddleware(cfg.LogRequests, mux, logger)
}

type signinRequest struct {
	User   string `json:"user"`
	Device string `json:"device"`
}

type signinResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      string `json:"user"`
	Device    string `json:"device"`
}

// devSignin returns a short-lived JWT for the requested user and device.
func devSignin(jwtAuth *oversync.JWTAuth, logger *slog.Logger) http.HandlerFunc {
	const ttl = 15 * time.Minute
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var req signinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" || req.Device == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(oversync.ErrorResponse{Error: oversync.CodeInvalidRequest, Message: "user and device are required"})
			return
		}
		tok, err := jwtAuth.GenerateToken(req.User, req.Device, ttl)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(oversync.ErrorResponse{Error: oversync.CodeInternal, Message: err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(signinResponse{Token: tok, ExpiresIn: int64(ttl.Seconds()), User: req.User, Device: req.Device})
		logger.Info("Issued development token", "user", req.User, "device", req.Device)
	}
}

// StageLogger reports service stage timings as debug logs.
func StageLogger(logger *slog.Logger) oversync.StageMetricsRecorder {
	return oversync.StageMetricsRecorderFunc(func(ctx context.Context, t oversync.StageTiming) {
		logger.DebugContext(ctx, "Sync stage", slog.Any("timing", t))
	})
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func Serve(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting sync server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down sync server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
