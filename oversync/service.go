// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an identity has never been written remotely.
var ErrNotFound = errors.New("not_found")

// SyncService is the authoritative remote store the offline clients reconcile
// against. Records are scoped per user and keyed by (entity type, sync id).
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
	served map[entity.Type]bool

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName     string        // Application name for connection tracking
	EntityTypes []entity.Type // Types served by this store (empty = all)

	MaxPayloadBytes int // Maximum JSON payload size per record in bytes (0 = unlimited)
	MaxTxRetries    int // Retries for serialization/deadlock failures

	// CommitLag is subtracted from the server clock when freezing the upper
	// bound of a change query, so writes still committing are picked up by the
	// next pull rather than skipped.
	CommitLag time.Duration

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultServiceConfig returns a configuration serving every entity type.
func DefaultServiceConfig(appName string) *ServiceConfig {
	return &ServiceConfig{
		AppName:         appName,
		EntityTypes:     entity.All,
		MaxPayloadBytes: 256 * 1024,
		MaxTxRetries:    3,
		CommitLag:       time.Second,
	}
}

// NewSyncService creates a new sync service instance from an existing pool
// and makes sure the sync schema exists.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = DefaultServiceConfig("fretepro-sync")
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := newSyncService(pool, config, logger)

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	logger.Debug("Database schema initialized successfully")

	return service, nil
}

func newSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) *SyncService {
	types := config.EntityTypes
	if len(types) == 0 {
		types = entity.All
	}
	served := make(map[entity.Type]bool, len(types))
	for _, t := range types {
		served[t] = true
	}
	return &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
		served: served,
	}
}

// Close marks the service closed. It does NOT close the pool; the caller owns
// the pool lifecycle.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// IsTypeServed reports whether t is synchronized by this store.
func (s *SyncService) IsTypeServed(t entity.Type) bool {
	return s.served[t]
}

// EntityTypes lists the served types in pull order.
func (s *SyncService) EntityTypes() []entity.Type {
	var out []entity.Type
	for _, t := range entity.All {
		if s.served[t] {
			out = append(out, t)
		}
	}
	return out
}

// AppName returns the configured application name.
func (s *SyncService) AppName() string {
	return s.config.AppName
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

const recordColumns = `user_id, entity_type, sync_id, version, payload::text, deleted, source_id, updated_at`

func scanRecord(row pgx.Row) (*SyncRecordEntity, error) {
	var e SyncRecordEntity
	var payload []byte
	if err := row.Scan(&e.UserID, &e.EntityType, &e.SyncID, &e.Version, &payload, &e.Deleted, &e.SourceID, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}
