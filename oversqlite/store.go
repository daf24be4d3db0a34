// Package oversqlite provides the SQLite-backed local persistence of an
// offline sync client: the durable mutation queue, the mirror of current
// entity state, per-type pull watermarks and delete tombstones.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store owns the local sync tables of one SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if needed) the SQLite database at path and prepares
// the sync tables. Use ":memory:" for a throwaway store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New prepares the sync tables on an existing database handle.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SetClock replaces the clock used for local timestamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// initializeDatabase creates sync metadata tables
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Timestamps are stored as Unix nanoseconds so they order and round-trip exactly.
	tables := []string{
		// Client/device info (one row per signed-in user)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			user_id    TEXT NOT NULL PRIMARY KEY, -- from JWT.sub
			source_id  TEXT NOT NULL              -- locally generated UUIDv4 (persisted)
		)`,

		// Durable queue: append-only log of local mutations
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT    NOT NULL UNIQUE,
			entity_type  TEXT    NOT NULL,
			sync_id      TEXT    NOT NULL,
			version      INTEGER NOT NULL,
			payload      TEXT,
			deleted      INTEGER NOT NULL DEFAULT 0,
			synced       INTEGER NOT NULL DEFAULT 0,
			enqueued_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS _sync_queue_pending_idx ON _sync_queue(synced, enqueued_at, seq)`,
		`CREATE INDEX IF NOT EXISTS _sync_queue_sync_id_idx ON _sync_queue(sync_id)`,
		`CREATE INDEX IF NOT EXISTS _sync_queue_type_idx ON _sync_queue(entity_type, enqueued_at)`,

		// Mirror: current state per identity
		`CREATE TABLE IF NOT EXISTS _sync_mirror (
			entity_type  TEXT    NOT NULL,
			sync_id      TEXT    NOT NULL,
			version      INTEGER NOT NULL,
			payload      TEXT,
			synced       INTEGER NOT NULL DEFAULT 0,
			deleted      INTEGER NOT NULL DEFAULT 0,
			updated_at   INTEGER NOT NULL,
			PRIMARY KEY (entity_type, sync_id)
		)`,

		`CREATE TABLE IF NOT EXISTS _sync_watermark (
			entity_type  TEXT    NOT NULL PRIMARY KEY,
			watermark    INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS _sync_tombstone (
			entity_type  TEXT    NOT NULL,
			sync_id      TEXT    NOT NULL,
			version      INTEGER NOT NULL,
			deleted_at   INTEGER NOT NULL,
			PRIMARY KEY (entity_type, sync_id)
		)`,
		`CREATE INDEX IF NOT EXISTS _sync_tombstone_deleted_idx ON _sync_tombstone(deleted_at)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// EnsureSourceID generates and persists a source ID if not already present
func EnsureSourceID(db *sql.DB, userID string) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _sync_client_info WHERE user_id = ?`, userID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`INSERT INTO _sync_client_info (user_id, source_id) VALUES (?, ?)`, userID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
