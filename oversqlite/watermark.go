// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
)

// Watermark returns the pull watermark of t, or oversync.Epoch if t has never
// been pulled.
func (s *Store) Watermark(ctx context.Context, t entity.Type) (time.Time, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT watermark FROM _sync_watermark WHERE entity_type = ?`, t.String()).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return oversync.Epoch, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark for %s: %w", t, err)
	}
	return fromNanos(n), nil
}

// AdvanceWatermark moves the watermark of t forward to ts. It never moves a
// watermark backwards.
func (s *Store) AdvanceWatermark(ctx context.Context, t entity.Type, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_watermark (entity_type, watermark) VALUES (?, ?)
		ON CONFLICT (entity_type) DO UPDATE SET watermark = MAX(watermark, excluded.watermark)`,
		t.String(), ts.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", t, err)
	}
	return nil
}

// PutTombstone records that an identity was deleted at ts.Version. An
// existing tombstone keeps the higher of the two versions.
func (s *Store) PutTombstone(ctx context.Context, ts oversync.Tombstone) error {
	if ts.DeletedAt.IsZero() {
		ts.DeletedAt = s.now()
	}
	return putTombstone(ctx, s.db, ts)
}

func putTombstone(ctx context.Context, db execer, ts oversync.Tombstone) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO _sync_tombstone (entity_type, sync_id, version, deleted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type, sync_id) DO UPDATE SET
			version = MAX(version, excluded.version),
			deleted_at = excluded.deleted_at`,
		ts.EntityType.String(), ts.SyncID, ts.Version, toNanos(ts.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to put tombstone %s/%s: %w", ts.EntityType, ts.SyncID, err)
	}
	return nil
}

// Tombstone returns the tombstone of an identity, or nil when absent.
func (s *Store) Tombstone(ctx context.Context, t entity.Type, syncID string) (*oversync.Tombstone, error) {
	return getTombstone(ctx, s.db, t, syncID)
}

func getTombstone(ctx context.Context, db execer, t entity.Type, syncID string) (*oversync.Tombstone, error) {
	ts := oversync.Tombstone{EntityType: t, SyncID: syncID}
	var deletedAt int64
	err := db.QueryRowContext(ctx, `SELECT version, deleted_at FROM _sync_tombstone
		WHERE entity_type = ? AND sync_id = ?`, t.String(), syncID).Scan(&ts.Version, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tombstone %s/%s: %w", t, syncID, err)
	}
	ts.DeletedAt = fromNanos(deletedAt)
	return &ts, nil
}

// DeleteTombstone forgets the tombstone of an identity.
func (s *Store) DeleteTombstone(ctx context.Context, t entity.Type, syncID string) error {
	return deleteTombstone(ctx, s.db, t, syncID)
}

func deleteTombstone(ctx context.Context, db execer, t entity.Type, syncID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM _sync_tombstone WHERE entity_type = ? AND sync_id = ?`, t.String(), syncID); err != nil {
		return fmt.Errorf("failed to delete tombstone %s/%s: %w", t, syncID, err)
	}
	return nil
}

// PruneTombstones drops tombstones recorded before the cutoff and returns how
// many were removed.
func (s *Store) PruneTombstones(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM _sync_tombstone WHERE deleted_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned rows: %w", err)
	}
	return n, nil
}
