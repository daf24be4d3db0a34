// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/google/uuid"
)

// Append persists rec to the durable queue. An empty ID or EnqueuedAt is
// filled in and written back to rec. Append never touches the network.
func (s *Store) Append(ctx context.Context, rec *oversync.SyncRecord) error {
	s.prepareQueueRecord(rec)
	return appendQueue(ctx, s.db, rec)
}

func (s *Store) prepareQueueRecord(rec *oversync.SyncRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = s.now()
	}
	rec.Synced = false
}

func appendQueue(ctx context.Context, db execer, rec *oversync.SyncRecord) error {
	if !rec.EntityType.Valid() {
		return fmt.Errorf("%w: %d", entity.ErrUnknownType, int(rec.EntityType))
	}
	if rec.SyncID == "" {
		return errors.New("queue record has no sync id")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO _sync_queue (id, entity_type, sync_id, version, payload, deleted, synced, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		rec.ID, rec.EntityType.String(), rec.SyncID, rec.Version, nullableJSON(rec.Payload),
		boolToInt(rec.Deleted), toNanos(rec.EnqueuedAt))
	if err != nil {
		return fmt.Errorf("failed to append queue record: %w", err)
	}
	return nil
}

// ListUnsynced returns unsynced queue records in FIFO order, optionally
// restricted to one entity type.
func (s *Store) ListUnsynced(ctx context.Context, t *entity.Type) ([]oversync.SyncRecord, error) {
	query := `SELECT id, entity_type, sync_id, version, payload, deleted, synced, enqueued_at
		FROM _sync_queue WHERE synced = 0`
	var args []any
	if t != nil {
		query += ` AND entity_type = ?`
		args = append(args, t.String())
	}
	query += ` ORDER BY enqueued_at, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced records: %w", err)
	}
	defer rows.Close()

	var out []oversync.SyncRecord
	for rows.Next() {
		var (
			rec        oversync.SyncRecord
			typeName   string
			payload    sql.NullString
			deleted    int
			synced     int
			enqueuedAt int64
		)
		if err := rows.Scan(&rec.ID, &typeName, &rec.SyncID, &rec.Version, &payload, &deleted, &synced, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue record: %w", err)
		}
		et, err := entity.Parse(typeName)
		if err != nil {
			s.logger.Warn("Skipping queue record with unknown entity type", "id", rec.ID, "entity_type", typeName)
			continue
		}
		rec.EntityType = et
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		rec.Deleted = deleted == 1
		rec.Synced = synced == 1
		rec.EnqueuedAt = fromNanos(enqueuedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue records: %w", err)
	}
	return out, nil
}

// MarkSynced flips the synced flag of a queue entry. Marking an unknown or
// already synced entry is not an error.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	return markSynced(ctx, s.db, id)
}

func markSynced(ctx context.Context, db execer, id string) error {
	if _, err := db.ExecContext(ctx, `UPDATE _sync_queue SET synced = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark queue record %s synced: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of unsynced queue entries.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_queue WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return n, nil
}

// Compact deletes synced queue entries enqueued before the cutoff and returns
// how many were removed. Unsynced entries are never compacted.
func (s *Store) Compact(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM _sync_queue WHERE synced = 1 AND enqueued_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to compact queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read compacted rows: %w", err)
	}
	if n > 0 {
		s.logger.Debug("Compacted sync queue", "removed", n, "before", before)
	}
	return n, nil
}
