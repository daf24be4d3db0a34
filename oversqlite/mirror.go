// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
)

const mirrorColumns = `entity_type, sync_id, version, payload, synced, deleted, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMirror(row rowScanner) (*oversync.MirrorRecord, error) {
	var (
		rec       oversync.MirrorRecord
		typeName  string
		payload   sql.NullString
		synced    int
		deleted   int
		updatedAt int64
	)
	if err := row.Scan(&typeName, &rec.SyncID, &rec.Version, &payload, &synced, &deleted, &updatedAt); err != nil {
		return nil, err
	}
	t, err := entity.Parse(typeName)
	if err != nil {
		return nil, err
	}
	rec.EntityType = t
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.Synced = synced == 1
	rec.Deleted = deleted == 1
	rec.UpdatedAt = fromNanos(updatedAt)
	return &rec, nil
}

// Get returns the mirror record for an identity, or nil when absent.
// Records with a pending local delete are returned with Deleted set.
func (s *Store) Get(ctx context.Context, t entity.Type, syncID string) (*oversync.MirrorRecord, error) {
	return getMirror(ctx, s.db, t, syncID)
}

func getMirror(ctx context.Context, db execer, t entity.Type, syncID string) (*oversync.MirrorRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+mirrorColumns+` FROM _sync_mirror
		WHERE entity_type = ? AND sync_id = ?`, t.String(), syncID)
	rec, err := scanMirror(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mirror record %s/%s: %w", t, syncID, err)
	}
	return rec, nil
}

// Put overwrites the mirror record for rec's identity.
func (s *Store) Put(ctx context.Context, rec oversync.MirrorRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	return putMirror(ctx, s.db, rec)
}

func putMirror(ctx context.Context, db execer, rec oversync.MirrorRecord) error {
	if !rec.EntityType.Valid() {
		return fmt.Errorf("%w: %d", entity.ErrUnknownType, int(rec.EntityType))
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO _sync_mirror (`+mirrorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, sync_id) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			synced = excluded.synced,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		rec.EntityType.String(), rec.SyncID, rec.Version, nullableJSON(rec.Payload),
		boolToInt(rec.Synced), boolToInt(rec.Deleted), toNanos(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to put mirror record %s/%s: %w", rec.EntityType, rec.SyncID, err)
	}
	return nil
}

// Delete removes the mirror record for an identity. Deleting an absent
// record is not an error.
func (s *Store) Delete(ctx context.Context, t entity.Type, syncID string) error {
	return deleteMirror(ctx, s.db, t, syncID)
}

func deleteMirror(ctx context.Context, db execer, t entity.Type, syncID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM _sync_mirror WHERE entity_type = ? AND sync_id = ?`, t.String(), syncID); err != nil {
		return fmt.Errorf("failed to delete mirror record %s/%s: %w", t, syncID, err)
	}
	return nil
}

// ListAll returns the live records of one type ordered by identity. Records
// deleted locally but not yet pushed are hidden.
func (s *Store) ListAll(ctx context.Context, t entity.Type) ([]oversync.MirrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mirrorColumns+` FROM _sync_mirror
		WHERE entity_type = ? AND deleted = 0 ORDER BY sync_id`, t.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list mirror records: %w", err)
	}
	defer rows.Close()

	var out []oversync.MirrorRecord
	for rows.Next() {
		rec, err := scanMirror(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mirror record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mirror records: %w", err)
	}
	return out, nil
}
