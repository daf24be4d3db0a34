// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/jackc/pgx/v5"
)

// Upsert stores payload at version for (userID, t, syncID).
//
// The write is applied when version is greater than the stored version, or
// equal to it with a different payload on a live row. A tombstone at version V
// is only replaced by a version strictly greater than V. Replaying the same
// write is a no-op that still reports Applied, so pushes are idempotent.
func (s *SyncService) Upsert(ctx context.Context, userID, sourceID string, t entity.Type, syncID string, version int64, payload json.RawMessage) (*UpsertResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := s.validateUpsert(t, syncID, version, payload); err != nil {
		return nil, err
	}

	total := s.startStage(MetricsOpUpsert, MetricsStageTotal)
	var stored *SyncRecordEntity
	var written bool
	err := s.withTxRetry(ctx, MetricsOpUpsert, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO sync.sync_records (user_id, entity_type, sync_id, version, payload, deleted, source_id, updated_at)
			VALUES (@user_id, @entity_type, @sync_id, @version, @payload::jsonb, FALSE, @source_id, clock_timestamp())
			ON CONFLICT (user_id, entity_type, sync_id) DO UPDATE
			SET version    = EXCLUDED.version,
			    payload    = EXCLUDED.payload,
			    deleted    = FALSE,
			    source_id  = EXCLUDED.source_id,
			    updated_at = EXCLUDED.updated_at
			WHERE sync.sync_records.version < EXCLUDED.version
			   OR (sync.sync_records.version = EXCLUDED.version
			       AND NOT sync.sync_records.deleted
			       AND sync.sync_records.payload IS DISTINCT FROM EXCLUDED.payload)
			RETURNING `+recordColumns, pgx.NamedArgs{
			"user_id":     userID,
			"entity_type": t.String(),
			"sync_id":     syncID,
			"version":     version,
			"payload":     string(payload),
			"source_id":   sourceID,
		})
		rec, err := scanRecord(row)
		if err == nil {
			stored, written = rec, true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to upsert record: %w", err)
		}
		// Guard rejected the write; report what the store holds instead.
		stored, err = s.getInTx(ctx, tx, userID, t, syncID)
		return err
	})
	total.done(ctx, 1, 0, err != nil)
	if err != nil {
		return nil, err
	}

	rec, err := stored.ToRemoteRecord()
	if err != nil {
		return nil, err
	}
	applied := written || (!rec.Deleted && rec.Version == version)
	if !applied {
		s.logger.Debug("Upsert superseded by stored version",
			"entity_type", t.String(), "sync_id", syncID, "version", version, "stored_version", rec.Version, "deleted", rec.Deleted)
	}
	return &UpsertResponse{Applied: applied, Record: rec}, nil
}

// Delete records a tombstone for (userID, t, syncID). Deleting an absent or
// already deleted identity succeeds. The stored version never decreases.
func (s *SyncService) Delete(ctx context.Context, userID, sourceID string, t entity.Type, syncID string, version int64) (*DeleteResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := s.validateIdentity(t, syncID); err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, fmt.Errorf("%w: version must be >= 0, got %d", ErrBadPayload, version)
	}

	total := s.startStage(MetricsOpDelete, MetricsStageTotal)
	var stored *SyncRecordEntity
	err := s.withTxRetry(ctx, MetricsOpDelete, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO sync.sync_records (user_id, entity_type, sync_id, version, payload, deleted, source_id, updated_at)
			VALUES (@user_id, @entity_type, @sync_id, @version, NULL, TRUE, @source_id, clock_timestamp())
			ON CONFLICT (user_id, entity_type, sync_id) DO UPDATE
			SET version    = GREATEST(sync.sync_records.version, EXCLUDED.version),
			    payload    = NULL,
			    deleted    = TRUE,
			    source_id  = EXCLUDED.source_id,
			    updated_at = EXCLUDED.updated_at
			WHERE NOT sync.sync_records.deleted
			   OR sync.sync_records.version < EXCLUDED.version
			RETURNING `+recordColumns, pgx.NamedArgs{
			"user_id":     userID,
			"entity_type": t.String(),
			"sync_id":     syncID,
			"version":     version,
			"source_id":   sourceID,
		})
		rec, err := scanRecord(row)
		if err == nil {
			stored = rec
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		stored, err = s.getInTx(ctx, tx, userID, t, syncID)
		return err
	})
	total.done(ctx, 1, 0, err != nil)
	if err != nil {
		return nil, err
	}

	rec, err := stored.ToRemoteRecord()
	if err != nil {
		return nil, err
	}
	return &DeleteResponse{Applied: true, Record: rec}, nil
}

// Get returns the stored record, tombstones included, or ErrNotFound.
func (s *SyncService) Get(ctx context.Context, userID string, t entity.Type, syncID string) (*RemoteRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := s.validateIdentity(t, syncID); err != nil {
		return nil, err
	}

	total := s.startStage(MetricsOpGet, MetricsStageTotal)
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM sync.sync_records
		WHERE user_id = $1 AND entity_type = $2 AND sync_id = $3`, userID, t.String(), syncID)
	stored, err := scanRecord(row)
	total.done(ctx, 1, 0, err != nil && !errors.Is(err, pgx.ErrNoRows))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	rec, err := stored.ToRemoteRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SyncService) getInTx(ctx context.Context, tx pgx.Tx, userID string, t entity.Type, syncID string) (*SyncRecordEntity, error) {
	row := tx.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM sync.sync_records
		WHERE user_id = $1 AND entity_type = $2 AND sync_id = $3`, userID, t.String(), syncID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored record: %w", err)
	}
	return rec, nil
}
