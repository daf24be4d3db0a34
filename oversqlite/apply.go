// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
)

// RecordLocalChange appends rec to the queue and overwrites the mirror with
// mirror in one transaction, so a captured write is never half applied.
// A non-deleted mirror record clears any tombstone for its identity.
func (s *Store) RecordLocalChange(ctx context.Context, rec *oversync.SyncRecord, mirror oversync.MirrorRecord) error {
	s.prepareQueueRecord(rec)
	if mirror.UpdatedAt.IsZero() {
		mirror.UpdatedAt = rec.EnqueuedAt
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := appendQueue(ctx, tx, rec); err != nil {
			return err
		}
		if err := putMirror(ctx, tx, mirror); err != nil {
			return err
		}
		if !mirror.Deleted {
			return deleteTombstone(ctx, tx, mirror.EntityType, mirror.SyncID)
		}
		return nil
	})
}

// ApplyRemote makes rec the local state of its identity and marks the given
// queue entries synced, atomically. A deleted rec removes the mirror record
// and leaves a tombstone at rec.Version; a live rec replaces the mirror
// record as synced and clears any tombstone.
func (s *Store) ApplyRemote(ctx context.Context, rec oversync.RemoteRecord, queueIDs ...string) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if rec.Deleted {
			if err := deleteMirror(ctx, tx, rec.EntityType, rec.SyncID); err != nil {
				return err
			}
			if err := putTombstone(ctx, tx, oversync.Tombstone{
				EntityType: rec.EntityType,
				SyncID:     rec.SyncID,
				Version:    rec.Version,
				DeletedAt:  now,
			}); err != nil {
				return err
			}
		} else {
			if err := putMirror(ctx, tx, oversync.MirrorRecord{
				EntityType: rec.EntityType,
				SyncID:     rec.SyncID,
				Version:    rec.Version,
				Payload:    rec.Payload,
				Synced:     true,
				UpdatedAt:  now,
			}); err != nil {
				return err
			}
			if err := deleteTombstone(ctx, tx, rec.EntityType, rec.SyncID); err != nil {
				return err
			}
		}
		for _, id := range queueIDs {
			if err := markSynced(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkPushed marks a delivered queue entry synced and flags the mirror record
// synced if it still holds the delivered version.
func (s *Store) MarkPushed(ctx context.Context, queueID string, t entity.Type, syncID string, version int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := markSynced(ctx, tx, queueID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE _sync_mirror SET synced = 1
			WHERE entity_type = ? AND sync_id = ? AND version = ? AND deleted = 0`,
			t.String(), syncID, version)
		if err != nil {
			return fmt.Errorf("failed to mark mirror record %s/%s synced: %w", t, syncID, err)
		}
		return nil
	})
}
