// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required sync tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// Current state per identity (user-scoped). Deleted identities stay as
		// tombstone rows so replicas learn about deletions through pulls.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.sync_records (
			user_id      TEXT        NOT NULL,
			entity_type  TEXT        NOT NULL,
			sync_id      TEXT        NOT NULL,
			version      BIGINT      NOT NULL CHECK (version >= 0),
			payload      JSONB,
			deleted      BOOLEAN     NOT NULL DEFAULT FALSE,
			source_id    TEXT        NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			PRIMARY KEY (user_id, entity_type, sync_id),
			CONSTRAINT sync_records_payload_chk CHECK (deleted OR payload IS NOT NULL)
		)`,

		// Optimizes per-type "updated since" paging
		`CREATE INDEX IF NOT EXISTS sr_user_type_updated_idx ON sync.sync_records(user_id, entity_type, updated_at, sync_id)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}
