// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
)

// Database entity models for PostgreSQL tables
// These models are used for database operations and have db struct tags

// SyncRecordEntity represents a row in sync.sync_records
type SyncRecordEntity struct {
	UserID     string          `db:"user_id"`     // User identifier (from JWT sub)
	EntityType string          `db:"entity_type"` // Logical table name
	SyncID     string          `db:"sync_id"`     // Entity identity
	Version    int64           `db:"version"`     // Highest applied version
	Payload    json.RawMessage `db:"payload"`     // Current payload (NULL for tombstones)
	Deleted    bool            `db:"deleted"`     // Tombstone marker
	SourceID   string          `db:"source_id"`   // Device that applied the last write (from JWT did)
	UpdatedAt  time.Time       `db:"updated_at"`  // Server clock at the last write
}

// ToRemoteRecord converts a database row to its wire shape.
func (e *SyncRecordEntity) ToRemoteRecord() (RemoteRecord, error) {
	t, err := entity.Parse(e.EntityType)
	if err != nil {
		return RemoteRecord{}, err
	}
	return RemoteRecord{
		EntityType: t,
		SyncID:     e.SyncID,
		Version:    e.Version,
		Payload:    e.Payload,
		Deleted:    e.Deleted,
		UpdatedAt:  e.UpdatedAt,
	}, nil
}
