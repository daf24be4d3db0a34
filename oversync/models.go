// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
)

// Sync data model shared by the local stores, the engine and the remote store.

// SyncRecord is one pending local mutation in the durable queue.
// It is immutable once appended; only Synced flips.
type SyncRecord struct {
	ID         string          `json:"id"`          // Queue entry id (not the entity identity)
	EntityType entity.Type     `json:"entity_type"` // Logical table
	SyncID     string          `json:"sync_id"`     // Stable identity of the logical entity
	Version    int64           `json:"version"`     // Per-identity version at enqueue time
	Payload    json.RawMessage `json:"payload,omitempty"`
	Deleted    bool            `json:"deleted"`     // Tombstone marker; payload may be empty
	Synced     bool            `json:"synced"`      // True once confirmed applied remotely
	EnqueuedAt time.Time       `json:"enqueued_at"` // FIFO ordering only, never used for resolution
}

// MirrorRecord is the current local snapshot of one entity.
type MirrorRecord struct {
	EntityType entity.Type     `json:"entity_type"`
	SyncID     string          `json:"sync_id"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Synced     bool            `json:"synced"`
	Deleted    bool            `json:"deleted"` // Local delete queued but not yet applied remotely
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RemoteRecord is an entity as held by the authoritative remote store.
type RemoteRecord struct {
	EntityType entity.Type     `json:"entity_type"`
	SyncID     string          `json:"sync_id"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Deleted    bool            `json:"deleted"`
	UpdatedAt  time.Time       `json:"updated_at"` // Server-side update time
}

// Tombstone remembers that an identity was deleted at a given version.
type Tombstone struct {
	EntityType entity.Type `json:"entity_type"`
	SyncID     string      `json:"sync_id"`
	Version    int64       `json:"version"`
	DeletedAt  time.Time   `json:"deleted_at"`
}

// ChangePage is one page of remote changes for a single entity type.
type ChangePage struct {
	Records []RemoteRecord `json:"records"`
	HasMore bool           `json:"has_more"`
	// ServerTime is the remote clock captured before the query ran. Pull
	// advances its watermark to this value, never to a record timestamp.
	ServerTime time.Time `json:"server_time"`
}

// Epoch is the initial watermark; it guarantees a full initial pull.
var Epoch = time.Unix(0, 0).UTC()
