// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package engine runs offline synchronization on the client: it captures
// local writes, pushes the durable queue to the remote store, pulls remote
// changes per entity type and schedules both from connectivity, timer, manual
// and deferred triggers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversqlite"
	"github.com/Clsan122/fretepro-sync/oversync"
)

var (
	// ErrCaptureFailed wraps a local write that could not be queued. The
	// mutation was not recorded and will never be synced.
	ErrCaptureFailed = errors.New("local change was not captured")
	// ErrNotFound is returned for identities with no local record.
	ErrNotFound = errors.New("record not found")
	// ErrDeleted is returned when writing to an identity that was deleted.
	ErrDeleted = errors.New("record was deleted")
	// ErrOffline is returned by SyncNow when the run was skipped for lack of
	// connectivity.
	ErrOffline = errors.New("offline")
	// ErrStopped is returned by SyncNow once the worker has exited.
	ErrStopped = errors.New("sync worker stopped")
)

// Remote is the authoritative store as seen by one authenticated replica.
type Remote interface {
	// Upsert stores payload at version. Replays of an applied write succeed.
	Upsert(ctx context.Context, t entity.Type, syncID string, version int64, payload json.RawMessage) (*oversync.UpsertResponse, error)
	// Delete tombstones an identity. Deleting an absent identity succeeds.
	Delete(ctx context.Context, t entity.Type, syncID string, version int64) (*oversync.DeleteResponse, error)
	// Get returns nil without error when the identity was never written.
	Get(ctx context.Context, t entity.Type, syncID string) (*oversync.RemoteRecord, error)
	// QueryUpdatedSince returns records updated in (since, until]. A zero
	// until asks the remote to freeze the window at its current time.
	QueryUpdatedSince(ctx context.Context, t entity.Type, since, until time.Time, limit int) (*oversync.ChangePage, error)
}

// Queue is the durable log of local mutations.
type Queue interface {
	Append(ctx context.Context, rec *oversync.SyncRecord) error
	ListUnsynced(ctx context.Context, t *entity.Type) ([]oversync.SyncRecord, error)
	MarkSynced(ctx context.Context, id string) error
	PendingCount(ctx context.Context) (int, error)
	Compact(ctx context.Context, before time.Time) (int64, error)
}

// Mirror is the local current-state cache.
type Mirror interface {
	Get(ctx context.Context, t entity.Type, syncID string) (*oversync.MirrorRecord, error)
	Put(ctx context.Context, rec oversync.MirrorRecord) error
	Delete(ctx context.Context, t entity.Type, syncID string) error
	ListAll(ctx context.Context, t entity.Type) ([]oversync.MirrorRecord, error)
}

// Watermarks tracks the pull position per entity type.
type Watermarks interface {
	Watermark(ctx context.Context, t entity.Type) (time.Time, error)
	AdvanceWatermark(ctx context.Context, t entity.Type, ts time.Time) error
}

// Tombstones remembers deleted identities for a retention window.
type Tombstones interface {
	PutTombstone(ctx context.Context, ts oversync.Tombstone) error
	Tombstone(ctx context.Context, t entity.Type, syncID string) (*oversync.Tombstone, error)
	DeleteTombstone(ctx context.Context, t entity.Type, syncID string) error
	PruneTombstones(ctx context.Context, before time.Time) (int64, error)
}

// LocalStore is everything the engine persists locally, plus the atomic
// composite updates it relies on.
type LocalStore interface {
	Queue
	Mirror
	Watermarks
	Tombstones

	RecordLocalChange(ctx context.Context, rec *oversync.SyncRecord, mirror oversync.MirrorRecord) error
	ApplyRemote(ctx context.Context, rec oversync.RemoteRecord, queueIDs ...string) error
	MarkPushed(ctx context.Context, queueID string, t entity.Type, syncID string, version int64) error
}

var _ LocalStore = (*oversqlite.Store)(nil)

func identityKey(t entity.Type, syncID string) string {
	return t.String() + "/" + syncID
}
