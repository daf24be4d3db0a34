// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/google/uuid"
)

// Writer is the local write path. Every mutation lands in the mirror and the
// durable queue together and succeeds without connectivity.
type Writer struct {
	store  LocalStore
	locks  *keyedMutex
	clock  Clock
	notify func()
	logger *slog.Logger
}

// Create stores a new entity and returns its identity.
func (w *Writer) Create(ctx context.Context, t entity.Type, payload entity.Payload) (string, error) {
	raw, err := entity.Encode(t, payload)
	if err != nil {
		return "", err
	}
	syncID := uuid.New().String()

	unlock := w.locks.Lock(identityKey(t, syncID))
	defer unlock()
	if err := w.record(ctx, t, syncID, 1, raw, false); err != nil {
		return "", err
	}
	w.logger.Debug("Local create captured", "entity_type", t.String(), "sync_id", syncID)
	w.changed()
	return syncID, nil
}

// Update replaces the payload of an existing entity and returns its new version.
func (w *Writer) Update(ctx context.Context, t entity.Type, syncID string, payload entity.Payload) (int64, error) {
	raw, err := entity.Encode(t, payload)
	if err != nil {
		return 0, err
	}

	unlock := w.locks.Lock(identityKey(t, syncID))
	defer unlock()
	version, err := w.nextVersion(ctx, t, syncID)
	if err != nil {
		return 0, err
	}
	if err := w.record(ctx, t, syncID, version, raw, false); err != nil {
		return 0, err
	}
	w.logger.Debug("Local update captured", "entity_type", t.String(), "sync_id", syncID, "version", version)
	w.changed()
	return version, nil
}

// Delete removes an entity locally and queues the remote delete. Deleting an
// already deleted entity is a no-op.
func (w *Writer) Delete(ctx context.Context, t entity.Type, syncID string) error {
	unlock := w.locks.Lock(identityKey(t, syncID))
	defer unlock()
	version, err := w.nextVersion(ctx, t, syncID)
	if errors.Is(err, ErrDeleted) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := w.record(ctx, t, syncID, version, nil, true); err != nil {
		return err
	}
	w.logger.Debug("Local delete captured", "entity_type", t.String(), "sync_id", syncID, "version", version)
	w.changed()
	return nil
}

// Get returns the live local record of an identity.
func (w *Writer) Get(ctx context.Context, t entity.Type, syncID string) (*oversync.MirrorRecord, error) {
	rec, err := w.store.Get(ctx, t, syncID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Deleted {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns the live local records of one type.
func (w *Writer) List(ctx context.Context, t entity.Type) ([]oversync.MirrorRecord, error) {
	return w.store.ListAll(ctx, t)
}

// nextVersion returns the version the next mutation of a live identity must
// carry: one above both the mirror and any tombstone.
func (w *Writer) nextVersion(ctx context.Context, t entity.Type, syncID string) (int64, error) {
	cur, err := w.store.Get(ctx, t, syncID)
	if err != nil {
		return 0, err
	}
	if cur != nil && cur.Deleted {
		return 0, ErrDeleted
	}
	ts, err := w.store.Tombstone(ctx, t, syncID)
	if err != nil {
		return 0, err
	}
	if cur == nil {
		if ts != nil {
			return 0, ErrDeleted
		}
		return 0, ErrNotFound
	}
	version := cur.Version
	if ts != nil && ts.Version > version {
		version = ts.Version
	}
	return version + 1, nil
}

func (w *Writer) record(ctx context.Context, t entity.Type, syncID string, version int64, payload []byte, deleted bool) error {
	now := w.clock.Now()
	rec := &oversync.SyncRecord{
		EntityType: t,
		SyncID:     syncID,
		Version:    version,
		Payload:    payload,
		Deleted:    deleted,
		EnqueuedAt: now,
	}
	mirror := oversync.MirrorRecord{
		EntityType: t,
		SyncID:     syncID,
		Version:    version,
		Payload:    payload,
		Deleted:    deleted,
		UpdatedAt:  now,
	}
	if err := w.store.RecordLocalChange(ctx, rec, mirror); err != nil {
		w.logger.Error("Failed to capture local change", "entity_type", t.String(), "sync_id", syncID, "error", err)
		return fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	return nil
}

func (w *Writer) changed() {
	if w.notify != nil {
		w.notify()
	}
}
