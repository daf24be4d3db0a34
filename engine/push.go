// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/Clsan122/fretepro-sync/oversync"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PushResult counts the outcomes of one push pass.
type PushResult struct {
	Pushed     int `json:"pushed"`      // Upserts the remote applied
	Deleted    int `json:"deleted"`     // Remote deletes confirmed
	RemoteWins int `json:"remote_wins"` // Local edits superseded by a newer remote version
	Superseded int `json:"superseded"`  // Queue entries made obsolete by a later local state
	Failed     int `json:"failed"`      // Entries left unsynced for the next run
}

// Pusher drains the durable queue against the remote store.
type Pusher struct {
	store       LocalStore
	remote      Remote
	locks       *keyedMutex
	callTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Run makes one pass over the unsynced queue. Per-record failures are logged
// and counted; they never abort the pass.
func (p *Pusher) Run(ctx context.Context) PushResult {
	ctx, span := p.tracer.Start(ctx, "Pusher.Run")
	defer span.End()

	var res PushResult
	pending, err := p.store.ListUnsynced(ctx, nil)
	if err != nil {
		// Nothing to sync this time; the next trigger retries.
		p.logger.Warn("Failed to list unsynced records", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "list_unsynced_failed")
		return res
	}

	// Only the newest entry per identity is delivered; it carries the full
	// current field set, so older entries are obsolete.
	newest := make(map[string]int, len(pending))
	for i, rec := range pending {
		newest[identityKey(rec.EntityType, rec.SyncID)] = i
	}

	for i, rec := range pending {
		if ctx.Err() != nil {
			res.Failed += len(pending) - i
			break
		}
		if newest[identityKey(rec.EntityType, rec.SyncID)] != i {
			p.markSuperseded(ctx, rec, &res)
			continue
		}
		if rec.Deleted {
			p.pushDelete(ctx, rec, &res)
		} else {
			p.pushUpsert(ctx, rec, &res)
		}
	}

	span.SetAttributes(
		attribute.Int("push.records", len(pending)),
		attribute.Int("push.pushed", res.Pushed),
		attribute.Int("push.deleted", res.Deleted),
		attribute.Int("push.failed", res.Failed),
	)
	return res
}

func (p *Pusher) pushUpsert(ctx context.Context, rec oversync.SyncRecord, res *PushResult) {
	log := p.logger.With("entity_type", rec.EntityType.String(), "sync_id", rec.SyncID, "version", rec.Version)
	key := identityKey(rec.EntityType, rec.SyncID)

	if stale, err := p.isStale(ctx, rec); err != nil {
		log.Warn("Failed to read local state", "error", err)
		res.Failed++
		return
	} else if stale {
		p.markSuperseded(ctx, rec, res)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	remote, err := p.remote.Get(callCtx, rec.EntityType, rec.SyncID)
	cancel()
	if err != nil {
		log.Warn("Failed to fetch remote record", "error", err)
		res.Failed++
		return
	}

	unlock := p.locks.Lock(key)
	mirror, err := p.store.Get(ctx, rec.EntityType, rec.SyncID)
	if err != nil {
		unlock()
		log.Warn("Failed to read mirror record", "error", err)
		res.Failed++
		return
	}
	if mirror != nil && mirror.Version > rec.Version {
		unlock()
		p.markSuperseded(ctx, rec, res)
		return
	}
	local := &oversync.MirrorRecord{EntityType: rec.EntityType, SyncID: rec.SyncID, Version: rec.Version, Payload: rec.Payload}
	if oversync.Resolve(local, remote).Winner == oversync.WinnerRemote {
		err := p.store.ApplyRemote(ctx, *remote, rec.ID)
		unlock()
		if err != nil {
			log.Warn("Failed to apply winning remote record", "remote_version", remote.Version, "error", err)
			res.Failed++
			return
		}
		log.Debug("Remote version wins over local edit", "remote_version", remote.Version, "remote_deleted", remote.Deleted)
		res.RemoteWins++
		return
	}
	unlock()

	callCtx, cancel = context.WithTimeout(ctx, p.callTimeout)
	resp, err := p.remote.Upsert(callCtx, rec.EntityType, rec.SyncID, rec.Version, rec.Payload)
	cancel()
	if err != nil {
		log.Warn("Failed to upsert remote record", "error", err)
		res.Failed++
		return
	}

	unlock = p.locks.Lock(key)
	defer unlock()
	if resp.Applied {
		if err := p.store.MarkPushed(ctx, rec.ID, rec.EntityType, rec.SyncID, rec.Version); err != nil {
			log.Warn("Failed to mark record pushed", "error", err)
			res.Failed++
			return
		}
		res.Pushed++
		return
	}

	// The remote refused the write: it holds a higher version or a tombstone
	// at this version. Adopt its state unless a newer local edit arrived
	// meanwhile; that edit is delivered on its own.
	mirror, err = p.store.Get(ctx, rec.EntityType, rec.SyncID)
	if err != nil {
		log.Warn("Failed to read mirror record", "error", err)
		res.Failed++
		return
	}
	if mirror != nil && mirror.Version > resp.Record.Version {
		p.markSuperseded(ctx, rec, res)
		return
	}
	if err := p.store.ApplyRemote(ctx, resp.Record, rec.ID); err != nil {
		log.Warn("Failed to apply remote record after rejected upsert", "error", err)
		res.Failed++
		return
	}
	log.Debug("Remote rejected upsert; adopted remote state", "remote_version", resp.Record.Version, "remote_deleted", resp.Record.Deleted)
	res.RemoteWins++
}

func (p *Pusher) pushDelete(ctx context.Context, rec oversync.SyncRecord, res *PushResult) {
	log := p.logger.With("entity_type", rec.EntityType.String(), "sync_id", rec.SyncID, "version", rec.Version)

	if stale, err := p.isStale(ctx, rec); err != nil {
		log.Warn("Failed to read local state", "error", err)
		res.Failed++
		return
	} else if stale {
		p.markSuperseded(ctx, rec, res)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	resp, err := p.remote.Delete(callCtx, rec.EntityType, rec.SyncID, rec.Version)
	cancel()
	if err != nil {
		log.Warn("Failed to delete remote record", "error", err)
		res.Failed++
		return
	}

	unlock := p.locks.Lock(identityKey(rec.EntityType, rec.SyncID))
	defer unlock()
	tomb := resp.Record
	tomb.Deleted = true
	if tomb.Version < rec.Version {
		tomb.Version = rec.Version
	}
	mirror, err := p.store.Get(ctx, rec.EntityType, rec.SyncID)
	if err != nil {
		log.Warn("Failed to read mirror record", "error", err)
		res.Failed++
		return
	}
	if mirror != nil && !mirror.Deleted && mirror.Version > tomb.Version {
		// A newer remote version was pulled while the delete was in flight.
		p.markSuperseded(ctx, rec, res)
		return
	}
	if err := p.store.ApplyRemote(ctx, tomb, rec.ID); err != nil {
		log.Warn("Failed to finalize local delete", "error", err)
		res.Failed++
		return
	}
	res.Deleted++
}

// isStale reports whether local state has already moved past rec, through a
// later local edit or an applied remote version, so delivering it would
// regress the remote.
func (p *Pusher) isStale(ctx context.Context, rec oversync.SyncRecord) (bool, error) {
	mirror, err := p.store.Get(ctx, rec.EntityType, rec.SyncID)
	if err != nil {
		return false, err
	}
	if mirror != nil {
		return mirror.Version > rec.Version, nil
	}
	ts, err := p.store.Tombstone(ctx, rec.EntityType, rec.SyncID)
	if err != nil {
		return false, err
	}
	if ts != nil {
		// A delete at the tombstone's own version is a replay, not stale.
		if rec.Deleted {
			return ts.Version > rec.Version, nil
		}
		return ts.Version >= rec.Version, nil
	}
	return false, nil
}

func (p *Pusher) markSuperseded(ctx context.Context, rec oversync.SyncRecord, res *PushResult) {
	if err := p.store.MarkSynced(ctx, rec.ID); err != nil {
		p.logger.Warn("Failed to mark superseded record synced", "id", rec.ID, "error", err)
		res.Failed++
		return
	}
	res.Superseded++
}
