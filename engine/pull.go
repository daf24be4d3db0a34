// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PullResult counts the outcomes of one pull pass over all entity types.
type PullResult struct {
	Applied     int `json:"applied"`      // Remote records written to the mirror
	Ignored     int `json:"ignored"`      // Remote records the local side won against
	Malformed   int `json:"malformed"`    // Records skipped for missing identity or version
	Failed      int `json:"failed"`       // Records that could not be applied locally
	FailedTypes int `json:"failed_types"` // Types whose watermark was not advanced
}

func (r *PullResult) add(o PullResult) {
	r.Applied += o.Applied
	r.Ignored += o.Ignored
	r.Malformed += o.Malformed
	r.Failed += o.Failed
	r.FailedTypes += o.FailedTypes
}

var errMalformed = errors.New("malformed remote record")

// Puller merges remote changes into the mirror, one entity type at a time.
type Puller struct {
	store       LocalStore
	remote      Remote
	locks       *keyedMutex
	types       []entity.Type
	pageSize    int
	callTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Run pulls every configured type. Types are independent: a failure in one
// leaves its watermark in place and does not stop the others.
func (p *Puller) Run(ctx context.Context) PullResult {
	ctx, span := p.tracer.Start(ctx, "Puller.Run")
	defer span.End()

	var total PullResult
	for _, t := range p.types {
		if ctx.Err() != nil {
			total.FailedTypes++
			continue
		}
		res, err := p.pullType(ctx, t)
		if err != nil {
			p.logger.Warn("Pull failed; watermark kept", "entity_type", t.String(), "error", err)
			span.RecordError(err)
			res.FailedTypes++
		}
		total.add(res)
	}
	if total.FailedTypes > 0 {
		span.SetStatus(codes.Error, "pull_incomplete")
	}
	span.SetAttributes(
		attribute.Int("pull.applied", total.Applied),
		attribute.Int("pull.malformed", total.Malformed),
		attribute.Int("pull.failed_types", total.FailedTypes),
	)
	return total
}

// pullType pages through (watermark, until] with until frozen at the server
// time of the first page, then advances the watermark to until. Nothing is
// advanced unless every page was fetched and every record applied.
func (p *Puller) pullType(ctx context.Context, t entity.Type) (PullResult, error) {
	var res PullResult
	since, err := p.store.Watermark(ctx, t)
	if err != nil {
		return res, err
	}

	var until time.Time
	for {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		page, err := p.remote.QueryUpdatedSince(callCtx, t, since, until, p.pageSize)
		cancel()
		if err != nil {
			return res, fmt.Errorf("failed to query changes: %w", err)
		}
		if until.IsZero() {
			if page.ServerTime.IsZero() {
				return res, errors.New("remote page has no server time")
			}
			until = page.ServerTime
		}

		for _, rec := range page.Records {
			applied, err := p.apply(ctx, t, rec)
			switch {
			case err == nil && applied:
				res.Applied++
			case err == nil:
				res.Ignored++
			case errors.Is(err, errMalformed):
				p.logger.Warn("Skipping malformed remote record", "entity_type", t.String(), "sync_id", rec.SyncID, "version", rec.Version, "error", err)
				res.Malformed++
			default:
				p.logger.Warn("Failed to apply remote record", "entity_type", t.String(), "sync_id", rec.SyncID, "error", err)
				res.Failed++
			}
		}
		if len(page.Records) > 0 {
			last := page.Records[len(page.Records)-1].UpdatedAt
			if !page.HasMore || !last.After(since) {
				break
			}
			since = last
			continue
		}
		break
	}

	if res.Failed > 0 {
		return res, fmt.Errorf("%d records failed to apply", res.Failed)
	}
	if err := p.store.AdvanceWatermark(ctx, t, until); err != nil {
		return res, err
	}
	return res, nil
}

// apply merges one remote record under its identity lock and reports whether
// it changed local state.
func (p *Puller) apply(ctx context.Context, t entity.Type, rec oversync.RemoteRecord) (bool, error) {
	if err := validateRemote(t, rec); err != nil {
		return false, err
	}

	unlock := p.locks.Lock(identityKey(t, rec.SyncID))
	defer unlock()

	mirror, err := p.store.Get(ctx, t, rec.SyncID)
	if err != nil {
		return false, err
	}
	if mirror == nil {
		ts, err := p.store.Tombstone(ctx, t, rec.SyncID)
		if err != nil {
			return false, err
		}
		// A deleted identity only comes back with a strictly higher version.
		if ts != nil && rec.Version <= ts.Version {
			return false, nil
		}
	} else if oversync.Resolve(mirror, &rec).Winner == oversync.WinnerLocal {
		// Any unsynced local edit is reconciled by the next push.
		return false, nil
	}
	if err := p.store.ApplyRemote(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

func validateRemote(t entity.Type, rec oversync.RemoteRecord) error {
	switch {
	case rec.Version < 0:
		return fmt.Errorf("%w: unreadable record", errMalformed)
	case rec.SyncID == "":
		return fmt.Errorf("%w: missing sync id", errMalformed)
	case rec.EntityType != t:
		return fmt.Errorf("%w: entity type %s in %s page", errMalformed, rec.EntityType, t)
	case !rec.Deleted && rec.Version == 0:
		return fmt.Errorf("%w: missing version", errMalformed)
	case !rec.Deleted && len(rec.Payload) == 0:
		return fmt.Errorf("%w: missing payload", errMalformed)
	}
	return nil
}
