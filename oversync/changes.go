// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"fmt"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/jackc/pgx/v5"
)

// ChangesSince returns records of type t updated strictly after since and no
// later than until, oldest first.
//
// until: optional frozen upper bound. If zero, the server clock (minus
// CommitLag) is captured before querying and returned as ServerTime; callers
// paging through a window SHOULD pass the same until across calls.
//
// A page never splits a group of records sharing one updated_at, so paging
// with since = last record's UpdatedAt cannot skip anything.
func (s *SyncService) ChangesSince(ctx context.Context, userID string, t entity.Type, since, until time.Time, limit int) (*ChangePage, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if !t.Valid() || !s.IsTypeServed(t) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if limit <= 0 || limit > MaxChangesLimit {
		limit = DefaultChangesLimit
	}

	if until.IsZero() {
		stage := s.startStage(MetricsOpChanges, MetricsStageChangesWatermark)
		var now time.Time
		err := s.pool.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now)
		stage.done(ctx, 0, 0, err != nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read server clock: %w", err)
		}
		until = now.Add(-s.config.CommitLag)
	}
	until = until.UTC()

	if !since.Before(until) {
		return &ChangePage{Records: []RemoteRecord{}, ServerTime: until}, nil
	}

	fetch := s.startStage(MetricsOpChanges, MetricsStageChangesFetch)
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+`
		FROM sync.sync_records
		WHERE user_id = $1 AND entity_type = $2
		  AND updated_at > $3 AND updated_at <= $4
		ORDER BY updated_at, sync_id
		LIMIT $5`, userID, t.String(), since, until, limit+1)
	if err != nil {
		fetch.done(ctx, 0, 0, true)
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	entities, err := collectRecords(rows)
	if err != nil {
		fetch.done(ctx, 0, 0, true)
		return nil, err
	}

	hasMore := len(entities) > limit
	if hasMore {
		next := entities[limit]
		entities = entities[:limit]
		last := entities[limit-1]
		if next.UpdatedAt.Equal(last.UpdatedAt) {
			// Extend the page through the rest of the timestamp group.
			ties, err := s.pool.Query(ctx, `SELECT `+recordColumns+`
				FROM sync.sync_records
				WHERE user_id = $1 AND entity_type = $2
				  AND updated_at = $3 AND sync_id > $4
				ORDER BY sync_id`, userID, t.String(), last.UpdatedAt, last.SyncID)
			if err != nil {
				return nil, fmt.Errorf("failed to query change ties: %w", err)
			}
			rest, err := collectRecords(ties)
			if err != nil {
				return nil, err
			}
			entities = append(entities, rest...)
		}
	}
	fetch.done(ctx, len(entities), 0, false)

	page := &ChangePage{
		Records:    make([]RemoteRecord, 0, len(entities)),
		HasMore:    hasMore,
		ServerTime: until,
	}
	for _, e := range entities {
		rec, err := e.ToRemoteRecord()
		if err != nil {
			s.logger.Warn("Skipping record with unknown entity type", "entity_type", e.EntityType, "sync_id", e.SyncID)
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func collectRecords(rows pgx.Rows) ([]*SyncRecordEntity, error) {
	defer rows.Close()
	var out []*SyncRecordEntity
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}
