// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remotetest provides an in-memory authoritative record store with the
// same write rules as the Postgres-backed oversync.SyncService, plus hooks for
// injecting failures and concurrent writes in tests.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/google/uuid"
)

// Operation names used by Calls and FailNext.
const (
	OpUpsert  = "upsert"
	OpDelete  = "delete"
	OpGet     = "get"
	OpChanges = "changes"
)

type key struct {
	userID string
	t      entity.Type
	syncID string
}

// Store is an in-memory oversync.RecordStore.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	last     time.Time
	records  map[key]oversync.RemoteRecord
	sources  map[key]string
	calls    map[string]int
	failures map[string][]error

	// AfterChangesQuery, when set, runs after a change query has selected its
	// rows and before the page is returned. The store lock is not held.
	AfterChangesQuery func()
}

var _ oversync.RecordStore = (*Store)(nil)

// NewStore creates an empty store using the wall clock.
func NewStore() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		records:  make(map[key]oversync.RemoteRecord),
		sources:  make(map[key]string),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// SetClock replaces the clock used for update timestamps and server time.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next call of op return err. Calls queue up in order.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Seed stores rec as-is, bypassing validation. Used to plant malformed rows.
func (s *Store) Seed(userID string, rec oversync.RemoteRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.tick()
	}
	s.records[key{userID, rec.EntityType, rec.SyncID}] = rec
}

// Record returns the stored record for an identity.
func (s *Store) Record(userID string, t entity.Type, syncID string) (oversync.RemoteRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key{userID, t, syncID}]
	return rec, ok
}

// Len returns the number of stored rows, tombstones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// tick returns a server timestamp strictly after every one handed out before.
func (s *Store) tick() time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func (s *Store) enter(op string) error {
	s.calls[op]++
	if q := s.failures[op]; len(q) > 0 {
		s.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func validateIdentity(t entity.Type, syncID string) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %s", oversync.ErrUnknownType, t)
	}
	if _, err := uuid.Parse(syncID); err != nil {
		return fmt.Errorf("%w: invalid sync id %q", oversync.ErrBadPayload, syncID)
	}
	return nil
}

// Upsert applies the same version rules as oversync.SyncService.Upsert.
func (s *Store) Upsert(_ context.Context, userID, sourceID string, t entity.Type, syncID string, version int64, payload json.RawMessage) (*oversync.UpsertResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpsert); err != nil {
		return nil, err
	}
	if err := validateIdentity(t, syncID); err != nil {
		return nil, err
	}
	if version < 1 {
		return nil, fmt.Errorf("%w: version must be >= 1, got %d", oversync.ErrBadPayload, version)
	}
	if _, err := entity.Decode(t, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", oversync.ErrBadPayload, err)
	}

	k := key{userID, t, syncID}
	cur, exists := s.records[k]
	write := !exists || cur.Version < version ||
		(cur.Version == version && !cur.Deleted && !jsonEqual(cur.Payload, payload))
	if write {
		cur = oversync.RemoteRecord{
			EntityType: t,
			SyncID:     syncID,
			Version:    version,
			Payload:    append(json.RawMessage(nil), payload...),
			UpdatedAt:  s.tick(),
		}
		s.records[k] = cur
		s.sources[k] = sourceID
	}
	applied := write || (!cur.Deleted && cur.Version == version)
	return &oversync.UpsertResponse{Applied: applied, Record: cur}, nil
}

// Delete tombstones an identity. Deleting an absent identity succeeds.
func (s *Store) Delete(_ context.Context, userID, sourceID string, t entity.Type, syncID string, version int64) (*oversync.DeleteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDelete); err != nil {
		return nil, err
	}
	if err := validateIdentity(t, syncID); err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, fmt.Errorf("%w: version must be >= 0, got %d", oversync.ErrBadPayload, version)
	}

	k := key{userID, t, syncID}
	cur, exists := s.records[k]
	if !exists || !cur.Deleted || cur.Version < version {
		cur = oversync.RemoteRecord{
			EntityType: t,
			SyncID:     syncID,
			Version:    max(cur.Version, version),
			Deleted:    true,
			UpdatedAt:  s.tick(),
		}
		s.records[k] = cur
		s.sources[k] = sourceID
	}
	return &oversync.DeleteResponse{Applied: true, Record: cur}, nil
}

// Get returns the stored record or oversync.ErrNotFound.
func (s *Store) Get(_ context.Context, userID string, t entity.Type, syncID string) (*oversync.RemoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGet); err != nil {
		return nil, err
	}
	if err := validateIdentity(t, syncID); err != nil {
		return nil, err
	}
	rec, ok := s.records[key{userID, t, syncID}]
	if !ok {
		return nil, oversync.ErrNotFound
	}
	return &rec, nil
}

// ChangesSince mirrors oversync.SyncService.ChangesSince without a commit lag.
func (s *Store) ChangesSince(_ context.Context, userID string, t entity.Type, since, until time.Time, limit int) (*oversync.ChangePage, error) {
	page, err := s.changes(userID, t, since, until, limit)
	if err != nil {
		return nil, err
	}
	if s.AfterChangesQuery != nil {
		s.AfterChangesQuery()
	}
	return page, nil
}

func (s *Store) changes(userID string, t entity.Type, since, until time.Time, limit int) (*oversync.ChangePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpChanges); err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %s", oversync.ErrUnknownType, t)
	}
	if limit <= 0 || limit > oversync.MaxChangesLimit {
		limit = oversync.DefaultChangesLimit
	}
	if until.IsZero() {
		// Writes are serialized by mu, so everything stamped so far is
		// visible; later writes are stamped strictly after until.
		until = s.now().UTC().Truncate(time.Microsecond)
		if s.last.After(until) {
			until = s.last
		}
		s.last = until
	}

	var matched []oversync.RemoteRecord
	for k, rec := range s.records {
		if k.userID != userID || k.t != t {
			continue
		}
		if rec.UpdatedAt.After(since) && !rec.UpdatedAt.After(until) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
		return matched[i].SyncID < matched[j].SyncID
	})

	hasMore := len(matched) > limit
	if hasMore {
		end := limit
		// Never split a group of records sharing one timestamp.
		for end < len(matched) && matched[end].UpdatedAt.Equal(matched[limit-1].UpdatedAt) {
			end++
		}
		matched = matched[:end]
	}
	if matched == nil {
		matched = []oversync.RemoteRecord{}
	}
	return &oversync.ChangePage{Records: matched, HasMore: hasMore, ServerTime: until}, nil
}

// EntityTypes lists every supported type.
func (s *Store) EntityTypes() []entity.Type {
	return entity.All
}

// AppName identifies the store in health responses.
func (s *Store) AppName() string {
	return "remotetest"
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return string(ja) == string(jb)
}
