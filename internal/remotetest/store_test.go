package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var payload = json.RawMessage(`{"name":"Acme","document":"123"}`)

func TestStore_UpsertVersionRules(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	id := uuid.NewString()

	resp, err := s.Upsert(ctx, "u", "d", entity.Client, id, 2, payload)
	require.NoError(t, err)
	require.True(t, resp.Applied)

	// Replay is a no-op that still reports applied.
	first := resp.Record.UpdatedAt
	resp, err = s.Upsert(ctx, "u", "d", entity.Client, id, 2, payload)
	require.NoError(t, err)
	require.True(t, resp.Applied)
	require.Equal(t, first, resp.Record.UpdatedAt)

	// Lower versions never overwrite.
	resp, err = s.Upsert(ctx, "u", "d", entity.Client, id, 1, json.RawMessage(`{"name":"Old","document":"9"}`))
	require.NoError(t, err)
	require.False(t, resp.Applied)
	require.Equal(t, int64(2), resp.Record.Version)
	require.JSONEq(t, string(payload), string(resp.Record.Payload))
}

func TestStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	id := uuid.NewString()

	resp, err := s.Delete(ctx, "u", "d", entity.Driver, id, 3)
	require.NoError(t, err)
	require.True(t, resp.Applied)
	require.True(t, resp.Record.Deleted)

	resp, err = s.Delete(ctx, "u", "d", entity.Driver, id, 1)
	require.NoError(t, err)
	require.True(t, resp.Applied)
	require.Equal(t, int64(3), resp.Record.Version)

	// A tombstone only yields to a strictly higher version.
	up, err := s.Upsert(ctx, "u", "d", entity.Driver, id, 3, json.RawMessage(`{"name":"Ana","license_number":"1"}`))
	require.NoError(t, err)
	require.False(t, up.Applied)
	up, err = s.Upsert(ctx, "u", "d", entity.Driver, id, 4, json.RawMessage(`{"name":"Ana","license_number":"1"}`))
	require.NoError(t, err)
	require.True(t, up.Applied)
	require.False(t, up.Record.Deleted)
}

func TestStore_ChangesPagingKeepsTimestampGroups(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s.Seed("u", oversync.RemoteRecord{EntityType: entity.Client, SyncID: uuid.NewString(), Version: 1, Payload: payload, UpdatedAt: ts})
	}
	s.Seed("u", oversync.RemoteRecord{EntityType: entity.Client, SyncID: uuid.NewString(), Version: 1, Payload: payload, UpdatedAt: ts.Add(time.Second)})

	page, err := s.ChangesSince(ctx, "u", entity.Client, oversync.Epoch, ts.Add(time.Hour), 2)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Records, 3)

	page, err = s.ChangesSince(ctx, "u", entity.Client, ts, ts.Add(time.Hour), 2)
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Records, 1)
	require.Equal(t, ts.Add(time.Hour), page.ServerTime)
}

func TestStore_FailNext(t *testing.T) {
	s := NewStore()
	boom := errors.New("boom")
	s.FailNext(OpGet, boom)
	c := s.Client("u", "d")

	_, err := c.Get(context.Background(), entity.Client, uuid.NewString())
	require.ErrorIs(t, err, boom)
	rec, err := c.Get(context.Background(), entity.Client, uuid.NewString())
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Equal(t, 2, s.Calls(OpGet))
}
