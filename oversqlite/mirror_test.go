package oversqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMirror_PutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	got, err := s.Get(ctx, entity.Quotation, id)
	require.NoError(t, err)
	require.Nil(t, got)

	rec := oversync.MirrorRecord{EntityType: entity.Quotation, SyncID: id, Version: 1,
		Payload: json.RawMessage(`{"client_id":"c","origin":"SP","destination":"RJ"}`)}
	require.NoError(t, s.Put(ctx, rec))
	rec.Version = 2
	rec.Synced = true
	require.NoError(t, s.Put(ctx, rec))

	got, err = s.Get(ctx, entity.Quotation, id)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.True(t, got.Synced)
	require.False(t, got.UpdatedAt.IsZero())

	// Same identity under another type is a different record.
	other, err := s.Get(ctx, entity.Client, id)
	require.NoError(t, err)
	require.Nil(t, other)

	require.NoError(t, s.Delete(ctx, entity.Quotation, id))
	require.NoError(t, s.Delete(ctx, entity.Quotation, id))
	got, err = s.Get(ctx, entity.Quotation, id)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMirror_ListAllHidesPendingDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := oversync.MirrorRecord{EntityType: entity.Driver, SyncID: uuid.NewString(), Version: 1,
		Payload: json.RawMessage(`{"name":"A","license_number":"1"}`)}
	gone := oversync.MirrorRecord{EntityType: entity.Driver, SyncID: uuid.NewString(), Version: 2, Deleted: true}
	require.NoError(t, s.Put(ctx, live))
	require.NoError(t, s.Put(ctx, gone))

	list, err := s.ListAll(ctx, entity.Driver)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, live.SyncID, list[0].SyncID)

	// Pending deletes stay visible to direct lookups.
	got, err := s.Get(ctx, entity.Driver, gone.SyncID)
	require.NoError(t, err)
	require.True(t, got.Deleted)
}
