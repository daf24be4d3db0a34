package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/internal/remotetest"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPull_AppliesRemoteChangesAndAdvancesWatermark(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := h.otherReplica()

	a, b := uuid.NewString(), uuid.NewString()
	_, err := other.Upsert(ctx, entity.Client, a, 1, rawClient(t, "A"))
	require.NoError(t, err)
	_, err = other.Upsert(ctx, entity.Client, b, 4, rawClient(t, "B"))
	require.NoError(t, err)

	res := h.orch.puller.Run(ctx)
	require.Equal(t, 2, res.Applied)
	require.Zero(t, res.FailedTypes)
	require.Equal(t, int64(4), h.mirror(t, entity.Client, b).Version)
	require.True(t, h.mirror(t, entity.Client, a).Synced)

	wm, err := h.store.Watermark(ctx, entity.Client)
	require.NoError(t, err)
	require.True(t, wm.After(oversync.Epoch))

	// Nothing new: a second pull applies nothing.
	res = h.orch.puller.Run(ctx)
	require.Zero(t, res.Applied)
	require.Zero(t, res.Ignored)
}

func TestPull_WatermarkNeverSkipsWritesDuringQuery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := h.otherReplica()

	early := uuid.NewString()
	_, err := other.Upsert(ctx, entity.Client, early, 1, rawClient(t, "Early"))
	require.NoError(t, err)

	// A write lands between the query and the watermark advance.
	late := uuid.NewString()
	injected := false
	h.remote.AfterChangesQuery = func() {
		if injected {
			return
		}
		injected = true
		_, err := other.Upsert(ctx, entity.Client, late, 1, rawClient(t, "Late"))
		require.NoError(t, err)
	}

	h.orch.puller.Run(ctx)
	require.NotNil(t, h.mirror(t, entity.Client, early))
	require.Nil(t, h.mirror(t, entity.Client, late))

	h.remote.AfterChangesQuery = nil
	res := h.orch.puller.Run(ctx)
	require.Equal(t, 1, res.Applied)
	require.NotNil(t, h.mirror(t, entity.Client, late))
}

func TestPull_PagesThroughFrozenWindow(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config.PageSize = 2
		o.Config.EntityTypes = []entity.Type{entity.Client}
	})
	ctx := context.Background()
	other := h.otherReplica()
	for i := 0; i < 5; i++ {
		_, err := other.Upsert(ctx, entity.Client, uuid.NewString(), 1, rawClient(t, "Client"))
		require.NoError(t, err)
	}

	res := h.orch.puller.Run(ctx)
	require.Equal(t, 5, res.Applied)
	require.Equal(t, 3, h.remote.Calls(remotetest.OpChanges))

	list, err := h.store.ListAll(ctx, entity.Client)
	require.NoError(t, err)
	require.Len(t, list, 5)
}

func TestPull_SkipsMalformedRecords(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config.EntityTypes = []entity.Type{entity.Client}
	})
	ctx := context.Background()

	good := uuid.NewString()
	h.remote.Seed(testUser, oversync.RemoteRecord{EntityType: entity.Client, SyncID: uuid.NewString(), Version: 0, Payload: rawClient(t, "No version")})
	h.remote.Seed(testUser, oversync.RemoteRecord{EntityType: entity.Client, SyncID: uuid.NewString(), Version: 2})
	h.remote.Seed(testUser, oversync.RemoteRecord{EntityType: entity.Client, SyncID: good, Version: 1, Payload: rawClient(t, "Good")})

	res := h.orch.puller.Run(ctx)
	require.Equal(t, 2, res.Malformed)
	require.Equal(t, 1, res.Applied)
	require.Zero(t, res.FailedTypes)
	require.NotNil(t, h.mirror(t, entity.Client, good))

	// Malformed rows do not hold the watermark back.
	wm, err := h.store.Watermark(ctx, entity.Client)
	require.NoError(t, err)
	require.True(t, wm.After(oversync.Epoch))
}

func TestPull_FailedTypeKeepsWatermark(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config.EntityTypes = []entity.Type{entity.Client, entity.Driver}
	})
	ctx := context.Background()

	driver := uuid.NewString()
	_, err := h.otherReplica().Upsert(ctx, entity.Driver, driver, 1, json.RawMessage(`{"name":"Ana","license_number":"123"}`))
	require.NoError(t, err)
	h.remote.FailNext(remotetest.OpChanges, errors.New("timeout"))

	res := h.orch.puller.Run(ctx)
	require.Equal(t, 1, res.FailedTypes)
	require.Equal(t, 1, res.Applied)

	wm, err := h.store.Watermark(ctx, entity.Client)
	require.NoError(t, err)
	require.Equal(t, oversync.Epoch, wm)
	wm, err = h.store.Watermark(ctx, entity.Driver)
	require.NoError(t, err)
	require.True(t, wm.After(oversync.Epoch))
	require.NotNil(t, h.mirror(t, entity.Driver, driver))
}

func TestPull_HonorsLocalTombstones(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config.EntityTypes = []entity.Type{entity.Client}
	})
	ctx := context.Background()

	id, err := h.writer().Create(ctx, entity.Client, clientPayload("Acme"))
	require.NoError(t, err)
	h.runOnce(t)

	_, err = h.otherReplica().Delete(ctx, entity.Client, id, 2)
	require.NoError(t, err)
	res := h.orch.puller.Run(ctx)
	require.Equal(t, 1, res.Applied)
	require.Nil(t, h.mirror(t, entity.Client, id))
	ts, err := h.store.Tombstone(ctx, entity.Client, id)
	require.NoError(t, err)
	require.Equal(t, int64(2), ts.Version)

	// A stale live copy at the tombstone version is ignored.
	h.remote.Seed(testUser, oversync.RemoteRecord{EntityType: entity.Client, SyncID: id, Version: 2, Payload: rawClient(t, "Stale")})
	res = h.orch.puller.Run(ctx)
	require.Equal(t, 1, res.Ignored)
	require.Nil(t, h.mirror(t, entity.Client, id))

	// A strictly newer version resurrects the record.
	_, err = h.otherReplica().Upsert(ctx, entity.Client, id, 3, rawClient(t, "Back"))
	require.NoError(t, err)
	res = h.orch.puller.Run(ctx)
	require.Equal(t, 1, res.Applied)
	require.Equal(t, int64(3), h.mirror(t, entity.Client, id).Version)
	ts, err = h.store.Tombstone(ctx, entity.Client, id)
	require.NoError(t, err)
	require.Nil(t, ts)
}

func TestPull_MirrorVersionNeverDecreases(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config.EntityTypes = []entity.Type{entity.Client}
	})
	ctx := context.Background()

	id := uuid.NewString()
	_, err := h.otherReplica().Upsert(ctx, entity.Client, id, 5, rawClient(t, "Five"))
	require.NoError(t, err)
	h.orch.puller.Run(ctx)
	require.Equal(t, int64(5), h.mirror(t, entity.Client, id).Version)

	// An older copy served again (for example after a server restore) loses.
	h.remote.Seed(testUser, oversync.RemoteRecord{EntityType: entity.Client, SyncID: id, Version: 3, Payload: rawClient(t, "Three")})
	res := h.orch.puller.Run(ctx)
	require.Equal(t, 1, res.Ignored)

	mirror := h.mirror(t, entity.Client, id)
	require.Equal(t, int64(5), mirror.Version)
	require.Equal(t, "Five", decodeClient(t, mirror.Payload).Name)
}
