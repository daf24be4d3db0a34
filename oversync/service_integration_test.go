package oversync_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresService(t *testing.T) *oversync.SyncService {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("fretesync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := oversync.DefaultServiceConfig("fretesync-integration-test")
	cfg.CommitLag = 0
	svc, err := oversync.NewSyncService(pool, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestSyncService_Postgres(t *testing.T) {
	svc := setupPostgresService(t)
	ctx := context.Background()
	id := uuid.NewString()
	v1 := json.RawMessage(`{"name":"Acme","document":"1"}`)
	v2 := json.RawMessage(`{"name":"Acme Ltda","document":"1"}`)

	t.Run("upsert is idempotent and never regresses", func(t *testing.T) {
		resp, err := svc.Upsert(ctx, "u1", "d1", entity.Client, id, 1, v1)
		require.NoError(t, err)
		require.True(t, resp.Applied)

		replay, err := svc.Upsert(ctx, "u1", "d1", entity.Client, id, 1, v1)
		require.NoError(t, err)
		require.True(t, replay.Applied)
		require.True(t, replay.Record.UpdatedAt.Equal(resp.Record.UpdatedAt))

		resp, err = svc.Upsert(ctx, "u1", "d2", entity.Client, id, 2, v2)
		require.NoError(t, err)
		require.True(t, resp.Applied)

		stale, err := svc.Upsert(ctx, "u1", "d1", entity.Client, id, 1, v1)
		require.NoError(t, err)
		require.False(t, stale.Applied)
		require.Equal(t, int64(2), stale.Record.Version)
		require.JSONEq(t, string(v2), string(stale.Record.Payload))
	})

	t.Run("records are scoped per user", func(t *testing.T) {
		_, err := svc.Get(ctx, "u2", entity.Client, id)
		require.ErrorIs(t, err, oversync.ErrNotFound)
	})

	t.Run("delete keeps a tombstone and is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp, err := svc.Delete(ctx, "u1", "d1", entity.Client, id, 3)
			require.NoError(t, err)
			require.True(t, resp.Applied)
			require.True(t, resp.Record.Deleted)
			require.Equal(t, int64(3), resp.Record.Version)
		}
		absent, err := svc.Delete(ctx, "u1", "d1", entity.Client, uuid.NewString(), 1)
		require.NoError(t, err)
		require.True(t, absent.Applied)

		rec, err := svc.Get(ctx, "u1", entity.Client, id)
		require.NoError(t, err)
		require.True(t, rec.Deleted)

		resp, err := svc.Upsert(ctx, "u1", "d1", entity.Client, id, 3, v1)
		require.NoError(t, err)
		require.False(t, resp.Applied)
	})

	t.Run("changes page through a frozen window", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, err := svc.Upsert(ctx, "u3", "d1", entity.Quotation, uuid.NewString(), 1,
				json.RawMessage(`{"client_id":"c","origin":"SP","destination":"RJ","weight_kg":1,"price_cents":100,"accepted":false}`))
			require.NoError(t, err)
		}

		since := oversync.Epoch
		var until time.Time
		seen := 0
		for {
			page, err := svc.ChangesSince(ctx, "u3", entity.Quotation, since, until, 2)
			require.NoError(t, err)
			if until.IsZero() {
				until = page.ServerTime
			}
			require.True(t, page.ServerTime.Equal(until))
			seen += len(page.Records)
			if len(page.Records) > 0 {
				since = page.Records[len(page.Records)-1].UpdatedAt
			}
			if !page.HasMore {
				break
			}
		}
		require.Equal(t, 5, seen)
	})
}
