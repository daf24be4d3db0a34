package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/internal/remotetest"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newHTTPRemote(t *testing.T, store *remotetest.Store, deviceID string) *HTTPRemote {
	t.Helper()
	jwtAuth := oversync.NewJWTAuth("remote-secret")
	mux := http.NewServeMux()
	oversync.NewHTTPSyncHandlers(store, jwtAuth, nil).Register(mux, jwtAuth.Middleware)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewHTTPRemote(srv.URL+"/", func(context.Context) (string, error) {
		return jwtAuth.GenerateToken(testUser, deviceID, time.Hour)
	})
}

func TestHTTPRemote_RoundTrip(t *testing.T) {
	store := remotetest.NewStore()
	remote := newHTTPRemote(t, store, "device-a")
	ctx := context.Background()
	id := uuid.NewString()

	got, err := remote.Get(ctx, entity.Client, id)
	require.NoError(t, err)
	require.Nil(t, got)

	up, err := remote.Upsert(ctx, entity.Client, id, 1, rawClient(t, "Acme"))
	require.NoError(t, err)
	require.True(t, up.Applied)
	require.Equal(t, int64(1), up.Record.Version)

	got, err = remote.Get(ctx, entity.Client, id)
	require.NoError(t, err)
	require.Equal(t, "Acme", decodeClient(t, got.Payload).Name)

	page, err := remote.QueryUpdatedSince(ctx, entity.Client, oversync.Epoch, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.False(t, page.HasMore)
	require.False(t, page.ServerTime.IsZero())

	// The frozen upper bound travels on later pages.
	page, err = remote.QueryUpdatedSince(ctx, entity.Client, oversync.Epoch, page.Records[0].UpdatedAt.Add(-time.Microsecond), 10)
	require.NoError(t, err)
	require.Empty(t, page.Records)

	del, err := remote.Delete(ctx, entity.Client, id, 2)
	require.NoError(t, err)
	require.True(t, del.Record.Deleted)
	got, err = remote.Get(ctx, entity.Client, id)
	require.NoError(t, err)
	require.True(t, got.Deleted)
}

func TestHTTPRemote_Errors(t *testing.T) {
	store := remotetest.NewStore()
	remote := newHTTPRemote(t, store, "device-a")
	ctx := context.Background()

	_, err := remote.Upsert(ctx, entity.Client, uuid.NewString(), 1, json.RawMessage(`{"name":""}`))
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, http.StatusBadRequest, re.Status)
	require.Equal(t, oversync.CodeBadPayload, re.Code)

	store.FailNext(remotetest.OpGet, errors.New("database is down"))
	_, err = remote.Get(ctx, entity.Client, uuid.NewString())
	require.True(t, errors.As(err, &re))
	require.Equal(t, http.StatusInternalServerError, re.Status)

	remote.Token = func(context.Context) (string, error) { return "not-a-token", nil }
	_, err = remote.Get(ctx, entity.Client, uuid.NewString())
	require.True(t, errors.As(err, &re))
	require.Equal(t, http.StatusUnauthorized, re.Status)

	remote.Token = func(context.Context) (string, error) { return "", errors.New("signed out") }
	_, err = remote.Get(ctx, entity.Client, uuid.NewString())
	require.ErrorContains(t, err, "signed out")
}

func TestHTTPRemote_TwoReplicasConverge(t *testing.T) {
	shared := remotetest.NewStore()
	a := newHarness(t)
	b := newHarness(t)
	a.orch = New(a.store, newHTTPRemote(t, shared, "device-a"), Options{Config: a.orch.cfg, Clock: a.clock, Connectivity: a.conn, Tracer: a.orch.tracer})
	b.orch = New(b.store, newHTTPRemote(t, shared, "device-b"), Options{Config: b.orch.cfg, Clock: b.clock, Connectivity: b.conn, Tracer: b.orch.tracer})
	ctx := context.Background()

	id, err := a.writer().Create(ctx, entity.Client, clientPayload("Acme"))
	require.NoError(t, err)
	a.runOnce(t)
	b.runOnce(t)
	require.Equal(t, int64(1), b.mirror(t, entity.Client, id).Version)

	_, err = b.writer().Update(ctx, entity.Client, id, clientPayload("Acme Transportes"))
	require.NoError(t, err)
	b.runOnce(t)
	a.runOnce(t)
	mirror := a.mirror(t, entity.Client, id)
	require.Equal(t, int64(2), mirror.Version)
	require.Equal(t, "Acme Transportes", decodeClient(t, mirror.Payload).Name)

	require.NoError(t, a.writer().Delete(ctx, entity.Client, id))
	a.runOnce(t)
	b.runOnce(t)
	require.Nil(t, b.mirror(t, entity.Client, id))
	require.Zero(t, a.pending(t))
	require.Zero(t, b.pending(t))
}

// rawPageRemote serves one fixed change page for clients and empty pages
// for every other type.
func rawPageRemote(t *testing.T, clientsPage string) *HTTPRemote {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync/{type}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.PathValue("type") == "clients" {
			_, _ = w.Write([]byte(clientsPage))
			return
		}
		_, _ = w.Write([]byte(`{"records":[],"has_more":false,"server_time":"2025-03-01T12:00:00Z"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewHTTPRemote(srv.URL, func(context.Context) (string, error) { return "token", nil })
}

func TestHTTPRemote_BadRecordDoesNotFailPage(t *testing.T) {
	good := uuid.NewString()
	badVersion := uuid.NewString()
	page := `{"records":[
		{"entity_type":"clients","sync_id":"` + good + `","version":1,"payload":{"name":"Acme","document":"1"},"updated_at":"2025-03-01T10:00:00Z"},
		{"entity_type":"clients","sync_id":"` + badVersion + `","version":"two","payload":{"name":"B","document":"2"},"updated_at":"2025-03-01T10:00:01Z"},
		{"entity_type":"trucks","sync_id":"` + uuid.NewString() + `","version":1,"payload":{},"updated_at":"2025-03-01T10:00:02Z"}
	],"has_more":false,"server_time":"2025-03-01T12:00:00Z"}`
	remote := rawPageRemote(t, page)

	got, err := remote.QueryUpdatedSince(context.Background(), entity.Client, oversync.Epoch, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, got.Records, 3)
	require.Equal(t, int64(1), got.Records[0].Version)
	require.Equal(t, badVersion, got.Records[1].SyncID)
	require.Equal(t, int64(-1), got.Records[1].Version)
	require.Equal(t, time.Date(2025, 3, 1, 10, 0, 2, 0, time.UTC), got.Records[2].UpdatedAt.UTC())

	h := newHarness(t, func(o *Options) {
		o.Config.EntityTypes = []entity.Type{entity.Client}
	})
	h.orch = New(h.store, remote, Options{Config: h.orch.cfg, Clock: h.clock, Connectivity: h.conn, Tracer: h.orch.tracer})

	report := h.runOnce(t)
	require.Equal(t, 1, report.Pull.Applied)
	require.Equal(t, 2, report.Pull.Malformed)
	require.Zero(t, report.Pull.FailedTypes)
	require.NotNil(t, h.mirror(t, entity.Client, good))
	require.Nil(t, h.mirror(t, entity.Client, badVersion))

	wm, err := h.store.Watermark(context.Background(), entity.Client)
	require.NoError(t, err)
	require.True(t, wm.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestHTTPRemote_UnreadableTimestampFailsPage(t *testing.T) {
	page := `{"records":[{"entity_type":"clients","sync_id":"` + uuid.NewString() + `","version":1,"updated_at":"yesterday"}],
		"has_more":false,"server_time":"2025-03-01T12:00:00Z"}`
	remote := rawPageRemote(t, page)

	_, err := remote.QueryUpdatedSince(context.Background(), entity.Client, oversync.Epoch, time.Time{}, 10)
	require.ErrorContains(t, err, "record 0 of clients page")
}
