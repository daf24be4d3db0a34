package oversync

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Auth & Tenancy Tests (A01-A03)

func TestA01_JWTAuthenticationRequired(t *testing.T) {
	h := NewSyncTestHarness(t)
	id := uuid.NewString()

	// No Authorization header
	_, httpResp := h.DoUpsert("", entity.Client, id, 1, clientJSON("Unauthorized"))
	require.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)
	_, httpResp = h.DoChanges("", entity.Client, nil)
	require.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)

	// Invalid token
	_, httpResp = h.DoUpsert("invalid-jwt-token", entity.Client, id, 1, clientJSON("Unauthorized"))
	require.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)
	_, httpResp = h.DoDelete("invalid-jwt-token", entity.Client, id, 1)
	require.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)

	// Health stays open
	httpResp, _ = h.DoRequest(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	require.Zero(t, h.CountRecords())
}

func TestA02_UserIsolation(t *testing.T) {
	h := NewSyncTestHarness(t)
	id := uuid.NewString()

	resp, _ := h.DoUpsert(h.client1Token, entity.Client, id, 1, clientJSON("Private"))
	require.NotNil(t, resp)
	require.True(t, resp.Applied)

	_, otherToken := h.GenerateJWT()
	_, httpResp := h.DoGet(otherToken, entity.Client, id)
	require.Equal(t, http.StatusNotFound, httpResp.StatusCode)

	page, _ := h.DoChanges(otherToken, entity.Client, nil)
	require.NotNil(t, page)
	require.Empty(t, page.Records)

	// The same identity under another user is an independent record
	other, _ := h.DoUpsert(otherToken, entity.Client, id, 1, clientJSON("Someone else"))
	require.True(t, other.Applied)
	rec, _ := h.DoGet(h.client1Token, entity.Client, id)
	require.JSONEq(t, clientJSON("Private"), string(rec.Payload))
}

func TestA03_DevicesShareUserData(t *testing.T) {
	h := NewSyncTestHarness(t)
	id := uuid.NewString()

	_, _ = h.DoUpsert(h.client1Token, entity.Client, id, 1, clientJSON("From device 1"))
	require.Equal(t, h.client1ID, h.SourceOf(entity.Client, id))

	page, _ := h.DoChanges(h.client2Token, entity.Client, url.Values{"limit": {"10"}})
	require.Len(t, page.Records, 1)
	require.Equal(t, id, page.Records[0].SyncID)

	_, _ = h.DoUpsert(h.client2Token, entity.Client, id, 2, clientJSON("From device 2"))
	require.Equal(t, h.client2ID, h.SourceOf(entity.Client, id))
}
