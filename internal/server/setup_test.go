package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Clsan122/fretepro-sync/internal/config"
	"github.com/Clsan122/fretepro-sync/internal/remotetest"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg config.ServerConfig, logger *slog.Logger) (*httptest.Server, *oversync.JWTAuth) {
	t.Helper()
	jwtAuth := oversync.NewJWTAuth("server-secret")
	srv := httptest.NewServer(NewHandler(remotetest.NewStore(), jwtAuth, cfg, logger))
	t.Cleanup(srv.Close)
	return srv, jwtAuth
}

func TestDevSigninIssuesUsableToken(t *testing.T) {
	srv, jwtAuth := newTestServer(t, config.ServerConfig{DevSignin: true}, slog.Default())

	body, _ := json.Marshal(signinRequest{User: "user-1", Device: "device-xyz"})
	resp, err := http.Post(srv.URL+"/dev/signin", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out signinResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	claims, err := jwtAuth.ValidateToken(out.Token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-xyz", claims.DeviceID)
	require.True(t, time.Until(claims.ExpiresAt.Time) > 0)

	put, err := http.NewRequest(http.MethodPut, srv.URL+"/sync/clients/"+uuid.NewString(),
		strings.NewReader(`{"version":1,"payload":{"name":"Acme","document":"1"}}`))
	require.NoError(t, err)
	put.Header.Set("Authorization", "Bearer "+out.Token)
	putResp, err := http.DefaultClient.Do(put)
	require.NoError(t, err)
	putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	resp, err = http.Post(srv.URL+"/dev/signin", "application/json", strings.NewReader(`{"user":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDevSigninDisabledByDefault(t *testing.T) {
	srv, _ := newTestServer(t, config.ServerConfig{}, slog.Default())
	resp, err := http.Post(srv.URL+"/dev/signin", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	srv, _ := newTestServer(t, config.ServerConfig{LogRequests: true}, logger)

	resp, err := http.Get(srv.URL + "/sync/clients")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.Contains(t, buf.String(), `"msg":"HTTP request"`)
	require.Contains(t, buf.String(), `"status":401`)
	require.Contains(t, buf.String(), `"path":"/sync/clients"`)
}

func TestSetupServer_Validation(t *testing.T) {
	_, err := SetupServer(context.Background(), config.ServerConfig{DatabaseURL: "postgres://localhost/db"}, nil)
	require.ErrorContains(t, err, "jwt_secret")

	_, err = SetupServer(context.Background(), config.ServerConfig{JWTSecret: "s", DatabaseURL: "://bad"}, nil)
	require.ErrorContains(t, err, "invalid database url")
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), time.Second, slog.Default())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
