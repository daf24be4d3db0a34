// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
)

// APIVersion is reported by the health endpoint.
const APIVersion = "1"

// ClientAuthenticator extracts both user and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// RecordStore is the authoritative record store served over HTTP.
// SyncService implements it on Postgres.
type RecordStore interface {
	Upsert(ctx context.Context, userID, sourceID string, t entity.Type, syncID string, version int64, payload json.RawMessage) (*UpsertResponse, error)
	Delete(ctx context.Context, userID, sourceID string, t entity.Type, syncID string, version int64) (*DeleteResponse, error)
	Get(ctx context.Context, userID string, t entity.Type, syncID string) (*RemoteRecord, error)
	ChangesSince(ctx context.Context, userID string, t entity.Type, since, until time.Time, limit int) (*ChangePage, error)
	EntityTypes() []entity.Type
	AppName() string
}

var _ RecordStore = (*SyncService)(nil)

// HTTPSyncHandlers provides HTTP handlers for the record sync API
type HTTPSyncHandlers struct {
	store         RecordStore
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(store RecordStore, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		store:         store,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register mounts the sync routes on mux. Record routes are wrapped with
// protect (typically JWT middleware); the health route is not.
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	if protect == nil {
		protect = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("PUT /sync/{type}/{id}", protect(http.HandlerFunc(h.HandleUpsert)))
	mux.Handle("DELETE /sync/{type}/{id}", protect(http.HandlerFunc(h.HandleDelete)))
	mux.Handle("GET /sync/{type}/{id}", protect(http.HandlerFunc(h.HandleGet)))
	mux.Handle("GET /sync/{type}", protect(http.HandlerFunc(h.HandleChanges)))
	mux.HandleFunc("GET /health", h.HandleHealth)
}

// HandleUpsert writes one record: PUT /sync/{type}/{id}
func (h *HTTPSyncHandlers) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only PUT method is allowed")
		return
	}
	userID, sourceID, ok := h.identify(w, r)
	if !ok {
		return
	}
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	syncID := r.PathValue("id")

	var req UpsertRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to parse upsert request")
		return
	}

	resp, err := h.store.Upsert(r.Context(), userID, sourceID, t, syncID, req.Version, req.Payload)
	if err != nil {
		h.writeServiceError(w, err, "upsert", t, syncID)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDelete tombstones one record: DELETE /sync/{type}/{id}?version=
func (h *HTTPSyncHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only DELETE method is allowed")
		return
	}
	userID, sourceID, ok := h.identify(w, r)
	if !ok {
		return
	}
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	syncID := r.PathValue("id")

	version := int64(0)
	if vs := r.URL.Query().Get("version"); vs != "" {
		v, err := strconv.ParseInt(vs, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "version must be an integer >= 0")
			return
		}
		version = v
	}

	resp, err := h.store.Delete(r.Context(), userID, sourceID, t, syncID, version)
	if err != nil {
		h.writeServiceError(w, err, "delete", t, syncID)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleGet returns one record, tombstones included: GET /sync/{type}/{id}
func (h *HTTPSyncHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed")
		return
	}
	userID, _, ok := h.identify(w, r)
	if !ok {
		return
	}
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	syncID := r.PathValue("id")

	rec, err := h.store.Get(r.Context(), userID, t, syncID)
	if err != nil {
		h.writeServiceError(w, err, "get", t, syncID)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// HandleChanges pages through records updated in (since, until]:
// GET /sync/{type}?since=&until=&limit=
func (h *HTTPSyncHandlers) HandleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed")
		return
	}
	userID, _, ok := h.identify(w, r)
	if !ok {
		return
	}
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	since := Epoch
	if s := q.Get("since"); s != "" {
		v, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = v
	}

	// Optional frozen upper bound for paging window
	var until time.Time
	if s := q.Get("until"); s != "" {
		v, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "until must be an RFC 3339 timestamp")
			return
		}
		until = v
	}

	limit := DefaultChangesLimit
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be an integer")
			return
		}
		if v < 1 || v > MaxChangesLimit {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	page, err := h.store.ChangesSince(r.Context(), userID, t, since, until, limit)
	if err != nil {
		h.writeServiceError(w, err, "changes", t, "")
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// HandleHealth reports service status: GET /health
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	types := h.store.EntityTypes()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.String())
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{
		Status:      "healthy",
		Version:     APIVersion,
		AppName:     h.store.AppName(),
		EntityTypes: names,
	})
}

const maxRequestBody = 1 << 20

func (h *HTTPSyncHandlers) identify(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return "", "", false
	}
	sourceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return "", "", false
	}
	return userID, sourceID, true
}

func (h *HTTPSyncHandlers) entityType(w http.ResponseWriter, r *http.Request) (entity.Type, bool) {
	t, err := entity.Parse(r.PathValue("type"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, CodeUnknownType, err.Error())
		return 0, false
	}
	return t, true
}

func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, err error, op string, t entity.Type, syncID string) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, CodeNotFound, "record not found")
	case errors.Is(err, ErrUnknownType):
		h.writeError(w, http.StatusNotFound, CodeUnknownType, err.Error())
	case errors.Is(err, ErrBadPayload):
		h.writeError(w, http.StatusBadRequest, CodeBadPayload, err.Error())
	default:
		h.logger.Error("Sync operation failed", "op", op, "entity_type", t.String(), "sync_id", syncID, "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to process "+op)
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
