// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
)

// REST/JSON models for HTTP API requests and responses.
// Records themselves travel as RemoteRecord; pages of changes as ChangePage.

// UpsertRequest is the body of PUT /sync/{type}/{id}
// Note: source_id is derived from JWT did claim, not from request body
type UpsertRequest struct {
	Version int64           `json:"version"` // Version the client asserts for this payload
	Payload json.RawMessage `json:"payload"` // Entity field set
}

// UpsertResponse reports whether the write was applied and the record as stored.
// Applied is false when the server already holds a higher version; Record then
// carries that newer state.
type UpsertResponse struct {
	Applied bool         `json:"applied"`
	Record  RemoteRecord `json:"record"`
}

// DeleteResponse reports the tombstone as stored.
type DeleteResponse struct {
	Applied bool         `json:"applied"`
	Record  RemoteRecord `json:"record"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status      string   `json:"status"`       // healthy, degraded, unhealthy
	Version     string   `json:"version"`      // API version
	AppName     string   `json:"app_name"`     // Application name
	EntityTypes []string `json:"entity_types"` // Types served by this store
}
