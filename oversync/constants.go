// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

// Error codes carried in ErrorResponse.Error
const (
	CodeMethodNotAllowed = "method_not_allowed"
	CodeAuthFailed       = "authentication_failed"
	CodeInvalidRequest   = "invalid_request"
	CodeBadPayload       = "bad_payload"
	CodeUnknownType      = "unknown_entity_type"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal_error"
)

// Paging limits for change queries
const (
	DefaultChangesLimit = 500
	MaxChangesLimit     = 1000
)
