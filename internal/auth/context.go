// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	sourceIDKey contextKey = "source_id"
	userIDKey   contextKey = "user_id"
)

// SetSourceID sets the device (source) ID in the context
func SetSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// GetSourceID retrieves the device (source) ID from the context
func GetSourceID(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(sourceIDKey).(string)
	return sourceID, ok && sourceID != ""
}

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

// SetAuthContext sets both user and source ID in context
func SetAuthContext(ctx context.Context, userID, sourceID string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetSourceID(ctx, sourceID)
	return ctx
}
