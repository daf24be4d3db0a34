package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthContext(t *testing.T) {
	ctx := context.Background()
	_, ok := GetUserID(ctx)
	require.False(t, ok)
	_, ok = GetSourceID(ctx)
	require.False(t, ok)

	ctx = SetAuthContext(ctx, "user-1", "device-1")
	userID, ok := GetUserID(ctx)
	require.True(t, ok)
	require.Equal(t, "user-1", userID)
	sourceID, ok := GetSourceID(ctx)
	require.True(t, ok)
	require.Equal(t, "device-1", sourceID)
}

func TestAuthContext_EmptyValues(t *testing.T) {
	ctx := SetAuthContext(context.Background(), "", "")
	_, ok := GetUserID(ctx)
	require.False(t, ok)
	_, ok = GetSourceID(ctx)
	require.False(t, ok)
}
