// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
)

// Client is one authenticated replica's view of a Store. It has the method
// set of engine.Remote.
type Client struct {
	store    *Store
	userID   string
	sourceID string
}

// Client returns a view of s bound to userID and device sourceID.
func (s *Store) Client(userID, sourceID string) *Client {
	return &Client{store: s, userID: userID, sourceID: sourceID}
}

func (c *Client) Upsert(ctx context.Context, t entity.Type, syncID string, version int64, payload json.RawMessage) (*oversync.UpsertResponse, error) {
	return c.store.Upsert(ctx, c.userID, c.sourceID, t, syncID, version, payload)
}

func (c *Client) Delete(ctx context.Context, t entity.Type, syncID string, version int64) (*oversync.DeleteResponse, error) {
	return c.store.Delete(ctx, c.userID, c.sourceID, t, syncID, version)
}

// Get returns nil without error when the identity was never written.
func (c *Client) Get(ctx context.Context, t entity.Type, syncID string) (*oversync.RemoteRecord, error) {
	rec, err := c.store.Get(ctx, c.userID, t, syncID)
	if errors.Is(err, oversync.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (c *Client) QueryUpdatedSince(ctx context.Context, t entity.Type, since, until time.Time, limit int) (*oversync.ChangePage, error) {
	return c.store.ChangesSince(ctx, c.userID, t, since, until, limit)
}
