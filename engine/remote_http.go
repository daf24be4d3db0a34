// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
)

// RemoteError is a non-2xx answer from the sync server.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned status %d (%s): %s", e.Status, e.Code, e.Message)
}

// HTTPRemote talks to the sync server over its REST API.
type HTTPRemote struct {
	BaseURL string
	// Token returns the bearer token for each request.
	Token func(ctx context.Context) (string, error)
	HTTP  *http.Client
}

// NewHTTPRemote creates a client for baseURL.
func NewHTTPRemote(baseURL string, token func(ctx context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Remote = (*HTTPRemote)(nil)

func (c *HTTPRemote) recordURL(t entity.Type, syncID string) string {
	return c.BaseURL + "/sync/" + t.Endpoint() + "/" + url.PathEscape(syncID)
}

// Upsert sends PUT /sync/{type}/{id}.
func (c *HTTPRemote) Upsert(ctx context.Context, t entity.Type, syncID string, version int64, payload json.RawMessage) (*oversync.UpsertResponse, error) {
	body, err := json.Marshal(&oversync.UpsertRequest{Version: version, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upsert request: %w", err)
	}
	var resp oversync.UpsertResponse
	if err := c.do(ctx, http.MethodPut, c.recordURL(t, syncID), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete sends DELETE /sync/{type}/{id}?version=.
func (c *HTTPRemote) Delete(ctx context.Context, t entity.Type, syncID string, version int64) (*oversync.DeleteResponse, error) {
	u := c.recordURL(t, syncID) + "?version=" + strconv.FormatInt(version, 10)
	var resp oversync.DeleteResponse
	if err := c.do(ctx, http.MethodDelete, u, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get sends GET /sync/{type}/{id}. A missing record is not an error.
func (c *HTTPRemote) Get(ctx context.Context, t entity.Type, syncID string) (*oversync.RemoteRecord, error) {
	var rec oversync.RemoteRecord
	err := c.do(ctx, http.MethodGet, c.recordURL(t, syncID), nil, &rec)
	var re *RemoteError
	if errors.As(err, &re) && re.Status == http.StatusNotFound && re.Code == oversync.CodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// QueryUpdatedSince sends GET /sync/{type}?since=&until=&limit=.
func (c *HTTPRemote) QueryUpdatedSince(ctx context.Context, t entity.Type, since, until time.Time, limit int) (*oversync.ChangePage, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	if !until.IsZero() {
		q.Set("until", until.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var wire changePageWire
	if err := c.do(ctx, http.MethodGet, c.BaseURL+"/sync/"+t.Endpoint()+"?"+q.Encode(), nil, &wire); err != nil {
		return nil, err
	}
	page := &oversync.ChangePage{
		Records:    make([]oversync.RemoteRecord, 0, len(wire.Records)),
		HasMore:    wire.HasMore,
		ServerTime: wire.ServerTime,
	}
	for i, raw := range wire.Records {
		rec, err := decodeRemoteRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d of %s page: %w", i, t, err)
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// changePageWire defers record decoding so one bad record does not fail
// the whole page.
type changePageWire struct {
	Records    []json.RawMessage `json:"records"`
	HasMore    bool              `json:"has_more"`
	ServerTime time.Time         `json:"server_time"`
}

// decodeRemoteRecord decodes one record of a change page. A record whose
// fields do not parse comes back with version -1 so that pull counts it as
// malformed. Its updated_at must still parse, since paging continues from it.
func decodeRemoteRecord(raw json.RawMessage) (oversync.RemoteRecord, error) {
	var rec oversync.RemoteRecord
	if err := json.Unmarshal(raw, &rec); err == nil {
		return rec, nil
	}
	var cursor struct {
		SyncID    json.RawMessage `json:"sync_id"`
		UpdatedAt time.Time       `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return oversync.RemoteRecord{}, fmt.Errorf("unreadable record: %w", err)
	}
	bad := oversync.RemoteRecord{Version: -1, UpdatedAt: cursor.UpdatedAt}
	_ = json.Unmarshal(cursor.SyncID, &bad.SyncID)
	return bad, nil
}

func (c *HTTPRemote) do(ctx context.Context, method, u string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		re := &RemoteError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var er oversync.ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			re.Code = er.Error
			re.Message = er.Message
		}
		return re
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}
