// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Connectivity reports whether the remote store is reachable and notifies
// subscribers of online/offline edges.
type Connectivity interface {
	Online() bool
	// Subscribe returns a channel receiving the new state on every edge and
	// a function that cancels the subscription. Slow subscribers only see
	// the latest state.
	Subscribe() (<-chan bool, func())
}

// ManualConnectivity is a Connectivity whose state is set by its owner, for
// example from a platform network callback.
type ManualConnectivity struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	next   int
}

// NewManualConnectivity creates a notifier in the given initial state.
func NewManualConnectivity(online bool) *ManualConnectivity {
	return &ManualConnectivity{online: online, subs: make(map[int]chan bool)}
}

// AlwaysOnline returns a notifier that is online and never changes.
func AlwaysOnline() *ManualConnectivity { return NewManualConnectivity(true) }

// Online reports the current state.
func (m *ManualConnectivity) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set changes the state and notifies subscribers on an edge.
func (m *ManualConnectivity) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	for _, ch := range m.subs {
		// Replace an unread state with the latest one.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe registers for edge notifications.
func (m *ManualConnectivity) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	ch := make(chan bool, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// ProbeConnectivity derives connectivity from periodic GETs of a health URL.
type ProbeConnectivity struct {
	*ManualConnectivity
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewProbeConnectivity probes url every interval once Run is called. The
// state starts offline until the first probe answers.
func NewProbeConnectivity(url string, interval time.Duration, client *http.Client, logger *slog.Logger) *ProbeConnectivity {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ProbeConnectivity{
		ManualConnectivity: NewManualConnectivity(false),
		url:                url,
		interval:           interval,
		client:             client,
		logger:             logger,
	}
}

// Run probes until ctx is cancelled.
func (p *ProbeConnectivity) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.Set(p.Probe(ctx))
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Probe performs one health check.
func (p *ProbeConnectivity) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Warn("Invalid health probe URL", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Health probe failed", "url", p.url, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
