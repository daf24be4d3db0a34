package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/internal/remotetest"
	"github.com/Clsan122/fretepro-sync/oversqlite"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

const testUser = "user-1"

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Tick fires every live ticker once.
func (c *fakeClock) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		select {
		case t.ch <- c.now:
		default:
		}
	}
}

func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

type fakeTicker struct {
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped = true }

type fakeDeferrer struct {
	mu    sync.Mutex
	calls []time.Duration
	fns   []func()
}

func (d *fakeDeferrer) Defer(after time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, after)
	d.fns = append(d.fns, fn)
}

func (d *fakeDeferrer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// Fire runs and clears every scheduled callback.
func (d *fakeDeferrer) Fire() {
	d.mu.Lock()
	fns := d.fns
	d.fns = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type harness struct {
	store  *oversqlite.Store
	remote *remotetest.Store
	conn   *ManualConnectivity
	clock  *fakeClock
	orch   *Orchestrator
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	store, err := oversqlite.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:  store,
		remote: remotetest.NewStore(),
		conn:   NewManualConnectivity(true),
		clock:  newFakeClock(),
	}
	cfg := DefaultConfig()
	cfg.PeriodicInterval = 0
	cfg.DeferredBackstop = 0
	cfg.ImmediatePush = false
	cfg.CallTimeout = 5 * time.Second
	opts := Options{
		Config:       cfg,
		Clock:        h.clock,
		Connectivity: h.conn,
		Tracer:       noop.NewTracerProvider().Tracer("test"),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	h.orch = New(store, h.remote.Client(testUser, "device-a"), opts)
	return h
}

func (h *harness) writer() *Writer { return h.orch.Writer() }

// otherReplica is a second device of the same user writing straight to the remote.
func (h *harness) otherReplica() *remotetest.Client {
	return h.remote.Client(testUser, "device-b")
}

func (h *harness) runOnce(t *testing.T) Report {
	t.Helper()
	report, err := h.orch.runOnce(context.Background(), TriggerManual)
	require.NoError(t, err)
	return report
}

func (h *harness) mirror(t *testing.T, et entity.Type, syncID string) *oversync.MirrorRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), et, syncID)
	require.NoError(t, err)
	return rec
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.store.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}

func clientPayload(name string) *entity.ClientPayload {
	return &entity.ClientPayload{Name: name, Document: "12.345.678/0001-90"}
}

func rawClient(t *testing.T, name string) json.RawMessage {
	t.Helper()
	raw, err := entity.Encode(entity.Client, clientPayload(name))
	require.NoError(t, err)
	return raw
}

func decodeClient(t *testing.T, raw json.RawMessage) *entity.ClientPayload {
	t.Helper()
	p, err := entity.Decode(entity.Client, raw)
	require.NoError(t, err)
	return p.(*entity.ClientPayload)
}
