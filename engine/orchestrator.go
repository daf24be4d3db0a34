// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clsan122/fretepro-sync/entity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TriggerReason names what asked for a sync run.
type TriggerReason string

const (
	TriggerStartup      TriggerReason = "startup"
	TriggerManual       TriggerReason = "manual"
	TriggerConnectivity TriggerReason = "connectivity"
	TriggerPeriodic     TriggerReason = "periodic"
	TriggerDeferred     TriggerReason = "deferred"
	TriggerWrite        TriggerReason = "write"
)

// State is the orchestrator's run state.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Report describes one completed (or skipped) sync run.
type Report struct {
	Reason     TriggerReason `json:"reason"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Skipped    bool          `json:"skipped"` // Offline at run start; nothing was attempted
	Push       PushResult    `json:"push"`
	Pull       PullResult    `json:"pull"`
	Pending    int           `json:"pending"` // Unsynced queue entries after the run
}

// Config holds the orchestrator settings.
type Config struct {
	// PeriodicInterval triggers a run on a timer; zero disables the timer.
	PeriodicInterval time.Duration
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration
	// PageSize is the pull page size per request.
	PageSize int
	// DeferredBackstop is the delay of the deferred attempt scheduled when a
	// run leaves records pending; zero disables it.
	DeferredBackstop time.Duration
	// TombstoneRetention is how long local tombstones are kept.
	TombstoneRetention time.Duration
	// QueueRetention is how long synced queue entries are kept; zero keeps
	// them forever.
	QueueRetention time.Duration
	// ImmediatePush triggers a run after every local write.
	ImmediatePush bool
	// EntityTypes are the types pulled, in order. Empty means all types.
	EntityTypes []entity.Type
}

// DefaultConfig returns sensible defaults for a mobile client.
func DefaultConfig() Config {
	return Config{
		PeriodicInterval:   15 * time.Minute,
		CallTimeout:        15 * time.Second,
		PageSize:           500,
		DeferredBackstop:   5 * time.Minute,
		TombstoneRetention: 30 * 24 * time.Hour,
		QueueRetention:     7 * 24 * time.Hour,
		ImmediatePush:      true,
		EntityTypes:        entity.All,
	}
}

// Options carries the collaborators of an Orchestrator. Nil fields get
// defaults: system clock, always online, no deferrer, slog.Default and the
// global tracer provider.
type Options struct {
	Config       Config
	Clock        Clock
	Connectivity Connectivity
	Deferrer     Deferrer
	Logger       *slog.Logger
	Tracer       trace.Tracer
}

type runResult struct {
	report Report
	err    error
}

// Orchestrator serializes push and pull runs on a single worker goroutine and
// feeds it from connectivity edges, a periodic timer, deferred callbacks,
// local writes and manual requests. Triggers arriving while a run is in
// progress coalesce into exactly one follow-up run.
type Orchestrator struct {
	store    LocalStore
	remote   Remote
	cfg      Config
	clock    Clock
	conn     Connectivity
	deferrer Deferrer
	logger   *slog.Logger
	tracer   trace.Tracer

	locks  *keyedMutex
	writer *Writer
	pusher *Pusher
	puller *Puller

	wake  chan struct{}
	state atomic.Int32
	armed atomic.Bool

	mu      sync.Mutex
	reason  TriggerReason
	waiters []chan runResult
	last    *Report
	started bool
	stopped bool
}

// New builds an Orchestrator. Call Run to start its worker.
func New(store LocalStore, remote Remote, opts Options) *Orchestrator {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = entity.All
	}

	o := &Orchestrator{
		store:    store,
		remote:   remote,
		cfg:      cfg,
		clock:    opts.Clock,
		conn:     opts.Connectivity,
		deferrer: opts.Deferrer,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		locks:    newKeyedMutex(),
		wake:     make(chan struct{}, 1),
	}
	if o.clock == nil {
		o.clock = SystemClock()
	}
	if o.conn == nil {
		o.conn = AlwaysOnline()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/Clsan122/fretepro-sync/engine")
	}

	o.writer = &Writer{store: store, locks: o.locks, clock: o.clock, logger: o.logger, notify: o.onWrite}
	o.pusher = &Pusher{
		store:       store,
		remote:      remote,
		locks:       o.locks,
		callTimeout: cfg.CallTimeout,
		logger:      o.logger.With("phase", "push"),
		tracer:      o.tracer,
	}
	o.puller = &Puller{
		store:       store,
		remote:      remote,
		locks:       o.locks,
		types:       cfg.EntityTypes,
		pageSize:    cfg.PageSize,
		callTimeout: cfg.CallTimeout,
		logger:      o.logger.With("phase", "pull"),
		tracer:      o.tracer,
	}
	return o
}

// Writer returns the local write path. It shares identity locks with the
// worker so local writes never interleave with conflict resolution.
func (o *Orchestrator) Writer() *Writer { return o.writer }

// State reports whether a run is in progress.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// LastReport returns the report of the most recent run, if any.
func (o *Orchestrator) LastReport() (Report, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Report{}, false
	}
	return *o.last, true
}

// PendingCount returns the number of local changes not yet confirmed remotely.
func (o *Orchestrator) PendingCount(ctx context.Context) (int, error) {
	return o.store.PendingCount(ctx)
}

// Trigger requests a run without waiting for it. If a run is already
// scheduled the request is merged into it.
func (o *Orchestrator) Trigger(reason TriggerReason) {
	o.mu.Lock()
	if o.reason == "" {
		o.reason = reason
	}
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// SyncNow triggers a run and waits for a run that starts after the call.
// It returns ErrOffline with the skipped report when there was no
// connectivity and ErrStopped when the worker is not running anymore.
func (o *Orchestrator) SyncNow(ctx context.Context) (Report, error) {
	ch := make(chan runResult, 1)
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return Report{}, ErrStopped
	}
	o.waiters = append(o.waiters, ch)
	o.mu.Unlock()

	o.Trigger(TriggerManual)
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case r := <-ch:
		return r.report, r.err
	}
}

// Run is the worker loop. It performs a startup run and then serves
// triggers until ctx is cancelled. Run may be called only once.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()
	defer o.stop()

	var tick <-chan time.Time
	if o.cfg.PeriodicInterval > 0 {
		ticker := o.clock.NewTicker(o.cfg.PeriodicInterval)
		defer ticker.Stop()
		tick = ticker.C()
	}
	edges, unsubscribe := o.conn.Subscribe()
	defer unsubscribe()

	o.logger.Info("Sync worker started", "periodic_interval", o.cfg.PeriodicInterval, "types", len(o.cfg.EntityTypes))
	o.Trigger(TriggerStartup)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Sync worker stopped")
			return nil
		case <-o.wake:
			o.mu.Lock()
			reason := o.reason
			o.reason = ""
			waiters := o.waiters
			o.waiters = nil
			o.mu.Unlock()
			if reason == "" {
				reason = TriggerManual
			}
			report, err := o.runOnce(ctx, reason)
			for _, w := range waiters {
				w <- runResult{report: report, err: err}
			}
		case <-tick:
			o.Trigger(TriggerPeriodic)
		case online := <-edges:
			o.logger.Info("Connectivity changed", "online", online)
			if online {
				o.Trigger(TriggerConnectivity)
			}
		}
	}
}

func (o *Orchestrator) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	for _, w := range o.waiters {
		w <- runResult{err: ErrStopped}
	}
	o.waiters = nil
}

// runOnce executes push then pull then housekeeping. Partial failures are
// counted in the report; only a skipped run returns an error.
func (o *Orchestrator) runOnce(ctx context.Context, reason TriggerReason) (Report, error) {
	o.state.Store(int32(StateRunning))
	defer o.state.Store(int32(StateIdle))

	report := Report{Reason: reason, StartedAt: o.clock.Now()}
	log := o.logger.With("reason", string(reason))

	if !o.conn.Online() {
		report.Skipped = true
		report.Pending = o.pending(ctx)
		report.FinishedAt = o.clock.Now()
		o.finish(report)
		log.Info("Sync skipped; offline", "pending", report.Pending)
		return report, ErrOffline
	}

	ctx, span := o.tracer.Start(ctx, "Orchestrator.run", trace.WithAttributes(attribute.String("sync.reason", string(reason))))
	defer span.End()

	report.Push = o.pusher.Run(ctx)
	report.Pull = o.puller.Run(ctx)
	o.housekeeping(ctx)
	report.Pending = o.pending(ctx)
	report.FinishedAt = o.clock.Now()
	if report.Pending > 0 {
		o.armBackstop()
	}
	o.finish(report)

	span.SetAttributes(attribute.Int("sync.pending", report.Pending))
	log.Info("Sync run finished",
		"pushed", report.Push.Pushed,
		"deleted", report.Push.Deleted,
		"remote_wins", report.Push.RemoteWins,
		"push_failed", report.Push.Failed,
		"pulled", report.Pull.Applied,
		"malformed", report.Pull.Malformed,
		"pull_failed_types", report.Pull.FailedTypes,
		"pending", report.Pending,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

func (o *Orchestrator) finish(report Report) {
	o.mu.Lock()
	o.last = &report
	o.mu.Unlock()
}

func (o *Orchestrator) pending(ctx context.Context) int {
	n, err := o.store.PendingCount(ctx)
	if err != nil {
		o.logger.Warn("Failed to count pending records", "error", err)
		return 0
	}
	return n
}

func (o *Orchestrator) housekeeping(ctx context.Context) {
	now := o.clock.Now()
	if o.cfg.TombstoneRetention > 0 {
		if n, err := o.store.PruneTombstones(ctx, now.Add(-o.cfg.TombstoneRetention)); err != nil {
			o.logger.Warn("Failed to prune tombstones", "error", err)
		} else if n > 0 {
			o.logger.Debug("Pruned tombstones", "count", n)
		}
	}
	if o.cfg.QueueRetention > 0 {
		if n, err := o.store.Compact(ctx, now.Add(-o.cfg.QueueRetention)); err != nil {
			o.logger.Warn("Failed to compact queue", "error", err)
		} else if n > 0 {
			o.logger.Debug("Compacted queue", "count", n)
		}
	}
}

// armBackstop schedules one deferred run; at most one is outstanding.
func (o *Orchestrator) armBackstop() {
	if o.deferrer == nil || o.cfg.DeferredBackstop <= 0 {
		return
	}
	if !o.armed.CompareAndSwap(false, true) {
		return
	}
	o.deferrer.Defer(o.cfg.DeferredBackstop, func() {
		o.armed.Store(false)
		o.Trigger(TriggerDeferred)
	})
}

func (o *Orchestrator) onWrite() {
	if o.cfg.ImmediatePush {
		o.Trigger(TriggerWrite)
	}
}
