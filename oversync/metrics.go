// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"log/slog"
	"time"
)

// Operations reported in StageTiming.Operation.
const (
	MetricsOpUpsert  = "upsert"
	MetricsOpDelete  = "delete"
	MetricsOpGet     = "get"
	MetricsOpChanges = "changes"
)

// Stages reported in StageTiming.Stage.
const (
	MetricsStageTotal = "total" // Whole record write or read, retries included
	MetricsStageTx    = "tx"    // One transaction attempt

	MetricsStageChangesWatermark = "watermark" // Reading the server clock for the page bound
	MetricsStageChangesFetch     = "fetch"     // Selecting the page rows, tie extension included
)

// StageTiming is one measured stage of a store operation.
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int // Records touched by the stage
	Attempt   int // Zero-based transaction attempt; zero outside retries
	Error     bool
}

// LogValue renders the timing as a log group.
func (t StageTiming) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("op", t.Operation),
		slog.String("stage", t.Stage),
		slog.Duration("duration", t.Duration),
		slog.Int("count", t.Count),
		slog.Int("attempt", t.Attempt),
		slog.Bool("error", t.Error),
	)
}

// StageMetricsRecorder receives stage timings from a SyncService. It is
// called inline on the request path and must not block.
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// StageMetricsRecorderFunc adapts a function to StageMetricsRecorder.
type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageTimer measures one stage. A zero timer is disabled and records nothing,
// so callers need not check whether timing is configured.
type stageTimer struct {
	svc   *SyncService
	op    string
	stage string
	start time.Time
}

func (s *SyncService) startStage(op, stage string) stageTimer {
	if s == nil || s.config == nil {
		return stageTimer{}
	}
	if s.config.StageMetrics == nil && !s.config.LogStageTimings {
		return stageTimer{}
	}
	return stageTimer{svc: s, op: op, stage: stage, start: time.Now()}
}

// done reports the stage as finished. failed marks the timing as an error.
func (t stageTimer) done(ctx context.Context, count, attempt int, failed bool) {
	if t.svc == nil {
		return
	}
	timing := StageTiming{
		Operation: t.op,
		Stage:     t.stage,
		Duration:  time.Since(t.start),
		Count:     count,
		Attempt:   attempt,
		Error:     failed,
	}
	cfg := t.svc.config
	if cfg.StageMetrics != nil {
		cfg.StageMetrics.ObserveStage(ctx, timing)
	}
	if cfg.LogStageTimings && t.svc.logger != nil {
		t.svc.logger.DebugContext(ctx, "Stage timing", slog.Any("timing", timing))
	}
}
