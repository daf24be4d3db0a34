// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withTxRetry runs fn in a transaction, retrying transient lock failures.
func (s *SyncService) withTxRetry(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	backoff := 10 * time.Millisecond
	for attempt := 0; ; attempt++ {
		stage := s.startStage(op, MetricsStageTx)
		err := pgx.BeginFunc(ctx, s.pool, fn)
		stage.done(ctx, 1, attempt, err != nil)
		if err == nil {
			return nil
		}
		if attempt >= s.config.MaxTxRetries || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Debug("Retrying transaction", "op", op, "attempt", attempt+1, "error", err)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
}
