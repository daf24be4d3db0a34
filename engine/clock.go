// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"
)

// Clock supplies time and tickers to the engine.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// Deferrer schedules a best-effort callback after the process may have been
// suspended. It backstops sync attempts; correctness never depends on it.
type Deferrer interface {
	Defer(after time.Duration, fn func())
}

// TimerDeferrer implements Deferrer with in-process timers.
type TimerDeferrer struct{}

// Defer runs fn once after the delay.
func (TimerDeferrer) Defer(after time.Duration, fn func()) {
	time.AfterFunc(after, fn)
}
