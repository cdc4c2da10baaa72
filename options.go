// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-taskloop/workpool"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	clock          func() time.Time
	pool           *workpool.Pool
	metricsEnabled bool
	errorLogRates  map[time.Duration]int
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions)
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions)
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) {
	l.applyLoopFunc(opts)
}

// WithLogger sets the logger used for loop lifecycle traces and the
// rate-limited unhandled-error log. A nil logger disables logging.
//
// **Defaults to nil**.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) {
		opts.logger = logger
	}}
}

// WithClock sets the time source used by Step, Exec, Steps, WaitFor, and
// timer bookkeeping. Tests use it to drive the loop on simulated time via
// [Loop.StepAt].
//
// **Defaults to [time.Now]**.
func WithClock(clock func() time.Time) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) {
		opts.clock = clock
	}}
}

// WithPool sets the worker pool used for Defer, Async, AsyncEvery, and Sync.
// The loop takes ownership: Shutdown drains and stops the pool.
//
// **Defaults to a new pool with [workpool.DefaultWorkers] workers**.
func WithPool(pool *workpool.Pool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) {
		opts.pool = pool
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, a snapshot can be accessed via [Loop.Metrics].
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) {
		opts.metricsEnabled = enabled
	}}
}

// WithErrorLogRates overrides the rate limits applied to the unhandled-error
// log, keyed per error message. See [github.com/joeycumines/go-catrate] for
// the rate map semantics; New panics if the rates are invalid.
//
// **Defaults to 5 per second and 60 per minute**.
func WithErrorLogRates(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) {
		opts.errorLogRates = rates
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) *loopOptions {
	cfg := &loopOptions{
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		opt.applyLoop(cfg)
	}
	return cfg
}
