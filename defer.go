// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/go-taskloop/workpool"
)

// ErrorDisposition is returned by a [CompletionFunc] to control how a
// deferred-work error propagates. The zero value keeps the original error in
// force; see [KeepError], [IgnoreError], and [ReplaceError]. On success the
// disposition is ignored.
type ErrorDisposition struct {
	replacement error
	ignore      bool
	replace     bool
}

// KeepError leaves the task's error in force: it is funneled to the handler
// registry and queued for re-raise. Equivalent to the zero value.
func KeepError() ErrorDisposition { return ErrorDisposition{} }

// IgnoreError clears the task's error: it is treated as handled and never
// reaches the handler registry or the pending-error queue.
func IgnoreError() ErrorDisposition { return ErrorDisposition{ignore: true} }

// ReplaceError substitutes a different error, which is funneled and queued
// in place of the original. ReplaceError(nil) degrades to KeepError.
func ReplaceError(err error) ErrorDisposition {
	if err == nil {
		return ErrorDisposition{}
	}
	return ErrorDisposition{replace: true, replacement: err}
}

// apply resolves the effective error after the callback ran.
func (d ErrorDisposition) apply(err error) error {
	switch {
	case err == nil:
		return nil
	case d.ignore:
		return nil
	case d.replace:
		return d.replacement
	default:
		return err
	}
}

// CompletionFunc receives a deferred task's outcome on the driver goroutine,
// during a step. It is invoked on success and failure alike; err is nil on
// success. The returned disposition controls error propagation.
type CompletionFunc func(result any, err error) ErrorDisposition

// deferConfig collects the configuration applied by DeferOptions.
type deferConfig struct {
	callback   CompletionFunc
	syncKey    any
	defValue   any
	hasDefault bool
}

// DeferOption configures a deferred task.
type DeferOption interface {
	applyDefer(*deferConfig)
}

// deferOptionImpl implements DeferOption.
type deferOptionImpl struct {
	applyDeferFunc func(*deferConfig)
}

func (o *deferOptionImpl) applyDefer(cfg *deferConfig) {
	o.applyDeferFunc(cfg)
}

// WithCallback sets the completion callback, delivered on the driver
// goroutine during a future step.
func WithCallback(fn CompletionFunc) DeferOption {
	return &deferOptionImpl{func(cfg *deferConfig) {
		cfg.callback = fn
	}}
}

// WithSyncKey sets the task's sync key: at most one task (or Sync call)
// holding an equal key executes at any time across the pool.
func WithSyncKey(key any) DeferOption {
	return &deferOptionImpl{func(cfg *deferConfig) {
		cfg.syncKey = key
	}}
}

// WithDefaultResult configures a fallback result, substituted as the task
// outcome (with a nil error) if the body never runs, e.g. cancellation
// before dispatch.
func WithDefaultResult(v any) DeferOption {
	return &deferOptionImpl{func(cfg *deferConfig) {
		cfg.defValue = v
		cfg.hasDefault = true
	}}
}

// Defer wraps work in a [workpool.Task] and submits it. The body runs on a
// pool worker, concurrently with the driver; the outcome always crosses back
// onto the driver goroutine via the Once queue, so the completion callback
// (and handler dispatch, absent one) never runs on a worker.
//
// With a callback, its disposition decides whether a task error is funneled
// and queued for re-raise. Without one, any task error is funneled
// unconditionally. If the loop is terminated by the time the outcome lands,
// delivery falls back to logging; the outcome remains queryable on the task.
func (l *Loop) Defer(work workpool.WorkFunc, opts ...DeferOption) (*workpool.Task, error) {
	if work == nil {
		return nil, ErrNilCallback
	}
	if l.closed() {
		return nil, ErrLoopTerminated
	}
	var cfg deferConfig
	for _, opt := range opts {
		if opt != nil {
			opt.applyDefer(&cfg)
		}
	}
	task := l.buildTask(work, &cfg)
	if err := l.pool.Submit(task); err != nil {
		return nil, err
	}
	return task, nil
}

// Async submits work with an explicit completion callback; sugar for Defer
// with [WithCallback] first.
func (l *Loop) Async(work workpool.WorkFunc, callback CompletionFunc, opts ...DeferOption) (*workpool.Task, error) {
	return l.Defer(work, append([]DeferOption{WithCallback(callback)}, opts...)...)
}

// AsyncEvery creates and starts a persistent timer that submits work to the
// pool each period, with at most one outstanding task per registration: a
// tick finding the previous run still queued or running does nothing, and a
// tick finding it finished resubmits it for a fresh run and result delivery.
// Cancel the returned timer to stop the cycle; a run already in flight still
// completes and delivers.
func (l *Loop) AsyncEvery(period time.Duration, work workpool.WorkFunc, callback CompletionFunc, opts ...DeferOption) (*Timer, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if work == nil {
		return nil, ErrNilCallback
	}
	cfg := deferConfig{callback: callback}
	for _, opt := range opts {
		if opt != nil {
			opt.applyDefer(&cfg)
		}
	}
	task := l.buildTask(work, &cfg)
	return l.Every(period, func() error {
		// Submit resets a finished task for re-execution; ErrTaskActive is
		// the still-outstanding guard.
		err := l.pool.Submit(task)
		if errors.Is(err, workpool.ErrTaskActive) {
			return nil
		}
		return err
	})
}

// Sync runs fn on the calling goroutine under the pool's per-key mutual
// exclusion: no task or other Sync call sharing key runs concurrently with
// it. It blocks until the key is free, ctx is done, or the pool stops.
//
// WARNING: calling Sync from a loop callback blocks the driver for the full
// wait plus execution. Documented hazard, not prevented.
func (l *Loop) Sync(ctx context.Context, key any, fn workpool.WorkFunc) (any, error) {
	return l.pool.Sync(ctx, key, fn)
}

// buildTask wraps work so the pool-level completion re-enters the loop via
// Once, marshaling the outcome onto the driver goroutine.
func (l *Loop) buildTask(work workpool.WorkFunc, cfg *deferConfig) *workpool.Task {
	callback := cfg.callback
	var taskOpts []workpool.TaskOption
	if cfg.syncKey != nil {
		taskOpts = append(taskOpts, workpool.WithTaskSyncKey(cfg.syncKey))
	}
	if cfg.hasDefault {
		taskOpts = append(taskOpts, workpool.WithTaskDefaultResult(cfg.defValue))
	}
	taskOpts = append(taskOpts, workpool.WithTaskCompletion(func(result any, err error) {
		deliver := func() error {
			if callback != nil {
				return callback(result, err).apply(err)
			}
			return err
		}
		if onceErr := l.Once(deliver); onceErr != nil {
			// Terminated loop: no step will ever deliver. The outcome stays
			// queryable on the task.
			l.logger.Warning().
				Err(err).
				Log(`deferred outcome dropped: loop terminated`)
		}
	}))
	return workpool.NewTask(work, taskOpts...)
}
