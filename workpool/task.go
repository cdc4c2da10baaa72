package workpool

import (
	"context"
	"sync"
	"sync/atomic"
)

// WorkFunc is the body of a deferred unit of work. It runs on a pool worker
// goroutine (or, for [Pool.Sync], on the calling goroutine) and reports its
// outcome as a result value and an error.
type WorkFunc func() (any, error)

// Task states. A task moves pending -> queued -> running -> finished, or is
// cancelled before its body starts. A finished or cancelled task may be
// resubmitted, which resets it to queued for a fresh run.
const (
	taskPending int32 = iota
	taskQueued
	taskRunning
	taskFinished
	taskCancelled
)

// Task is a unit of deferred work. It carries the work body, an optional
// completion callback, an optional sync key, and an optional default result
// substituted when the body never runs.
//
// A Task is safe for concurrent use. The completion callback is invoked
// exactly once per run: on the executing worker goroutine after the body
// returns, or on the cancelling goroutine when [Task.Cancel] wins before the
// body starts.
type Task struct {
	work       WorkFunc
	completion func(result any, err error)
	syncKey    any
	defValue   any
	hasDefault bool

	state atomic.Int32

	// mu guards the outcome fields and the done channel rotation.
	mu          sync.Mutex
	done        chan struct{}
	result      any
	err         error
	usedDefault bool
}

// NewTask creates a Task wrapping work.
//
// Panics if work is nil.
func NewTask(work WorkFunc, opts ...TaskOption) *Task {
	if work == nil {
		panic(`workpool: nil work`)
	}
	t := &Task{
		work: work,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyTask(t)
		}
	}
	return t
}

// Finished reports whether the most recent run of the body completed.
func (t *Task) Finished() bool { return t.state.Load() == taskFinished }

// Cancelled reports whether the task was cancelled before its body started.
func (t *Task) Cancelled() bool { return t.state.Load() == taskCancelled }

// SyncKey returns the task's sync key, or nil.
func (t *Task) SyncKey() any { return t.syncKey }

// Result returns the result of the most recent completed run. It is the
// default result when the body never ran and a default was configured.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the error of the most recent completed run, nil on success.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// UsedDefault reports whether the body never ran and the configured default
// result was substituted as the outcome.
func (t *Task) UsedDefault() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usedDefault
}

// Cancel cancels the task if its body has not started, and reports whether
// it did so. A cancelled task completes immediately, on the calling
// goroutine: with (default result, nil error) when a default is configured,
// with (nil, [ErrTaskCancelled]) otherwise. Cancelling a running or already
// completed task returns false and has no effect.
func (t *Task) Cancel() bool {
	if !t.state.CompareAndSwap(taskPending, taskCancelled) &&
		!t.state.CompareAndSwap(taskQueued, taskCancelled) {
		return false
	}
	if t.hasDefault {
		t.complete(t.defValue, nil, true)
	} else {
		t.complete(nil, ErrTaskCancelled, false)
	}
	return true
}

// Wait blocks until the current run of the task completes, or ctx is done.
// It returns ctx.Err() in the latter case, nil otherwise; the task outcome
// itself is reported by [Task.Result] and [Task.Err].
func (t *Task) Wait(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare transitions the task to queued for a (re)submission. Completed
// runs are reset: the outcome is cleared and the done channel is rotated so
// a later Wait observes the new run.
func (t *Task) prepare() error {
	if t.state.CompareAndSwap(taskPending, taskQueued) {
		return nil
	}
	if t.state.CompareAndSwap(taskFinished, taskQueued) ||
		t.state.CompareAndSwap(taskCancelled, taskQueued) {
		t.mu.Lock()
		t.result = nil
		t.err = nil
		t.usedDefault = false
		t.done = make(chan struct{})
		t.mu.Unlock()
		return nil
	}
	return ErrTaskActive
}

// begin transitions queued -> running. False means a concurrent Cancel won;
// the caller must drop the task without running it.
func (t *Task) begin() bool {
	return t.state.CompareAndSwap(taskQueued, taskRunning)
}

// finish records the outcome of a run of the body. The state is stored
// before completion so callbacks and waiters observe Finished as true.
func (t *Task) finish(result any, err error) {
	t.state.Store(taskFinished)
	t.complete(result, err, false)
}

// complete records the outcome of the current run, releases waiters, and
// invokes the completion callback. The state transition guarding each run
// (begin or Cancel) guarantees exactly one complete per run.
func (t *Task) complete(result any, err error, usedDefault bool) {
	t.mu.Lock()
	t.result = result
	t.err = err
	t.usedDefault = usedDefault
	done := t.done
	t.mu.Unlock()
	close(done)
	if t.completion != nil {
		t.completion(result, err)
	}
}
