// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

var (
	// ErrPoolShutdown is returned when submitting work to a pool that has
	// begun shutting down.
	ErrPoolShutdown = errors.New(`workpool: pool shut down`)

	// ErrTaskActive is returned when submitting a task that is already
	// queued or running.
	ErrTaskActive = errors.New(`workpool: task already queued or running`)

	// ErrTaskCancelled is the outcome error of a task cancelled before its
	// body started, when no default result is configured.
	ErrTaskCancelled = errors.New(`workpool: task cancelled`)

	// ErrGoexit is the outcome error of a task whose body ended the worker
	// goroutine via runtime.Goexit.
	ErrGoexit = errors.New(`workpool: task goroutine exited via runtime.Goexit`)

	// ErrNilTask is returned when submitting a nil task.
	ErrNilTask = errors.New(`workpool: nil task`)

	// ErrNilWork is returned by Sync when given a nil work function.
	ErrNilWork = errors.New(`workpool: nil work`)
)

// PanicError wraps a value recovered from a panicking callback or task body.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf(`recovered panic: %v`, e.Value)
}

// Unwrap returns the recovered value when it is itself an error, enabling
// [errors.Is] and [errors.As] matching through the panic.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Pool lifecycle states, guarded by Pool.mu.
const (
	poolRunning int32 = iota
	poolDraining
	poolStopped
)

// Pool executes Tasks on a bounded set of worker goroutines, in FIFO order
// among eligible tasks, with per-key mutual exclusion: at most one task (or
// Sync call) holding a given sync key runs at any time. Admission never
// blocks; the queue is unbounded.
//
// All methods are safe for concurrent use.
type Pool struct {
	logger  *logiface.Logger[logiface.Event]
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Task
	held   map[any]struct{}
	active int
	state  int32
	wg     sync.WaitGroup

	statSubmitted atomic.Uint64
	statCompleted atomic.Uint64
	statCancelled atomic.Uint64
	statPanicked  atomic.Uint64
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	Workers   int
	Backlog   int
	Active    int
	Submitted uint64
	Completed uint64
	Cancelled uint64
	Panicked  uint64
}

// New creates a Pool and starts its workers.
//
// Panics if a non-positive worker count is configured.
func New(opts ...Option) *Pool {
	cfg := poolConfig{workers: DefaultWorkers}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPool(&cfg)
		}
	}
	if cfg.workers < 1 {
		panic(`workpool: worker count must be positive`)
	}
	p := &Pool{
		logger:  cfg.logger,
		workers: cfg.workers,
		held:    make(map[any]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker()
	}
	p.logger.Debug().
		Int(`workers`, p.workers).
		Log(`worker pool started`)
	return p
}

// Submit enqueues a task for asynchronous execution. It never blocks beyond
// the internal bookkeeping lock.
//
// A finished or cancelled task may be resubmitted; its prior outcome is
// cleared and it runs again, notifying its completion callback again.
func (p *Pool) Submit(t *Task) error {
	if t == nil {
		return ErrNilTask
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != poolRunning {
		return ErrPoolShutdown
	}
	if err := t.prepare(); err != nil {
		return err
	}
	p.queue = append(p.queue, t)
	p.statSubmitted.Add(1)
	p.cond.Signal()
	return nil
}

// Sync runs fn on the calling goroutine under the pool's per-key exclusion:
// no task or other Sync call sharing key runs concurrently with it. It
// blocks until the key is free, ctx is done, or the pool stops.
//
// A nil key applies no exclusion; fn runs immediately.
//
// WARNING: calling Sync from a loop callback blocks the loop goroutine for
// the full wait plus execution.
func (p *Pool) Sync(ctx context.Context, key any, fn WorkFunc) (any, error) {
	if fn == nil {
		return nil, ErrNilWork
	}
	if key == nil {
		return runWork(fn)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.state != poolRunning {
			p.mu.Unlock()
			return nil, ErrPoolShutdown
		}
		if _, busy := p.held[key]; !busy {
			break
		}
		p.cond.Wait()
	}
	p.held[key] = struct{}{}
	p.mu.Unlock()

	result, err := runWork(fn)

	p.mu.Lock()
	delete(p.held, key)
	p.cond.Broadcast()
	p.mu.Unlock()
	return result, err
}

// Backlog returns the number of queued-but-not-started tasks.
func (p *Pool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingLocked()
}

// ActiveCount returns the number of currently executing task bodies.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Busy reports whether any task is queued or running.
func (p *Pool) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingLocked() > 0 || p.active > 0
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int { return p.workers }

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	backlog, active := p.pendingLocked(), p.active
	p.mu.Unlock()
	return PoolStats{
		Workers:   p.workers,
		Backlog:   backlog,
		Active:    active,
		Submitted: p.statSubmitted.Load(),
		Completed: p.statCompleted.Load(),
		Cancelled: p.statCancelled.Load(),
		Panicked:  p.statPanicked.Load(),
	}
}

// Shutdown stops accepting work, waits for the queue to drain and all
// running bodies to finish, then returns. If ctx expires first, the
// remaining queued tasks are cancelled (completing per the default-result
// rules) and ctx's error is returned without waiting for running bodies,
// which are never preempted.
//
// Shutdown is idempotent and safe to call concurrently.
func (p *Pool) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.state == poolStopped {
		p.mu.Unlock()
		p.wg.Wait()
		return nil
	}
	if p.state == poolRunning {
		p.state = poolDraining
	}
	p.cond.Broadcast()

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	for p.pendingLocked() > 0 || p.active > 0 {
		if err := ctx.Err(); err != nil {
			p.state = poolStopped
			dropped := p.queue
			p.queue = nil
			p.cond.Broadcast()
			p.mu.Unlock()
			p.cancelAll(dropped)
			p.logger.Debug().
				Int(`dropped`, len(dropped)).
				Log(`pool shutdown expired; queued tasks cancelled`)
			return err
		}
		p.cond.Wait()
	}
	p.state = poolStopped
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Debug().Log(`worker pool shut down`)
	return nil
}

// Close stops accepting work, cancels all queued tasks immediately, and
// waits only for running bodies.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.state == poolStopped {
		p.mu.Unlock()
		p.wg.Wait()
		return nil
	}
	p.state = poolStopped
	dropped := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.cancelAll(dropped)
	p.wg.Wait()
	p.logger.Debug().
		Int(`dropped`, len(dropped)).
		Log(`worker pool closed`)
	return nil
}

// cancelAll cancels tasks outside the pool lock; their completion callbacks
// may call back into the pool.
func (p *Pool) cancelAll(tasks []*Task) {
	for _, t := range tasks {
		if t.Cancel() {
			p.statCancelled.Add(1)
		}
	}
}

// pendingLocked counts queued tasks still eligible to run, skipping entries
// cancelled while waiting. Requires p.mu.
func (p *Pool) pendingLocked() int {
	n := 0
	for _, t := range p.queue {
		if t.state.Load() == taskQueued {
			n++
		}
	}
	return n
}

// takeLocked removes and returns the first queued task whose sync key is not
// held, dropping cancelled entries as it scans. Nil means nothing is
// eligible right now. Requires p.mu.
func (p *Pool) takeLocked() *Task {
	for i := 0; i < len(p.queue); {
		t := p.queue[i]
		if t.state.Load() == taskCancelled {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			continue
		}
		if t.syncKey != nil {
			if _, busy := p.held[t.syncKey]; busy {
				i++
				continue
			}
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		return t
	}
	return nil
}

// worker is the run loop of one pool goroutine. Eligible tasks are executed
// FIFO; the goroutine parks when nothing is runnable and exits once the pool
// stops (immediately on Close, after the queue drains on Shutdown).
func (p *Pool) worker() {
	exited := false
	defer func() {
		if !exited {
			// A task body took the goroutine down via runtime.Goexit. Keep
			// the pool at strength unless it is already stopped.
			p.mu.Lock()
			stopped := p.state == poolStopped
			p.mu.Unlock()
			if !stopped {
				p.wg.Add(1)
				go p.worker()
			}
		}
		p.wg.Done()
	}()

	p.mu.Lock()
	for {
		t := p.takeLocked()
		if t == nil {
			if p.state == poolStopped ||
				(p.state == poolDraining && p.pendingLocked() == 0) {
				break
			}
			p.cond.Wait()
			continue
		}
		if t.syncKey != nil {
			p.held[t.syncKey] = struct{}{}
		}
		p.active++
		p.mu.Unlock()
		p.execute(t)
		p.mu.Lock()
	}
	p.mu.Unlock()
	exited = true
}

// execute runs one claimed task and always releases its bookkeeping (active
// count, sync key), including when the body panics or calls runtime.Goexit.
// The release sits in its own defer, registered first, so a completion
// callback panicking during the recovery path cannot leak it.
func (p *Pool) execute(t *Task) {
	started := t.begin()
	defer func() {
		p.mu.Lock()
		p.active--
		if t.syncKey != nil {
			delete(p.held, t.syncKey)
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	var delivered bool
	defer func() {
		r := recover()
		switch {
		case !started:
			// lost the race to Cancel; nothing ran
		case r != nil && !delivered:
			perr := PanicError{Value: r}
			p.statPanicked.Add(1)
			p.logger.Err().
				Err(perr).
				Log(`task body panicked`)
			p.finishRecovered(t, nil, perr)
			p.statCompleted.Add(1)
		case r != nil:
			// completion callback panicked after the outcome was recorded;
			// the worker survives, the panic is not re-raised
			p.statPanicked.Add(1)
			p.statCompleted.Add(1)
			p.logger.Err().
				Err(PanicError{Value: r}).
				Log(`task completion panicked`)
		case !delivered:
			// runtime.Goexit from the body
			p.finishRecovered(t, nil, ErrGoexit)
			p.statCompleted.Add(1)
		}
	}()
	if !started {
		return
	}
	result, err := t.work()
	delivered = true
	t.finish(result, err)
	p.statCompleted.Add(1)
}

// finishRecovered records an outcome on behalf of a body that never returned
// normally (panic or Goexit). The completion callback can itself panic; that
// panic is contained here rather than escaping the worker's recovery defer.
func (p *Pool) finishRecovered(t *Task, result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.statPanicked.Add(1)
			p.logger.Err().
				Err(PanicError{Value: r}).
				Log(`task completion panicked`)
		}
	}()
	t.finish(result, err)
}

// runWork invokes fn, converting a panic into a PanicError outcome.
func runWork(fn WorkFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, PanicError{Value: r}
		}
	}()
	return fn()
}
