package taskloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-taskloop/workpool"
)

// Callback is a unit of work executed on the driver goroutine. A non-nil
// return is funneled through the error-handler registry and queued for
// re-raise, exactly like a recovered panic.
type Callback func() error

// Loop is a single-threaded reactor: queued callbacks, timer fires, and
// per-step callbacks all execute strictly sequentially on whichever
// goroutine is currently driving the loop, never concurrently.
//
// Mutators (Once, Every, Defer, Timer.Cancel, Stop, HandleError, ...) are
// safe from any goroutine at any time. Each step snapshots the due work
// under the mutex and executes it outside, so callbacks may safely call back
// into the loop without deadlocking or corrupting the in-progress pass.
//
// Drivers are exclusive: a second goroutine calling Step, Exec, Steps, or
// WaitFor while one is active gets [ErrAlreadyRunning], and a loop callback
// calling back into a driver gets [ErrReentrantStep].
type Loop struct {
	// Prevent copying
	_ [0]func()

	logger  *logiface.Logger[logiface.Event]
	clock   func() time.Time
	pool    *workpool.Pool
	errLog  *errorLogSink
	metrics *metrics

	state     loopState
	driverGID atomic.Uint64

	// stop requests the active driver exit; consumed when a driver starts.
	// stopWake cuts the inter-step sleep short.
	stop     atomic.Bool
	stopWake chan struct{}

	// terminating latches as soon as Shutdown is first called, before any
	// waiting, so submissions and new drivers are refused even while an
	// active driver is still winding down or a ctx-expired teardown is
	// incomplete.
	terminating atomic.Bool

	// mu guards every collection below plus all Timer state. It is held only
	// for bookkeeping, never while a user callback executes.
	mu              sync.Mutex
	pendingEvents   []Callback
	everyStepEvents []Callback
	timers          []*Timer
	handlers        []handlerEntry
	nextHandlerID   HandlerID
	pendingErrors   []error
	driverDone      chan struct{}
}

// New creates an idle Loop.
//
// Unless [WithPool] supplies one, the loop creates its own worker pool,
// sharing the configured logger. Panics on invalid configuration (e.g. bad
// [WithErrorLogRates]).
func New(opts ...LoopOption) *Loop {
	cfg := resolveLoopOptions(opts)
	l := &Loop{
		logger:   cfg.logger,
		clock:    cfg.clock,
		pool:     cfg.pool,
		stopWake: make(chan struct{}, 1),
		errLog:   newErrorLogSink(cfg.logger, cfg.errorLogRates),
	}
	if l.pool == nil {
		l.pool = workpool.New(workpool.WithLogger(cfg.logger))
	}
	if cfg.metricsEnabled {
		l.metrics = newMetrics()
	}
	l.logger.Debug().Log(`loop created`)
	return l
}

// Pool returns the worker pool serving Defer, Async, AsyncEvery, and Sync.
func (l *Loop) Pool() *workpool.Pool { return l.pool }

// State returns the current loop lifecycle state.
func (l *Loop) State() LoopState { return l.state.Load() }

// Metrics returns a snapshot of loop activity. Zero unless the loop was
// created with WithMetrics(true); the pool stats are populated regardless.
func (l *Loop) Metrics() MetricsSnapshot {
	var s MetricsSnapshot
	l.metrics.snapshot(&s)
	s.Pool = l.pool.Stats()
	return s
}

// --- scheduling ---

// Once queues fn for execution during the next step. Non-blocking, safe from
// any goroutine, including loop callbacks mid-step (the callback lands in
// the following step's snapshot).
func (l *Loop) Once(fn Callback) error {
	if fn == nil {
		return ErrNilCallback
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed() {
		return ErrLoopTerminated
	}
	l.pendingEvents = append(l.pendingEvents, fn)
	return nil
}

// OnceAfter queues fn for execution once delay has elapsed, via a
// single-shot timer (returned so the caller may cancel it). A non-positive
// delay behaves exactly as [Loop.Once] and returns a nil timer.
func (l *Loop) OnceAfter(delay time.Duration, fn Callback) (*Timer, error) {
	if delay <= 0 {
		return nil, l.Once(fn)
	}
	t := l.NewTimer(delay, true, fn)
	if err := t.Start(); err != nil {
		return nil, err
	}
	return t, nil
}

// Every creates and starts a persistent timer firing fn every period. Cancel
// the returned timer to stop it.
func (l *Loop) Every(period time.Duration, fn Callback) (*Timer, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	t := l.NewTimer(period, false, fn)
	if err := t.Start(); err != nil {
		return nil, err
	}
	l.logger.Debug().
		Dur(`period`, period).
		Log(`periodic timer started`)
	return t, nil
}

// EveryStep queues fn for execution on every step, until Clear. There is no
// individual removal.
func (l *Loop) EveryStep(fn Callback) error {
	if fn == nil {
		return ErrNilCallback
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed() {
		return ErrLoopTerminated
	}
	l.everyStepEvents = append(l.everyStepEvents, fn)
	return nil
}

// NewTimer creates an unstarted timer owned by this loop, for explicit
// Start/Cancel control. A non-positive period is permitted here; Start
// requires one to be configured or supplied by then.
func (l *Loop) NewTimer(period time.Duration, singleShot bool, fn Callback) *Timer {
	return &Timer{
		loop:       l,
		fn:         fn,
		period:     period,
		singleShot: singleShot,
	}
}

// TimerCount returns the number of live (running) timers.
func (l *Loop) TimerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// HasPending reports whether any queued events or pending errors exist.
func (l *Loop) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingEvents) > 0 || len(l.pendingErrors) > 0
}

// Clear empties the queued events, every-step events, timers (they stop
// running), and pending errors, without destroying the loop or touching the
// pool.
func (l *Loop) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingEvents = nil
	l.everyStepEvents = nil
	l.timers = nil
	l.pendingErrors = nil
}

// ClearErrors discards the pending errors without raising them. Use to
// recover after inspecting or logging a failure.
func (l *Loop) ClearErrors() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingErrors = nil
}

// --- drivers ---

// Step runs one pass at the current clock time. See [Loop.StepAt].
func (l *Loop) Step() error {
	if err := l.beginDrive(); err != nil {
		return err
	}
	defer l.endDrive()
	return l.step(l.clock(), nil)
}

// StepAt runs one pass of the reactor at the supplied time:
//
//  1. If an error is pending from a previous step, pop and return it before
//     running anything: queued errors pre-empt new work.
//  2. Snapshot the queued events plus the every-step events, clearing only
//     the former; select the timers due at now, in registration order (the
//     documented simultaneous-fire order), removing due single-shots.
//  3. Outside the mutex, execute the events in insertion order, then the due
//     timer fires, then onStep if non-nil. A non-nil return or recovered
//     panic from any of them funnels to HandleError(err, true); subsequent
//     items still run.
//  4. Pop and return the first pending error, if any arrived; nil otherwise.
//
// At most one error is returned per step; extras wait in FIFO order.
func (l *Loop) StepAt(now time.Time, onStep Callback) error {
	if err := l.beginDrive(); err != nil {
		return err
	}
	defer l.endDrive()
	return l.step(now, onStep)
}

// Exec drives the loop repeatedly: one step each iteration, then a sleep of
// max(0, period - elapsed). It exits nil once Stop is called (checked once
// per iteration, after the step, so a mid-step Stop lets the current step
// run to completion but cuts the sleep short), with ctx.Err() once ctx is
// done, or with the first step error.
//
// On entry every timer's last-fire time is reset to now, so a timer created
// long before Exec does not fire immediately in a catch-up burst.
func (l *Loop) Exec(ctx context.Context, period time.Duration, onStep Callback) error {
	if period < 0 {
		return ErrInvalidPeriod
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := l.beginDrive(); err != nil {
		return err
	}
	defer l.endDrive()

	l.resetTimers()

	for {
		now := l.clock()
		if err := l.step(now, onStep); err != nil {
			return err
		}
		if l.stop.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.sleep(ctx, period-l.clock().Sub(now)); err != nil {
			return err
		}
	}
}

// Steps drives the loop like Exec, but only while the pool is busy or the
// loop has pending events or errors: it drains all outstanding work
// deterministically, then returns nil. Stop and ctx are honored as in Exec.
func (l *Loop) Steps(ctx context.Context, period time.Duration, onStep Callback) error {
	if period < 0 {
		return ErrInvalidPeriod
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := l.beginDrive(); err != nil {
		return err
	}
	defer l.endDrive()

	for {
		if !l.HasPending() && !l.pool.Busy() {
			return nil
		}
		now := l.clock()
		if err := l.step(now, onStep); err != nil {
			return err
		}
		if l.stop.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.sleep(ctx, period-l.clock().Sub(now)); err != nil {
			return err
		}
	}
}

// WaitFor steps the loop until cond returns true (checked after each step).
// Stop returns [ErrStopped], ctx expiry returns ctx.Err(), and step errors
// propagate.
func (l *Loop) WaitFor(ctx context.Context, period time.Duration, cond func() bool) error {
	if cond == nil {
		return ErrNilCallback
	}
	if period < 0 {
		return ErrInvalidPeriod
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := l.beginDrive(); err != nil {
		return err
	}
	defer l.endDrive()

	for {
		now := l.clock()
		if err := l.step(now, nil); err != nil {
			return err
		}
		if cond() {
			return nil
		}
		if l.stop.Load() {
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.sleep(ctx, period-l.clock().Sub(now)); err != nil {
			return err
		}
	}
}

// Stop requests that the active driver exit after its current iteration.
// Safe from any goroutine, including loop callbacks mid-step. The request is
// consumed when the next driver starts.
func (l *Loop) Stop() {
	l.stop.Store(true)
	select {
	case l.stopWake <- struct{}{}:
	default:
	}
}

// Shutdown stops the active driver, transitions the loop to Terminated,
// drains and stops the worker pool, and clears all collections. From the
// first call onward the loop refuses submissions and new drivers with
// [ErrLoopTerminated], even while the active driver is still winding down.
//
// ctx bounds both the wait for the driver and the pool drain; see
// [workpool.Pool.Shutdown] for the expiry behavior. If ctx expires the
// teardown is left incomplete and ctx's error is returned; a later call
// resumes it. Repeat calls after a completed Shutdown return nil.
func (l *Loop) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.terminating.Store(true)
	for {
		if l.state.TryTransition(StateIdle, StateTerminated) {
			break
		}
		if l.state.IsTerminal() {
			break
		}
		// A driver is active (or about to be): request exit and wait.
		l.Stop()
		l.mu.Lock()
		done := l.driverDone
		l.mu.Unlock()
		if done == nil {
			// Between the driver's state CAS and its done registration.
			runtime.Gosched()
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := l.pool.Shutdown(ctx); err != nil {
		return err
	}
	l.Clear()
	l.logger.Debug().Log(`loop shut down`)
	return nil
}

// closed reports whether Shutdown has begun. The submission paths check it
// under l.mu so nothing can land in a collection after Shutdown's Clear.
func (l *Loop) closed() bool {
	return l.terminating.Load() || l.state.IsTerminal()
}

// --- internals ---

// step is one reactor pass; the caller holds drive ownership.
func (l *Loop) step(now time.Time, onStep Callback) error {
	l.mu.Lock()
	if len(l.pendingErrors) > 0 {
		err := l.popErrorLocked()
		l.mu.Unlock()
		return err
	}

	events := make([]Callback, 0, len(l.pendingEvents)+len(l.everyStepEvents))
	events = append(events, l.pendingEvents...)
	events = append(events, l.everyStepEvents...)
	l.pendingEvents = nil

	var due []*Timer
	kept := l.timers[:0]
	for _, t := range l.timers {
		if t.dueLocked(now) {
			t.lastFire = now
			due = append(due, t)
			if t.singleShot {
				continue
			}
		}
		kept = append(kept, t)
	}
	l.timers = kept
	l.mu.Unlock()

	start := time.Now()
	for _, fn := range events {
		l.execute(fn)
	}
	for _, t := range due {
		l.execute(t.run)
	}
	if onStep != nil {
		l.execute(onStep)
	}
	l.metrics.addEvents(len(events))
	l.metrics.addTimerFires(len(due))
	l.metrics.recordStep(time.Since(start))

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pendingErrors) > 0 {
		return l.popErrorLocked()
	}
	return nil
}

// popErrorLocked removes and returns the first pending error. Requires l.mu.
func (l *Loop) popErrorLocked() error {
	err := l.pendingErrors[0]
	l.pendingErrors = l.pendingErrors[1:]
	l.metrics.addRaised()
	return err
}

// execute runs one callback with panic recovery, funneling any failure to
// the handler registry.
func (l *Loop) execute(fn Callback) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = PanicError{Value: r}
			}
		}()
		err = fn()
	}()
	if err != nil {
		l.HandleError(err, true)
	}
}

// resetTimers sets every live timer's last-fire time to the current clock
// time, deferring each next fire by a full period.
func (l *Loop) resetTimers() {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.timers {
		t.lastFire = now
	}
}

// beginDrive acquires exclusive drive ownership, distinguishing a concurrent
// driver from a reentrant call out of a loop callback.
func (l *Loop) beginDrive() error {
	if l.terminating.Load() {
		return ErrLoopTerminated
	}
	gid := getGoroutineID()
	for !l.state.TryTransition(StateIdle, StateRunning) {
		switch l.state.Load() {
		case StateTerminated:
			return ErrLoopTerminated
		case StateRunning:
			if l.driverGID.Load() == gid {
				return ErrReentrantStep
			}
			return ErrAlreadyRunning
		}
	}
	l.driverGID.Store(gid)
	l.stop.Store(false)
	select {
	case <-l.stopWake:
	default:
	}
	l.mu.Lock()
	l.driverDone = make(chan struct{})
	l.mu.Unlock()
	return nil
}

func (l *Loop) endDrive() {
	l.mu.Lock()
	done := l.driverDone
	l.driverDone = nil
	l.mu.Unlock()
	l.driverGID.Store(0)
	l.state.TryTransition(StateRunning, StateIdle)
	if done != nil {
		close(done)
	}
}

// sleep blocks for d, cut short by Stop or ctx. The stop request itself is
// left set for the caller's loop check.
func (l *Loop) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-l.stopWake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getGoroutineID returns the current goroutine's ID, parsed from the stack
// header.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
