package taskloop

import (
	"time"
)

// Timer represents a single-shot or periodic action owned by exactly one
// [Loop]. A timer is "running" iff it is a member of its loop's timer list;
// Start is idempotent insertion and Cancel idempotent removal.
//
// The callback always executes on the driver goroutine, during a step whose
// time satisfies now - lastFire >= period (inclusive). After firing, the
// last-fire time is the step's now, not lastFire + period, so a slow driver
// does not accumulate a catch-up burst.
//
// All methods are safe for concurrent use; timer state is guarded by the
// owning loop's mutex.
type Timer struct {
	loop       *Loop
	fn         Callback
	period     time.Duration
	singleShot bool
	lastFire   time.Time
	lastErr    error
}

// Period returns the configured period.
func (t *Timer) Period() time.Duration {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.period
}

// SingleShot reports whether the timer is removed automatically when it
// becomes due.
func (t *Timer) SingleShot() bool { return t.singleShot }

// LastError returns the error returned by the most recent fire of the
// callback, nil if it succeeded or has not fired.
func (t *Timer) LastError() error {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.lastErr
}

// Start inserts the timer into its loop's timer list, making it live. An
// optional period argument overrides the configured one; with neither a
// positive argument nor a positive configured period, Start fails with
// [ErrNoPeriod] ([ErrInvalidPeriod] for an explicit non-positive argument).
//
// Start is idempotent: restarting a running timer updates its period and
// resets its last-fire time rather than duplicating it.
func (t *Timer) Start(period ...time.Duration) error {
	if t.fn == nil {
		return ErrNilCallback
	}
	var p time.Duration
	switch {
	case len(period) > 0:
		if period[0] <= 0 {
			return ErrInvalidPeriod
		}
		p = period[0]
	default:
		p = 0
	}
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.loop.closed() {
		return ErrLoopTerminated
	}
	if p == 0 {
		if t.period <= 0 {
			return ErrNoPeriod
		}
		p = t.period
	}
	t.period = p
	t.lastFire = t.loop.clock()
	if !t.runningLocked() {
		t.loop.timers = append(t.loop.timers, t)
	}
	return nil
}

// Cancel removes the timer from its loop's timer list and reports whether it
// was running. Safe to call from the timer's own callback.
func (t *Timer) Cancel() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	for i, other := range t.loop.timers {
		if other == t {
			t.loop.timers = append(t.loop.timers[:i], t.loop.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Running reports whether the timer is a member of its loop's timer list.
func (t *Timer) Running() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.runningLocked()
}

// Due reports whether the timer would fire at a step taken at now.
func (t *Timer) Due(now time.Time) bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.dueLocked(now)
}

// Reset sets the last-fire time to the current clock time without firing,
// deferring the next fire by a full period.
func (t *Timer) Reset() {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	t.lastFire = t.loop.clock()
}

func (t *Timer) runningLocked() bool {
	for _, other := range t.loop.timers {
		if other == t {
			return true
		}
	}
	return false
}

func (t *Timer) dueLocked(now time.Time) bool {
	return now.Sub(t.lastFire) >= t.period
}

// run invokes the callback outside the loop mutex and records the outcome.
// The caller already advanced lastFire at due selection and wraps the
// returned error into the handler funnel.
func (t *Timer) run() error {
	err := t.fn()
	t.loop.mu.Lock()
	t.lastErr = err
	t.loop.mu.Unlock()
	return err
}
