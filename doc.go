// Package taskloop provides a single-threaded reactor for Go: an event loop
// running queued callbacks and millisecond-level timers in strict order on
// one driver goroutine, with blocking work offloaded to a bounded worker
// pool and its results marshaled back onto the loop.
//
// # Architecture
//
// A [Loop] owns a pending-event queue, an every-step event list, a
// registration-ordered timer list, an error-handler registry, and a
// pending-error queue, all guarded by one mutex. [Loop.StepAt] snapshots the
// due work under the mutex and executes it outside, so callbacks may safely
// schedule, cancel, and re-enter the loop mid-step. [Loop.Exec],
// [Loop.Steps], and [Loop.WaitFor] are polling wrappers around the step.
//
// Deferred work ([Loop.Defer], [Loop.Async], [Loop.AsyncEvery]) runs on the
// [workpool] subpackage's bounded pool; the task completion re-enters the
// loop via [Loop.Once], so completion callbacks always execute on the driver
// goroutine during a future step, never on a worker.
//
// # Thread Safety
//
// Exactly one goroutine drives the loop at a time, enforced by a CAS state
// machine: concurrent drivers get [ErrAlreadyRunning], and a loop callback
// calling back into a driver gets [ErrReentrantStep]. Mutators ([Loop.Once],
// [Loop.Every], [Loop.Defer], [Timer.Cancel], [Loop.Stop],
// [Loop.HandleError]) are safe from any goroutine at any time.
//
// # Execution Model
//
// Within one step: queued events in insertion order, then due timers in
// registration order, then the per-step callback. A non-nil return or
// recovered panic from any of them funnels through the handler registry and
// is queued for re-raise; subsequent items still run. At most one pending
// error is raised per step, before any new work, in FIFO order.
//
// # Usage
//
//	loop := taskloop.New()
//	defer loop.Shutdown(context.Background())
//
//	loop.Once(func() error {
//	    fmt.Println("runs on the next step")
//	    return nil
//	})
//
//	ticker, _ := loop.Every(100*time.Millisecond, func() error {
//	    fmt.Println("every 100ms")
//	    return nil
//	})
//	defer ticker.Cancel()
//
//	loop.Async(func() (any, error) {
//	    return fetchSlowly() // on a pool worker
//	}, func(result any, err error) taskloop.ErrorDisposition {
//	    fmt.Println("delivered on the loop:", result, err)
//	    return taskloop.KeepError()
//	})
//
//	if err := loop.Exec(ctx, 10*time.Millisecond, nil); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Types
//
// Invalid arguments surface synchronously as sentinels ([ErrNoPeriod],
// [ErrInvalidPeriod], [ErrNilCallback], ...). Callback failures and
// recovered panics ([PanicError]) funnel through [Loop.HandleError];
// handlers registered with [Loop.OnError] match via [errors.Is] (sub-kinds
// included) and are notifications, never suppressors. Suppression happens
// only through a completion callback returning [IgnoreError].
package taskloop
