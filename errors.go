package taskloop

import (
	"errors"

	"github.com/joeycumines/go-taskloop/workpool"
)

// Standard errors.
var (
	// ErrLoopTerminated is returned when work is submitted to a loop that has
	// completed Shutdown.
	ErrLoopTerminated = errors.New(`taskloop: loop has been terminated`)

	// ErrAlreadyRunning is returned when a driver call (Step, Exec, Steps,
	// WaitFor) races with another goroutine already driving the loop.
	ErrAlreadyRunning = errors.New(`taskloop: loop is already being driven`)

	// ErrReentrantStep is returned when a loop callback calls back into a
	// driver method on the same goroutine.
	ErrReentrantStep = errors.New(`taskloop: cannot drive the loop from a loop callback`)

	// ErrStopped is returned by WaitFor when Stop is called before the
	// condition becomes true.
	ErrStopped = errors.New(`taskloop: loop stopped`)

	// ErrNilCallback is returned when a nil callback or work function is
	// supplied where one is required.
	ErrNilCallback = errors.New(`taskloop: nil callback`)

	// ErrNoPeriod is returned by Timer.Start when no positive period has been
	// configured or supplied.
	ErrNoPeriod = errors.New(`taskloop: timer has no period`)

	// ErrInvalidPeriod is returned when a non-positive period is supplied
	// where a positive one is required.
	ErrInvalidPeriod = errors.New(`taskloop: period must be positive`)
)

// PanicError wraps a value recovered from a panicking callback, error
// handler, or task body.
//
// It is an alias for [workpool.PanicError], so panics recovered on the loop
// goroutine and panics recovered on pool workers surface as one type,
// matchable by a single [OnErrorAs] registration. If the recovered value is
// itself an error, [errors.Is] and [errors.As] match through it.
type PanicError = workpool.PanicError
