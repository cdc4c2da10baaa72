package taskloop

import (
	"errors"
)

// ErrorHandlerFunc is a callback registered via [Loop.OnError] or
// [Loop.OnErrors]. Handlers are notifications (logging, metrics, inspection),
// not suppressors: an error with a matching handler is still queued for
// re-raise unless neutralized by a completion-callback disposition.
type ErrorHandlerFunc func(err error)

// HandlerID uniquely identifies a registered error handler for removal. Go
// functions cannot be compared for equality, so registration returns an ID.
type HandlerID uint64

// handlerEntry pairs a handler with its match predicate and ID.
type handlerEntry struct {
	id    HandlerID
	match func(error) bool
	fn    ErrorHandlerFunc
}

// OnError registers a handler invoked for every funneled error matching
// target via [errors.Is] (so a handler registered for a kind also fires for
// wrapped sub-kinds). A nil target matches every error.
//
// Returns an ID for [Loop.RemoveErrorHandler], 0 if handler is nil.
func (l *Loop) OnError(target error, handler ErrorHandlerFunc) HandlerID {
	if handler == nil {
		return 0
	}
	match := func(err error) bool {
		return target == nil || errors.Is(err, target)
	}
	return l.addHandler(match, handler)
}

// OnErrors registers a handler matching any of the targets, with the same
// semantics as [Loop.OnError] per target.
func (l *Loop) OnErrors(targets []error, handler ErrorHandlerFunc) HandlerID {
	if handler == nil {
		return 0
	}
	match := func(err error) bool {
		for _, target := range targets {
			if target == nil || errors.Is(err, target) {
				return true
			}
		}
		return false
	}
	return l.addHandler(match, handler)
}

// OnErrorAs registers a handler invoked for every funneled error assignable
// to T via [errors.As], receiving the matched value. It shares the registry
// (and registration order) with [Loop.OnError].
func OnErrorAs[T error](l *Loop, handler func(err T)) HandlerID {
	if handler == nil {
		return 0
	}
	return l.addHandler(
		func(err error) bool {
			var target T
			return errors.As(err, &target)
		},
		func(err error) {
			var target T
			if errors.As(err, &target) {
				handler(target)
			}
		},
	)
}

// RemoveErrorHandler removes a handler by ID, reporting whether one was
// removed.
func (l *Loop) RemoveErrorHandler(id HandlerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, entry := range l.handlers {
		if entry.id == id {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Loop) addHandler(match func(error) bool, fn ErrorHandlerFunc) HandlerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextHandlerID++
	l.handlers = append(l.handlers, handlerEntry{
		id:    l.nextHandlerID,
		match: match,
		fn:    fn,
	})
	return l.nextHandlerID
}

// HandleError funnels an error through the registry: every matching handler
// is invoked in registration order, outside the loop mutex, and then, if
// save is true, err is appended to the pending errors for guaranteed
// re-raise to the driver, regardless of how many handlers ran.
//
// A panicking handler contributes a [PanicError] to the pending errors
// without recursive dispatch. Funneled errors are also logged, rate-limited
// per message.
//
// Safe from any goroutine; the deferred-work integration calls it on the
// driver goroutine via the Once queue.
func (l *Loop) HandleError(err error, save bool) {
	if err == nil {
		return
	}
	l.metrics.addFunneled()

	l.mu.Lock()
	var matched []ErrorHandlerFunc
	for _, entry := range l.handlers {
		if entry.match(err) {
			matched = append(matched, entry.fn)
		}
	}
	l.mu.Unlock()

	for _, fn := range matched {
		l.invokeHandler(fn, err)
	}

	l.errLog.funnel(err, save, len(matched))

	if save {
		l.mu.Lock()
		l.pendingErrors = append(l.pendingErrors, err)
		l.mu.Unlock()
	}
}

// invokeHandler runs one handler, converting a panic into a pending
// PanicError rather than re-dispatching it.
func (l *Loop) invokeHandler(fn ErrorHandlerFunc, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			l.pendingErrors = append(l.pendingErrors, PanicError{Value: r})
			l.mu.Unlock()
		}
	}()
	fn(err)
}
