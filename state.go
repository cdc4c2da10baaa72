package taskloop

import (
	"sync/atomic"
)

// LoopState represents the lifecycle state of a [Loop].
//
// State Machine:
//
//	StateIdle (0) -> StateRunning (1)        [driver begins]
//	StateRunning (1) -> StateIdle (0)        [driver exits]
//	StateIdle (0) -> StateTerminated (2)     [Shutdown]
//	StateTerminated (2) -> (terminal)
//
// Transitions into and out of StateRunning use CAS so concurrent and
// reentrant drivers are detected rather than interleaved.
type LoopState uint32

const (
	// StateIdle indicates no driver is executing; the loop accepts work.
	StateIdle LoopState = iota
	// StateRunning indicates a driver (Step, Exec, Steps, WaitFor) is
	// executing on exactly one goroutine.
	StateRunning
	// StateTerminated indicates Shutdown has completed. Terminal.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopState is a lock-free state holder for the loop lifecycle.
type loopState struct {
	v atomic.Uint32
}

// Load returns the current state atomically.
func (s *loopState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state. Reserved for irreversible states
// (Terminated); temporary states must go through TryTransition.
func (s *loopState) Store(state LoopState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// IsTerminal returns true if the current state is terminal (Terminated).
func (s *loopState) IsTerminal() bool {
	return s.Load() == StateTerminated
}
