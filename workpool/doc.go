// Package workpool provides a bounded worker pool with per-key mutual
// exclusion, used by the taskloop package to run deferred work off the loop
// goroutine.
//
// # Architecture
//
// A Pool owns a fixed set of worker goroutines and an unbounded FIFO queue
// of Tasks. Workers claim the first queued task whose sync key is not
// currently held, so a task blocked on a busy key never delays unrelated
// work behind it. Sync runs a function on the calling goroutine under the
// same key exclusion, sharing it with task dispatch.
//
// # Thread Safety
//
// All Pool and Task methods are safe for concurrent use. Task bodies run
// concurrently with each other and with the submitter; a task's completion
// callback runs exactly once per run, on the worker that executed it (or on
// the cancelling goroutine when Cancel wins before the body starts).
//
// # Failure Model
//
// A panicking task body is recovered into a PanicError outcome; the worker
// survives. A body that ends its goroutine via runtime.Goexit completes the
// task with ErrGoexit and the pool replaces the lost worker. Running bodies
// are never preempted: Shutdown waits for them and Close waits only for
// them.
package workpool
