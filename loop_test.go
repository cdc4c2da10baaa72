package taskloop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoop_OnceOrdering(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	driverGID := getGoroutineID()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if err := loop.Once(func() error {
			if getGoroutineID() != driverGID {
				t.Error("callback ran off the driver goroutine")
			}
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := loop.Step(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 5 {
		t.Fatalf("executed %d of 5", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("insertion order violated: %v", order)
		}
	}

	// Queued callbacks run exactly once.
	if err := loop.Step(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 5 {
		t.Fatalf("callbacks re-ran: %d executions", len(order))
	}
}

func TestLoop_OnceNil(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)
	if err := loop.Once(nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("expected ErrNilCallback, got %v", err)
	}
}

func TestLoop_OnceFromCallbackLandsNextStep(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	var ran []string
	if err := loop.Once(func() error {
		ran = append(ran, "outer")
		return loop.Once(func() error {
			ran = append(ran, "inner")
			return nil
		})
	}); err != nil {
		t.Fatal(err)
	}

	if err := loop.Step(); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 1 || ran[0] != "outer" {
		t.Fatalf("mid-step Once ran in the same snapshot: %v", ran)
	}
	if err := loop.Step(); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 2 || ran[1] != "inner" {
		t.Fatalf("mid-step Once lost: %v", ran)
	}
}

func TestLoop_EveryStepPersists(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	count := 0
	if err := loop.EveryStep(func() error {
		count++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := loop.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if count != 3 {
		t.Fatalf("every-step callback ran %d times over 3 steps", count)
	}
}

func TestLoop_CallbackErrorRaisedOnce(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	boom := errors.New("boom")
	ran := 0
	_ = loop.Once(func() error { return boom })
	_ = loop.Once(func() error { ran++; return nil })

	// The erroring event does not abort the step; the error is raised by
	// the same step call, after everything ran.
	if err := loop.Step(); !errors.Is(err, boom) {
		t.Fatalf("step did not raise the callback error: %v", err)
	}
	if ran != 1 {
		t.Fatal("subsequent event skipped after an error")
	}
	if err := loop.Step(); err != nil {
		t.Fatalf("error raised twice: %v", err)
	}
}

func TestLoop_PendingErrorPreemptsStep(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	err1 := errors.New("first")
	err2 := errors.New("second")
	_ = loop.Once(func() error { return err1 })
	_ = loop.Once(func() error { return err2 })

	if err := loop.Step(); !errors.Is(err, err1) {
		t.Fatalf("want first error, got %v", err)
	}

	// The second error is still queued: the next step raises it before
	// running any new work.
	ran := false
	_ = loop.Once(func() error { ran = true; return nil })
	if err := loop.Step(); !errors.Is(err, err2) {
		t.Fatalf("want second error, got %v", err)
	}
	if ran {
		t.Fatal("queued error did not pre-empt the step's work")
	}
	if err := loop.Step(); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("pre-empted work never ran")
	}
}

func TestLoop_StepOrderEventsTimersOnStep(t *testing.T) {
	clock := newFakeClock()
	loop := newTestLoop(clock)
	defer loop.Shutdown(nil)

	var order []string
	if _, err := loop.Every(10*time.Millisecond, func() error {
		order = append(order, "timer")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_ = loop.Once(func() error {
		order = append(order, "event")
		return nil
	})

	if err := loop.StepAt(clock.Advance(20*time.Millisecond), func() error {
		order = append(order, "onStep")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	want := []string{"event", "timer", "onStep"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("step order = %v, want %v", order, want)
		}
	}
}

func TestLoop_PanicBecomesPanicError(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	_ = loop.Once(func() error { panic("kaboom") })
	err := loop.Step()
	var perr PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if perr.Value != "kaboom" {
		t.Fatalf("panic value = %v", perr.Value)
	}
}

func TestLoop_ReentrantDriver(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	var inner error
	_ = loop.Once(func() error {
		inner = loop.Step()
		return nil
	})
	if err := loop.Step(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(inner, ErrReentrantStep) {
		t.Fatalf("expected ErrReentrantStep, got %v", inner)
	}
}

func TestLoop_ConcurrentDriver(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	_ = loop.Once(func() error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- loop.Step()
	}()
	<-entered

	if err := loop.Step(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestLoop_ClearEmptiesEverything(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	_ = loop.Once(func() error { return nil })
	_ = loop.EveryStep(func() error { return nil })
	if _, err := loop.Every(time.Second, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	loop.HandleError(errors.New("pending"), true)

	loop.Clear()
	if loop.HasPending() {
		t.Fatal("HasPending after Clear")
	}
	if loop.TimerCount() != 0 {
		t.Fatal("timers survived Clear")
	}
	if err := loop.Step(); err != nil {
		t.Fatalf("cleared error still raised: %v", err)
	}
}

func TestLoop_ClearErrors(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	loop.HandleError(errors.New("pending"), true)
	loop.ClearErrors()
	if err := loop.Step(); err != nil {
		t.Fatalf("cleared error still raised: %v", err)
	}
}

func TestLoop_ExecStopsOnStop(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	steps := 0
	err := loop.Exec(context.Background(), time.Millisecond, func() error {
		steps++
		if steps == 3 {
			loop.Stop()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if steps < 3 {
		t.Fatalf("steps = %d", steps)
	}
}

func TestLoop_ExecPropagatesError(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	boom := errors.New("boom")
	_ = loop.Once(func() error { return boom })
	if err := loop.Exec(context.Background(), time.Millisecond, nil); !errors.Is(err, boom) {
		t.Fatalf("Exec did not propagate the error: %v", err)
	}
}

func TestLoop_ExecContextCancel(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := loop.Exec(ctx, time.Millisecond, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoop_ExecInvalidPeriod(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)
	if err := loop.Exec(context.Background(), -time.Second, nil); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
}

func TestLoop_ExecResetsTimers(t *testing.T) {
	clock := newFakeClock()
	loop := newTestLoop(clock)
	defer loop.Shutdown(nil)

	fires := 0
	if _, err := loop.Every(50*time.Millisecond, func() error {
		fires++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// Long after creation, Exec must not replay the backlog: the timer is
	// re-anchored to Exec's start.
	clock.Advance(10 * time.Second)
	steps := 0
	err := loop.Exec(context.Background(), 0, func() error {
		steps++
		if steps == 3 {
			loop.Stop()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if fires != 0 {
		t.Fatalf("timer fired %d times in a catch-up burst", fires)
	}
}

func TestLoop_StopConsumedByNextDriver(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	// A stale Stop does not apply to a later Exec.
	loop.Stop()
	steps := 0
	err := loop.Exec(context.Background(), time.Millisecond, func() error {
		steps++
		if steps == 2 {
			loop.Stop()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if steps != 2 {
		t.Fatalf("stale Stop consumed %d steps early/late", steps)
	}
}

func TestLoop_StepsDrains(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	ran := 0
	var queue func(depth int) error
	queue = func(depth int) error {
		ran++
		if depth > 0 {
			return loop.Once(func() error { return queue(depth - 1) })
		}
		return nil
	}
	_ = loop.Once(func() error { return queue(4) })

	if err := loop.Steps(context.Background(), time.Millisecond, nil); err != nil {
		t.Fatal(err)
	}
	if ran != 5 {
		t.Fatalf("drained %d of 5 chained events", ran)
	}

	// Nothing pending: returns immediately.
	if err := loop.Steps(context.Background(), time.Millisecond, nil); err != nil {
		t.Fatal(err)
	}
}

func TestLoop_WaitFor(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	count := 0
	_ = loop.EveryStep(func() error {
		count++
		return nil
	})
	if err := loop.WaitFor(context.Background(), time.Millisecond, func() bool {
		return count >= 3
	}); err != nil {
		t.Fatal(err)
	}
	if count < 3 {
		t.Fatalf("count = %d", count)
	}
}

func TestLoop_WaitForStopped(t *testing.T) {
	loop := newTestLoop(nil)
	defer loop.Shutdown(nil)

	_ = loop.Once(func() error {
		loop.Stop()
		return nil
	})
	err := loop.WaitFor(context.Background(), time.Millisecond, func() bool { return false })
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

// Periodic cadence on simulated time: a 100ms timer stepped every 50ms for
// 1.05s lands in [9, 11] fires.
func TestLoop_EveryCadenceSimulated(t *testing.T) {
	clock := newFakeClock()
	loop := newTestLoop(clock)
	defer loop.Shutdown(nil)

	count := 0
	if _, err := loop.Every(100*time.Millisecond, func() error {
		count++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 21; i++ { // 21 * 50ms = 1.05s
		if err := loop.StepAt(clock.Advance(50*time.Millisecond), nil); err != nil {
			t.Fatal(err)
		}
	}
	if count < 9 || count > 11 {
		t.Fatalf("count = %d, want within [9, 11]", count)
	}
}

func TestLoop_ShutdownTerminal(t *testing.T) {
	loop := newTestLoop(nil)

	if err := loop.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := loop.State(); got != StateTerminated {
		t.Fatalf("state = %v", got)
	}
	if err := loop.Once(func() error { return nil }); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("Once after shutdown: %v", err)
	}
	if err := loop.EveryStep(func() error { return nil }); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("EveryStep after shutdown: %v", err)
	}
	if err := loop.Step(); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("Step after shutdown: %v", err)
	}
	if _, err := loop.Defer(func() (any, error) { return nil, nil }); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("Defer after shutdown: %v", err)
	}
	if loop.HasPending() || loop.TimerCount() != 0 {
		t.Fatal("refused submissions left entries on the terminated loop")
	}
	// Repeat Shutdown after completion is a nil no-op.
	if err := loop.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestLoop_ShutdownStopsActiveDriver(t *testing.T) {
	loop := newTestLoop(nil)

	execDone := make(chan error, 1)
	started := make(chan struct{})
	var once bool
	go func() {
		execDone <- loop.Exec(context.Background(), time.Millisecond, func() error {
			if !once {
				once = true
				close(started)
			}
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-execDone:
		if err != nil {
			t.Fatalf("Exec returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Exec did not exit after Shutdown")
	}
}

func TestLoop_ShutdownExpiredThenRetried(t *testing.T) {
	loop := newTestLoop(nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once bool
	execDone := make(chan error, 1)
	go func() {
		execDone <- loop.Exec(context.Background(), time.Millisecond, func() error {
			if !once {
				once = true
				close(entered)
				<-release
			}
			return nil
		})
	}()
	<-entered

	// The driver is blocked mid-step; an already-cancelled ctx cannot wait
	// for it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := loop.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown with expired ctx: %v", err)
	}

	// Termination is latched from the first call: new work and new drivers
	// are refused even though the teardown is incomplete.
	if err := loop.Once(func() error { return nil }); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("Once during incomplete shutdown: %v", err)
	}
	if err := loop.EveryStep(func() error { return nil }); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("EveryStep during incomplete shutdown: %v", err)
	}
	if _, err := loop.Defer(func() (any, error) { return nil, nil }); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("Defer during incomplete shutdown: %v", err)
	}

	close(release)
	if err := <-execDone; err != nil {
		t.Fatalf("Exec returned %v", err)
	}

	// A retry resumes the teardown and completes it.
	if err := loop.Shutdown(context.Background()); err != nil {
		t.Fatalf("retried Shutdown: %v", err)
	}
	if got := loop.State(); got != StateTerminated {
		t.Fatalf("state after retry = %v", got)
	}
	if err := loop.Step(); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("Step after completed shutdown: %v", err)
	}
	if err := loop.Shutdown(context.Background()); err != nil {
		t.Fatalf("repeat Shutdown after completion: %v", err)
	}
}

func TestLoop_OnceAfterImmediateAndDelayed(t *testing.T) {
	clock := newFakeClock()
	loop := newTestLoop(clock)
	defer loop.Shutdown(nil)

	ran := 0
	timer, err := loop.OnceAfter(0, func() error { ran++; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if timer != nil {
		t.Fatal("zero delay must not create a timer")
	}
	if err := loop.StepAt(clock.Now(), nil); err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Fatalf("ran = %d", ran)
	}

	timer, err = loop.OnceAfter(30*time.Millisecond, func() error { ran++; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if timer == nil || !timer.SingleShot() {
		t.Fatal("delayed OnceAfter must return a running single-shot")
	}
	if err := loop.StepAt(clock.Advance(10*time.Millisecond), nil); err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Fatal("fired before the delay elapsed")
	}
	if err := loop.StepAt(clock.Advance(30*time.Millisecond), nil); err != nil {
		t.Fatal(err)
	}
	if ran != 2 {
		t.Fatalf("ran = %d", ran)
	}
}
