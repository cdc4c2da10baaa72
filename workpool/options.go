package workpool

import (
	"github.com/joeycumines/logiface"
)

// DefaultWorkers is the worker count used when none is configured.
const DefaultWorkers = 8

// poolConfig collects the configuration applied by Options.
type poolConfig struct {
	workers int
	logger  *logiface.Logger[logiface.Event]
}

// Option configures a Pool.
type Option interface {
	applyPool(*poolConfig)
}

// optionImpl implements Option via a function.
type optionImpl struct {
	applyPoolFunc func(*poolConfig)
}

func (o optionImpl) applyPool(cfg *poolConfig) {
	o.applyPoolFunc(cfg)
}

// WithWorkers sets the number of worker goroutines.
//
// **Defaults to [DefaultWorkers]**. New panics if the value is not positive.
func WithWorkers(n int) Option {
	return optionImpl{applyPoolFunc: func(cfg *poolConfig) {
		cfg.workers = n
	}}
}

// WithLogger sets the logger used for pool lifecycle and task failure
// events. A nil logger disables logging.
//
// **Defaults to nil**.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionImpl{applyPoolFunc: func(cfg *poolConfig) {
		cfg.logger = logger
	}}
}

// TaskOption configures a Task at construction.
type TaskOption interface {
	applyTask(*Task)
}

// taskOptionImpl implements TaskOption via a function.
type taskOptionImpl struct {
	applyTaskFunc func(*Task)
}

func (o taskOptionImpl) applyTask(t *Task) {
	o.applyTaskFunc(t)
}

// WithTaskCompletion sets the completion callback, invoked with the outcome
// of every run of the task (including cancellation).
func WithTaskCompletion(fn func(result any, err error)) TaskOption {
	return taskOptionImpl{applyTaskFunc: func(t *Task) {
		t.completion = fn
	}}
}

// WithTaskSyncKey sets the sync key: at most one task (or Sync call) holding
// an equal key executes at any time across the whole pool.
func WithTaskSyncKey(key any) TaskOption {
	return taskOptionImpl{applyTaskFunc: func(t *Task) {
		t.syncKey = key
	}}
}

// WithTaskDefaultResult configures a fallback result, substituted as the
// task outcome (with a nil error) if the body never runs.
func WithTaskDefaultResult(v any) TaskOption {
	return taskOptionImpl{applyTaskFunc: func(t *Task) {
		t.defValue = v
		t.hasDefault = true
	}}
}
