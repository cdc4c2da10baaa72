package taskloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-taskloop/workpool"
)

// MetricsSnapshot is a point-in-time view of loop activity, returned by
// [Loop.Metrics]. Step duration percentiles are streaming P-Square estimates
// over all steps since the loop was created.
type MetricsSnapshot struct {
	// Steps is the number of completed step passes.
	Steps uint64
	// Events is the number of queued and every-step callbacks executed.
	Events uint64
	// TimerFires is the number of timer callbacks executed.
	TimerFires uint64
	// ErrorsFunneled is the number of errors handed to HandleError.
	ErrorsFunneled uint64
	// ErrorsRaised is the number of pending errors returned to a driver.
	ErrorsRaised uint64

	// Step duration distribution (wall clock, spent executing callbacks).
	StepP50  time.Duration
	StepP90  time.Duration
	StepP99  time.Duration
	StepMax  time.Duration
	StepMean time.Duration

	// Pool is the owning pool's activity snapshot.
	Pool workpool.PoolStats
}

// metrics is the optional collection backend, attached via WithMetrics.
// Counters are atomics; the duration estimators share one mutex since they
// are only written by the driver goroutine.
type metrics struct {
	steps          atomic.Uint64
	events         atomic.Uint64
	timerFires     atomic.Uint64
	errorsFunneled atomic.Uint64
	errorsRaised   atomic.Uint64

	mu  sync.Mutex
	p50 *quantileEstimator
	p90 *quantileEstimator
	p99 *quantileEstimator
	sum time.Duration
	max time.Duration
}

func newMetrics() *metrics {
	return &metrics{
		p50: newQuantileEstimator(0.50),
		p90: newQuantileEstimator(0.90),
		p99: newQuantileEstimator(0.99),
	}
}

// recordStep records one completed step and its execution duration.
// Nil-safe: metrics collection is optional.
func (m *metrics) recordStep(d time.Duration) {
	if m == nil {
		return
	}
	m.steps.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	x := float64(d)
	m.p50.Observe(x)
	m.p90.Observe(x)
	m.p99.Observe(x)
	m.sum += d
	if d > m.max {
		m.max = d
	}
}

func (m *metrics) addEvents(n int) {
	if m != nil && n > 0 {
		m.events.Add(uint64(n))
	}
}

func (m *metrics) addTimerFires(n int) {
	if m != nil && n > 0 {
		m.timerFires.Add(uint64(n))
	}
}

func (m *metrics) addFunneled() {
	if m != nil {
		m.errorsFunneled.Add(1)
	}
}

func (m *metrics) addRaised() {
	if m != nil {
		m.errorsRaised.Add(1)
	}
}

// snapshot copies the current values into s. Nil-safe.
func (m *metrics) snapshot(s *MetricsSnapshot) {
	if m == nil {
		return
	}
	s.Steps = m.steps.Load()
	s.Events = m.events.Load()
	s.TimerFires = m.timerFires.Load()
	s.ErrorsFunneled = m.errorsFunneled.Load()
	s.ErrorsRaised = m.errorsRaised.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	s.StepP50 = time.Duration(m.p50.Quantile())
	s.StepP90 = time.Duration(m.p90.Quantile())
	s.StepP99 = time.Duration(m.p99.Quantile())
	s.StepMax = m.max
	if n := s.Steps; n > 0 {
		s.StepMean = m.sum / time.Duration(n)
	}
}
