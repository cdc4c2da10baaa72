package taskloop

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// defaultErrorLogRates bounds the unhandled-error log: at most 5 entries per
// second and 60 per minute for any one error message.
func defaultErrorLogRates() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: 5,
		time.Minute: 60,
	}
}

// errorLogSink writes errors funneled through the handler registry to the
// configured logger, rate-limited per error message so a hot failing timer
// cannot flood the log.
//
// All methods are nil-safe on both the logger and the limiter.
type errorLogSink struct {
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

func newErrorLogSink(logger *logiface.Logger[logiface.Event], rates map[time.Duration]int) *errorLogSink {
	s := &errorLogSink{logger: logger}
	if logger != nil {
		if rates == nil {
			rates = defaultErrorLogRates()
		}
		s.limiter = catrate.NewLimiter(rates)
	}
	return s
}

// funnel logs an error handed to HandleError. The category for rate limiting
// is the error message, so distinct failures remain individually visible.
func (s *errorLogSink) funnel(err error, saved bool, handlers int) {
	if s.logger == nil || err == nil {
		return
	}
	if _, ok := s.limiter.Allow(err.Error()); !ok {
		return
	}
	s.logger.Err().
		Err(err).
		Bool(`saved`, saved).
		Int(`handlers`, handlers).
		Log(`unhandled loop error`)
}
