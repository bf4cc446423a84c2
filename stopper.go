package jobpipe

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultMaxSubsequentErrors = 3
	defaultMaxErrorsPerPeriod  = 6
	defaultErrorPeriod         = 60 * time.Second
)

// DefaultProcessingStopper trips when a stage sees more than maxSubsequentErrors errors in a row,
// or more than maxErrorsPerPeriod errors within one tumbling window of length period.
// A tripped stopper never resumes on its own; the stage binding has to be restarted by an operator.
// A disabled stopper keeps counting but never trips.
type DefaultProcessingStopper struct {
	clock               clockwork.Clock
	maxSubsequentErrors int64
	maxErrorsPerPeriod  int64
	period              time.Duration
	disabled            bool

	successTotal      atomic.Int64
	errorTotal        atomic.Int64
	subsequentErrors  atomic.Int64
	errorsInPeriod    atomic.Int64
	currentPeriodSlot atomic.Int64
}

// NewDefaultProcessingStopper creates a stopper with the given options.
func NewDefaultProcessingStopper(opts ...ProcessingStopperOption) *DefaultProcessingStopper {
	s := &DefaultProcessingStopper{
		clock:               clockwork.NewRealClock(),
		maxSubsequentErrors: defaultMaxSubsequentErrors,
		maxErrorsPerPeriod:  defaultMaxErrorsPerPeriod,
		period:              defaultErrorPeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.period <= 0 {
		s.period = defaultErrorPeriod
	}
	s.currentPeriodSlot.Store(s.slot())
	return s
}

// AddErrorAndCheckStop counts an error and reports whether processing has to stop.
func (s *DefaultProcessingStopper) AddErrorAndCheckStop() bool {
	s.errorTotal.Add(1)
	tripped := s.subsequentErrors.Add(1) > s.maxSubsequentErrors

	slot := s.slot()
	last := s.currentPeriodSlot.Load()
	if slot != last && s.currentPeriodSlot.CompareAndSwap(last, slot) {
		s.errorsInPeriod.Store(1)
		return (tripped || 1 > s.maxErrorsPerPeriod) && !s.disabled
	}
	return (s.errorsInPeriod.Add(1) > s.maxErrorsPerPeriod || tripped) && !s.disabled
}

// AddSuccessAndCheckResume counts a success. It always returns false: a stopped stage is never
// resumed by the stopper itself.
func (s *DefaultProcessingStopper) AddSuccessAndCheckResume() bool {
	s.successTotal.Add(1)
	s.subsequentErrors.Store(0)
	return false
}

// Reset clears all counters.
func (s *DefaultProcessingStopper) Reset() {
	s.successTotal.Store(0)
	s.errorTotal.Store(0)
	s.subsequentErrors.Store(0)
	s.errorsInPeriod.Store(0)
	s.currentPeriodSlot.Store(s.slot())
}

// Status returns the cumulative totals.
func (s *DefaultProcessingStopper) Status() StopperStatus {
	return StopperStatus{
		SuccessTotal: s.successTotal.Load(),
		ErrorTotal:   s.errorTotal.Load(),
	}
}

func (s *DefaultProcessingStopper) slot() int64 {
	return s.clock.Now().UnixNano() / int64(s.period)
}
