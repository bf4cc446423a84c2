package jobpipe

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func newTestStopper(clock clockwork.Clock, subsequent, perPeriod int) *DefaultProcessingStopper {
	return NewDefaultProcessingStopper(
		WithStopperClock(clock),
		WithMaxSubsequentErrors(subsequent),
		WithMaxErrorsPerPeriod(perPeriod),
		WithErrorPeriod(time.Minute),
	)
}

func TestProcessingStopper_TripsOnSubsequentErrors(t *testing.T) {
	s := newTestStopper(clockwork.NewFakeClock(), 3, 100)

	assert.False(t, s.AddErrorAndCheckStop())
	assert.False(t, s.AddErrorAndCheckStop())
	assert.False(t, s.AddErrorAndCheckStop())
	assert.True(t, s.AddErrorAndCheckStop(), "the fourth consecutive error must trip")
}

func TestProcessingStopper_SuccessResetsRun(t *testing.T) {
	s := newTestStopper(clockwork.NewFakeClock(), 3, 100)

	for i := 0; i < 3; i++ {
		assert.False(t, s.AddErrorAndCheckStop())
	}
	assert.False(t, s.AddSuccessAndCheckResume())
	for i := 0; i < 3; i++ {
		assert.False(t, s.AddErrorAndCheckStop())
	}
}

func TestProcessingStopper_DefaultsToleratePatternWithinPeriod(t *testing.T) {
	s := NewDefaultProcessingStopper(WithStopperClock(clockwork.NewFakeClock()))

	for i := 0; i < 3; i++ {
		assert.False(t, s.AddErrorAndCheckStop())
	}
	s.AddSuccessAndCheckResume()
	for i := 0; i < 3; i++ {
		assert.False(t, s.AddErrorAndCheckStop())
	}
	assert.True(t, s.AddErrorAndCheckStop(), "seventh error in the period exceeds the default of six")
}

func TestProcessingStopper_TripsOnErrorsPerPeriod(t *testing.T) {
	s := newTestStopper(clockwork.NewFakeClock(), 3, 4)

	pattern := []bool{true, true, false, true, true, false}
	for _, isErr := range pattern {
		if isErr {
			assert.False(t, s.AddErrorAndCheckStop())
		} else {
			s.AddSuccessAndCheckResume()
		}
	}
	assert.True(t, s.AddErrorAndCheckStop(), "fifth error in the window must trip")
}

func TestProcessingStopper_WindowRollsOver(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestStopper(clock, 100, 2)

	assert.False(t, s.AddErrorAndCheckStop())
	assert.False(t, s.AddErrorAndCheckStop())

	clock.Advance(time.Minute)

	assert.False(t, s.AddErrorAndCheckStop())
	assert.False(t, s.AddErrorAndCheckStop())
	assert.True(t, s.AddErrorAndCheckStop())
}

func TestProcessingStopper_NeverResumes(t *testing.T) {
	s := newTestStopper(clockwork.NewFakeClock(), 0, 100)
	assert.True(t, s.AddErrorAndCheckStop())
	for i := 0; i < 10; i++ {
		assert.False(t, s.AddSuccessAndCheckResume())
	}
}

func TestProcessingStopper_StatusAndReset(t *testing.T) {
	s := newTestStopper(clockwork.NewFakeClock(), 3, 6)

	s.AddSuccessAndCheckResume()
	s.AddSuccessAndCheckResume()
	s.AddErrorAndCheckStop()

	assert.Equal(t, StopperStatus{SuccessTotal: 2, ErrorTotal: 1}, s.Status())

	s.Reset()
	assert.Equal(t, StopperStatus{}, s.Status())
}

func TestProcessingStopper_ConcurrentCounting(t *testing.T) {
	s := newTestStopper(clockwork.NewFakeClock(), 1_000_000, 1_000_000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				s.AddErrorAndCheckStop()
				s.AddSuccessAndCheckResume()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, StopperStatus{SuccessTotal: 4000, ErrorTotal: 4000}, s.Status())
}

func TestProcessingStopper_DisabledNeverTrips(t *testing.T) {
	s := NewDefaultProcessingStopper(
		WithStopperClock(clockwork.NewFakeClock()),
		WithMaxSubsequentErrors(1),
		WithStopperDisabled(true),
	)

	for i := 0; i < 10; i++ {
		assert.False(t, s.AddErrorAndCheckStop())
	}
	assert.Equal(t, int64(10), s.Status().ErrorTotal)
}
