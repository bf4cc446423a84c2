package jobpipe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBaseWorker_StartAndStop(t *testing.T) {
	polled := make(chan struct{})
	worker := NewBaseWorker("poller", 20*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		polled <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Start(ctx)
	<-polled

	worker.Stop()

	select {
	case <-polled:
		t.Fatal("no poll expected after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBaseWorker_InitialDelayRunsBeforeFirstTick(t *testing.T) {
	var calls atomic.Int32
	worker := NewBaseWorker("poller", time.Hour, zap.NewNop(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, WithInitialDelay(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Start(ctx)

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	worker.Stop()
}

func TestBaseWorker_StopDuringInitialDelay(t *testing.T) {
	var calls atomic.Int32
	worker := NewBaseWorker("poller", 10*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, WithInitialDelay(time.Hour))

	done := make(chan struct{})
	go func() {
		worker.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		worker.mu.RLock()
		defer worker.mu.RUnlock()
		return worker.started
	}, time.Second, time.Millisecond)
	worker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop during its initial delay")
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestBaseWorker_ErrorsDoNotStopLoop(t *testing.T) {
	var calls atomic.Int32
	worker := NewBaseWorker("poller", 5*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("admin service down")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	worker.Start(ctx)

	assert.Greater(t, calls.Load(), int32(1))
}

func TestBaseWorker_StopWaitsForPollToFinish(t *testing.T) {
	started := make(chan struct{}, 1)
	var finished atomic.Bool

	worker := NewBaseWorker("poller", 10*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		started <- struct{}{}
		time.Sleep(80 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	go worker.Start(context.Background())
	<-started

	worker.Stop()
	assert.True(t, finished.Load())

	assert.NotPanics(t, worker.Stop)
}

func TestBaseWorker_FollowsClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	worker := NewBaseWorker("poller", time.Minute, zap.NewNop(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, WithInitialDelay(10*time.Second), WithWorkerClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Start(ctx)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	worker.Stop()
}
