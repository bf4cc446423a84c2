package jobpipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func TestConsumerBinding_AcksAreCommittedInOrder(t *testing.T) {
	source := newFakeSource("job-accepted", []byte("a"), []byte("b"), []byte("c"))
	var (
		mu   sync.Mutex
		seen []string
	)
	b := NewConsumerBinding("processSchedule", source, func(_ context.Context, msg *Message) Disposition {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(msg.Value))
		return DispositionAck
	}, nil, WithPollTimeout(tick))

	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	require.Eventually(t, func() bool { return source.committedOffset() == 2 }, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	mu.Unlock()
}

func TestConsumerBinding_RetryRewindsAndRedelivers(t *testing.T) {
	source := newFakeSource("job-paused-B01", []byte("x"))
	var attempts atomic.Int32
	b := NewConsumerBinding("processResumeB01", source, func(context.Context, *Message) Disposition {
		if attempts.Add(1) < 3 {
			return DispositionRetry
		}
		return DispositionAck
	}, nil, WithPollTimeout(tick), WithRetryDelay(tick))

	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	require.Eventually(t, func() bool { return source.committedOffset() == 0 }, waitFor, tick)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, source.rewindCount())
}

func TestConsumerBinding_PauseAndResume(t *testing.T) {
	source := newFakeSource("job-paused-B01")
	var handled atomic.Int32
	b := NewConsumerBinding("processResumeB01", source, func(context.Context, *Message) Disposition {
		handled.Add(1)
		return DispositionAck
	}, nil, WithPollTimeout(tick))

	assert.ErrorIs(t, b.Pause(), ErrBindingNotRunning)

	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	require.NoError(t, b.Pause())
	assert.True(t, b.IsPaused())
	require.Eventually(t, source.isPaused, waitFor, tick)

	source.add(Message{Topic: "job-paused-B01", Value: []byte("late")})
	time.Sleep(10 * tick)
	assert.Equal(t, int32(0), handled.Load(), "a paused binding fetches nothing")

	require.NoError(t, b.Resume())
	require.Eventually(t, func() bool { return handled.Load() == 1 }, waitFor, tick)
	assert.False(t, source.isPaused())
}

func TestConsumerBinding_StopFromHandler(t *testing.T) {
	source := newFakeSource("job-scheduled-A01", []byte("1"), []byte("2"), []byte("3"))
	var b *ConsumerBinding
	var handled atomic.Int32
	b = NewConsumerBinding("processAgentA01", source, func(context.Context, *Message) Disposition {
		handled.Add(1)
		b.Stop()
		return DispositionAck
	}, nil, WithPollTimeout(tick))

	require.NoError(t, b.Start(context.Background()))
	b.Wait()

	assert.False(t, b.IsRunning())
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, int64(0), source.committedOffset(), "the record that tripped is still committed")

	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool { return handled.Load() == 2 }, waitFor, tick)
	b.Wait()
}

func TestConsumerBinding_PollErrorsDoNotEndLoop(t *testing.T) {
	source := newFakeSource("job-accepted")
	source.pollErr = errors.New("broker transport failure")
	b := NewConsumerBinding("processSchedule", source, func(context.Context, *Message) Disposition {
		return DispositionAck
	}, nil, WithPollTimeout(tick))

	require.NoError(t, b.Start(context.Background()))
	time.Sleep(5 * tick)
	assert.True(t, b.IsRunning())

	require.NoError(t, b.Close())
	assert.False(t, b.IsRunning())
}

func TestConsumerBinding_ContextEndsLoop(t *testing.T) {
	source := newFakeSource("job-accepted")
	b := NewConsumerBinding("processSchedule", source, nil, nil, WithPollTimeout(tick))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		b.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("loop did not end with its context")
	}
}

func TestBindingRegistry(t *testing.T) {
	a := NewConsumerBinding("processSchedule", newFakeSource("a"), nil, nil)
	b := NewConsumerBinding("processNotify", newFakeSource("b"), nil, nil)
	r := NewBindingRegistry(a, b)

	got, err := r.Get("processNotify")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = r.Get("processMissing")
	assert.ErrorIs(t, err, ErrUnknownBinding)

	names := []string{}
	for _, x := range r.All() {
		names = append(names, x.Name())
	}
	assert.Equal(t, []string{"processSchedule", "processNotify"}, names)
}
