package jobpipe

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// BaseWorker calls a poll function on a fixed interval until its context ends or Stop is
// called. With an initial delay the first poll happens after that delay instead of after the
// first full interval.
type BaseWorker struct {
	name         string
	interval     time.Duration
	initialDelay time.Duration
	clock        clockwork.Clock
	logger       *zap.Logger
	poll         func(ctx context.Context) error

	inFlight sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewBaseWorker creates a stopped worker.
func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, poll func(ctx context.Context) error, opts ...BaseWorkerOption) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &BaseWorker{
		name:     name,
		interval: interval,
		clock:    clockwork.NewRealClock(),
		logger:   logger.With(zap.String("worker", name)),
		poll:     poll,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start blocks while the worker runs.
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started")
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Worker starting",
		zap.Duration("interval", w.interval),
		zap.Duration("initial_delay", w.initialDelay),
	)
	defer w.logger.Info("Worker finished")

	if w.initialDelay > 0 {
		timer := w.clock.NewTimer(w.initialDelay)
		if !w.wait(ctx, timer.Chan()) {
			timer.Stop()
			return
		}
		w.run(ctx)
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for w.wait(ctx, ticker.Chan()) {
		w.run(ctx)
	}
}

// wait returns true when tick fired before the worker was told to end.
func (w *BaseWorker) wait(ctx context.Context, tick <-chan time.Time) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	case <-tick:
	}
	// Stop and the tick may race; Stop wins.
	select {
	case <-w.stopChan:
		return false
	default:
		return ctx.Err() == nil
	}
}

func (w *BaseWorker) run(ctx context.Context) {
	w.inFlight.Add(1)
	defer w.inFlight.Done()

	if err := w.poll(ctx); err != nil {
		w.logger.Error("Worker poll failed", zap.Error(err))
	}
}

// Stop ends the loop and waits for a running poll. It is safe to call more than once.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if !w.started {
			return
		}
		close(w.stopChan)
		w.inFlight.Wait()
	})
}

// Name implements Worker.
func (w *BaseWorker) Name() string {
	return w.name
}
