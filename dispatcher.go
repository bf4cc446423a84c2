package jobpipe

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher manages the lifecycle of the workers of one command: the decider poll loop and
// the binding groups of the pipeline or the materializer.
type Dispatcher struct {
	logger *zap.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	workers  []Worker
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewDispatcher creates a new dispatcher to manage the given workers.
func NewDispatcher(logger *zap.Logger, workers ...Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:   logger,
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

// Add registers another worker. Workers added after Start are ignored until the next Start.
func (d *Dispatcher) Add(w Worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers = append(d.workers, w)
}

// Start runs all the workers and blocks until the context is cancelled or Stop() is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher already started")
		return
	}
	d.started = true
	workers := append([]Worker(nil), d.workers...)
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher", zap.Int("worker_count", len(workers)))

	for _, w := range workers {
		d.wg.Add(1)
		go func(worker Worker) {
			defer d.wg.Done()
			d.logger.Info("Starting worker", zap.String("worker_name", worker.Name()))
			worker.Start(ctx)
			d.logger.Info("Worker stopped", zap.String("worker_name", worker.Name()))
		}(w)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Context cancelled, stopping dispatcher")
		d.Stop()
	case <-d.stopChan:
		d.logger.Info("Stop signal received, stopping dispatcher")
	}

	d.wg.Wait()
	d.logger.Info("All workers stopped")

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// Stop shuts down the dispatcher and all its workers. It is safe to call Stop multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if !d.started {
			d.logger.Warn("Attempted to stop a dispatcher that was not started")
			return
		}
		d.logger.Info("Stopping dispatcher")
		close(d.stopChan)

		for _, worker := range d.workers {
			worker.Stop()
		}
	})
}

// IsStarted returns true if the dispatcher is currently running.
func (d *Dispatcher) IsStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

// BindingGroup runs a set of consumer bindings as one Worker. Start starts every binding and
// blocks until the context ends or Stop is called; the bindings are then stopped, drained and
// their sources closed.
type BindingGroup struct {
	name     string
	bindings []*ConsumerBinding
	logger   *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewBindingGroup creates a group over bindings.
func NewBindingGroup(name string, logger *zap.Logger, bindings ...*ConsumerBinding) *BindingGroup {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BindingGroup{
		name:     name,
		bindings: bindings,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Name implements Worker.
func (g *BindingGroup) Name() string {
	return g.name
}

// Start implements Worker.
func (g *BindingGroup) Start(ctx context.Context) {
	for _, b := range g.bindings {
		if err := b.Start(ctx); err != nil {
			g.logger.Error("Cannot start binding", zap.String("binding", b.Name()), zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
	case <-g.stopChan:
	}

	for _, b := range g.bindings {
		if err := b.Close(); err != nil {
			g.logger.Error("Cannot close binding", zap.String("binding", b.Name()), zap.Error(err))
		}
	}
}

// Stop implements Worker.
func (g *BindingGroup) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
}
