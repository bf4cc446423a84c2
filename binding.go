package jobpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollTimeout = 100 * time.Millisecond
	defaultRetryDelay  = 5 * time.Second
)

var (
	// ErrBindingNotRunning is returned when pausing or resuming a binding that is not started.
	ErrBindingNotRunning = errors.New("binding is not running")
	// ErrUnknownBinding is returned for names no binding is registered under.
	ErrUnknownBinding = errors.New("unknown binding")
)

// ConsumerBinding feeds the records of one log subscription to a handler, one at a time.
// Start launches the loop, Stop signals it to end after the current record; both may be called
// again later. Pause and Resume toggle fetching without leaving the consumer group.
type ConsumerBinding struct {
	name        string
	source      MessageSource
	handler     Handler
	logger      *zap.Logger
	pollTimeout time.Duration
	retryDelay  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	paused  atomic.Bool
}

// NewConsumerBinding creates a stopped binding.
func NewConsumerBinding(name string, source MessageSource, handler Handler, logger *zap.Logger, opts ...ConsumerBindingOption) *ConsumerBinding {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &ConsumerBinding{
		name:        name,
		source:      source,
		handler:     handler,
		logger:      logger.With(zap.String("binding", name)),
		pollTimeout: defaultPollTimeout,
		retryDelay:  defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the binding name.
func (b *ConsumerBinding) Name() string {
	return b.name
}

// Start launches the consume loop. Starting a running binding is a no-op.
func (b *ConsumerBinding) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running.Load() {
		return nil
	}
	if b.done != nil {
		// a previous loop may still be finishing its last record
		<-b.done
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running.Store(true)

	go b.loop(loopCtx, b.done)
	b.logger.Info("Binding started")
	return nil
}

// Stop signals the loop to end. It does not wait, so a handler may stop its own binding.
func (b *ConsumerBinding) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running.Load() {
		return
	}
	b.running.Store(false)
	b.cancel()
	b.logger.Info("Binding stopped")
}

// Wait blocks until the current loop, if any, has ended.
func (b *ConsumerBinding) Wait() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops the loop, waits for it and releases the source.
func (b *ConsumerBinding) Close() error {
	b.Stop()
	b.Wait()
	if err := b.source.Close(); err != nil {
		return fmt.Errorf("failed to close binding %s: %w", b.name, err)
	}
	return nil
}

// Pause stops fetching new records.
func (b *ConsumerBinding) Pause() error {
	if !b.running.Load() {
		return ErrBindingNotRunning
	}
	b.paused.Store(true)
	return nil
}

// Resume restarts fetching.
func (b *ConsumerBinding) Resume() error {
	if !b.running.Load() {
		return ErrBindingNotRunning
	}
	b.paused.Store(false)
	return nil
}

// IsRunning reports whether the loop is started.
func (b *ConsumerBinding) IsRunning() bool {
	return b.running.Load()
}

// IsPaused reports whether fetching is paused.
func (b *ConsumerBinding) IsPaused() bool {
	return b.paused.Load()
}

func (b *ConsumerBinding) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	sourcePaused := false
	for {
		if ctx.Err() != nil {
			return
		}

		if want := b.paused.Load(); want != sourcePaused {
			if err := b.applyPause(want); err != nil {
				b.logger.Error("Cannot change pause state", zap.Bool("paused", want), zap.Error(err))
			} else {
				sourcePaused = want
			}
		}

		msg, err := b.source.Poll(ctx, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("Poll failed", zap.Error(err))
			continue
		}
		if msg == nil {
			continue
		}

		switch b.handler(ctx, msg) {
		case DispositionAck:
			if err := b.source.Commit(ctx, msg); err != nil {
				b.logger.Error("Commit failed",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
		case DispositionRetry:
			if err := b.source.Rewind(msg); err != nil {
				b.logger.Error("Rewind failed",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retryDelay):
			}
		}
	}
}

func (b *ConsumerBinding) applyPause(paused bool) error {
	if paused {
		return b.source.Pause()
	}
	return b.source.Resume()
}

// BindingRegistry is the set of bindings known to runtime control, keyed by name.
type BindingRegistry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	order    []string
}

// NewBindingRegistry creates a registry holding the given bindings.
func NewBindingRegistry(bindings ...Binding) *BindingRegistry {
	r := &BindingRegistry{bindings: make(map[string]Binding)}
	for _, b := range bindings {
		r.Register(b)
	}
	return r
}

// Register adds or replaces a binding.
func (r *BindingRegistry) Register(b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[b.Name()]; !exists {
		r.order = append(r.order, b.Name())
	}
	r.bindings[b.Name()] = b
}

// Get looks a binding up by name.
func (r *BindingRegistry) Get(name string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBinding, name)
	}
	return b, nil
}

// All returns the bindings in registration order.
func (r *BindingRegistry) All() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.bindings[name])
	}
	return out
}

// StartAll starts every registered binding.
func (r *BindingRegistry) StartAll(ctx context.Context) error {
	for _, b := range r.All() {
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("failed to start binding %s: %w", b.Name(), err)
		}
	}
	return nil
}

// StopAll signals every registered binding to stop.
func (r *BindingRegistry) StopAll() {
	for _, b := range r.All() {
		b.Stop()
	}
}
