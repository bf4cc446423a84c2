package jobpipe

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultSettleDelay      = 2 * time.Second
	resumeBindingNamePrefix = "processResume"
)

// BindingState is what operators see for a binding.
type BindingState struct {
	Running bool `json:"running"`
	Paused  bool `json:"paused"`
}

// SwitchOnOff starts, stops, pauses and resumes bindings by name. It is used both by stages
// stopping themselves after a breaker trip and by the decider toggling bucket resume bindings.
type SwitchOnOff struct {
	registry    *BindingRegistry
	logger      *zap.Logger
	clock       clockwork.Clock
	settleDelay time.Duration
	ctx         context.Context
}

// NewSwitchOnOff creates the runtime control over registry. Bindings it has to start are bound
// to ctx.
func NewSwitchOnOff(ctx context.Context, registry *BindingRegistry, logger *zap.Logger, opts ...SwitchOption) *SwitchOnOff {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SwitchOnOff{
		registry:    registry,
		logger:      logger,
		clock:       clockwork.NewRealClock(),
		settleDelay: defaultSettleDelay,
		ctx:         ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChangeStateToPaused pauses or resumes the named binding and returns the resulting pause state.
// A binding that is not running is started first and given time to settle.
func (s *SwitchOnOff) ChangeStateToPaused(name string, paused bool) (bool, error) {
	b, err := s.registry.Get(name)
	if err != nil {
		return false, err
	}

	if !b.IsRunning() {
		s.logger.Info("Binding not running, starting it", zap.String("binding", name))
		if err := b.Start(s.ctx); err != nil {
			return false, fmt.Errorf("failed to start binding %s: %w", name, err)
		}
		s.clock.Sleep(s.settleDelay)
	}

	if b.IsPaused() == paused {
		s.logger.Info("Binding already in requested state",
			zap.String("binding", name),
			zap.Bool("paused", paused),
		)
		return paused, nil
	}

	if paused {
		err = b.Pause()
	} else {
		err = b.Resume()
	}
	if err != nil {
		return b.IsPaused(), fmt.Errorf("failed to change pause state of %s: %w", name, err)
	}
	s.logger.Info("Binding state changed", zap.String("binding", name), zap.Bool("paused", paused))
	return b.IsPaused(), nil
}

// Stop stops the named binding. It does not block, so a stage may stop its own input.
func (s *SwitchOnOff) Stop(name string) error {
	b, err := s.registry.Get(name)
	if err != nil {
		return err
	}
	b.Stop()
	s.logger.Warn("Binding stopped", zap.String("binding", name))
	return nil
}

// Start starts the named binding.
func (s *SwitchOnOff) Start(name string) error {
	b, err := s.registry.Get(name)
	if err != nil {
		return err
	}
	return b.Start(s.ctx)
}

// State returns the running and paused flags of the named binding.
func (s *SwitchOnOff) State(name string) (BindingState, error) {
	b, err := s.registry.Get(name)
	if err != nil {
		return BindingState{}, err
	}
	return BindingState{Running: b.IsRunning(), Paused: b.IsPaused()}, nil
}

// IsRunning reports whether the named binding is started.
func (s *SwitchOnOff) IsRunning(name string) bool {
	st, err := s.State(name)
	return err == nil && st.Running
}

// IsPaused reports whether the named binding is paused.
func (s *SwitchOnOff) IsPaused(name string) bool {
	st, err := s.State(name)
	return err == nil && st.Paused
}

// PauseBucket implements BucketController.
func (s *SwitchOnOff) PauseBucket(bucketKey string) error {
	_, err := s.ChangeStateToPaused(ResumeBindingName(bucketKey), true)
	return err
}

// ResumeBucket implements BucketController.
func (s *SwitchOnOff) ResumeBucket(bucketKey string) error {
	_, err := s.ChangeStateToPaused(ResumeBindingName(bucketKey), false)
	return err
}

// ResumeBindingName is the binding consuming the paused channel of a bucket.
func ResumeBindingName(bucketKey string) string {
	return resumeBindingNamePrefix + bucketKey
}
