package jobpipe

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/giraone/jobpipe/internal/processor"
)

const defaultGroupPrefix = "jobpipe-"

// SourceFactory opens the subscription a binding consumes.
type SourceFactory func(groupID string, topics []string) (MessageSource, error)

// Carrier holds the shared dependencies of the pipeline and wires its stages.
// It acts as a dependency injection container: one EventProcessor, one stopper and one
// binding per stage of the topology, the runtime control over those bindings and the decider
// driving the resume bindings.
type Carrier struct {
	topology    Topology
	admin       AdminClient
	publisher   Publisher
	sources     SourceFactory
	clock       clockwork.Clock
	metrics     MetricsCollector
	logger      *zap.Logger
	failureRate float64
	seed        *uint64
	groupPrefix string

	stopperOpts []ProcessingStopperOption
	bindingOpts []ConsumerBindingOption
	deciderOpts []PausedDeciderOption
	switchOpts  []SwitchOption

	routes     *RoutingTable
	registry   *BindingRegistry
	control    *SwitchOnOff
	decider    *PausedDecider
	stoppers   map[string]*DefaultProcessingStopper
	processors map[string]*EventProcessor
	bindings   []*ConsumerBinding
}

// NewCarrier validates the topology and builds every stage. Bindings are created stopped;
// Start brings the pipeline up. Bindings started later by runtime control are bound to ctx.
func NewCarrier(ctx context.Context, topology Topology, admin AdminClient, opts ...CarrierOption) (*Carrier, error) {
	c := &Carrier{
		topology:    topology,
		admin:       admin,
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
		metrics:     NewNopMetricsCollector(),
		groupPrefix: defaultGroupPrefix,
		stoppers:    make(map[string]*DefaultProcessingStopper),
		processors:  make(map[string]*EventProcessor),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.publisher == nil {
		c.publisher = NewNopPublisher()
	}
	if c.sources == nil {
		return nil, errors.New("a source factory is required")
	}
	if admin == nil {
		return nil, errors.New("an admin client is required")
	}

	routes, err := topology.Routes()
	if err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	c.routes = routes
	c.registry = NewBindingRegistry()
	c.control = NewSwitchOnOff(ctx, c.registry, c.logger, c.switchOpts...)

	deciderOpts := append([]PausedDeciderOption{
		WithBuckets(topology.Buckets...),
		WithDefaultAgent(topology.Agents[0]),
	}, c.deciderOpts...)
	c.decider = NewPausedDecider(admin, c.control, c.logger, c.metrics, deciderOpts...)

	agentIndex := 0
	for _, stage := range topology.Stages() {
		transform, err := c.transformFor(stage, agentIndex)
		if err != nil {
			c.Close()
			return nil, err
		}
		if stage.Kind == KindAgent {
			agentIndex++
		}
		if err := c.addStage(stage, transform); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *Carrier) transformFor(stage StageSpec, agentIndex int) (processor.Transform, error) {
	switch stage.Kind {
	case KindSchedule:
		return processor.NewSchedule(c.decider, c.clock), nil
	case KindResume:
		return processor.NewResume(c.decider, c.clock), nil
	case KindAgent:
		return processor.NewAgent(c.failureRate, c.newRand(agentIndex), c.clock), nil
	case KindNotify:
		return processor.NewNotify(c.clock), nil
	default:
		return nil, fmt.Errorf("stage %s has unknown kind %d", stage.Name, stage.Kind)
	}
}

// newRand returns the random source of one agent stage. A stage loop is single-threaded, so
// each agent owns its source.
func (c *Carrier) newRand(agentIndex int) *rand.Rand {
	if c.seed != nil {
		return rand.New(rand.NewPCG(*c.seed, uint64(agentIndex)))
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

func (c *Carrier) addStage(stage StageSpec, transform processor.Transform) error {
	stopper := NewDefaultProcessingStopper(c.stopperOpts...)
	p := NewEventProcessor(stage.Name, transform, c.routes, c.publisher, c.logger, c.metrics,
		WithStopper(stopper),
		WithStageControl(c.control),
		WithDefaultOutput(stage.DefaultOutput),
	)

	source, err := c.sources(c.groupPrefix+stage.Name, []string{stage.Input})
	if err != nil {
		return fmt.Errorf("failed to open input of stage %s: %w", stage.Name, err)
	}
	b := NewConsumerBinding(stage.Name, source, p.Process, c.logger, c.bindingOpts...)

	c.stoppers[stage.Name] = stopper
	c.processors[stage.Name] = p
	c.bindings = append(c.bindings, b)
	c.registry.Register(b)

	c.logger.Info("Stage wired",
		zap.String("stage", stage.Name),
		zap.String("input", stage.Input),
		zap.String("default_output", stage.DefaultOutput),
	)
	return nil
}

// Start loads the process activation, aligns the resume bindings with it and then starts every
// stage. It fails when the activation cannot be loaded, since scheduling without it would run
// jobs of paused processes.
func (c *Carrier) Start(ctx context.Context) error {
	if err := c.decider.Load(ctx); err != nil {
		return err
	}
	if err := c.registry.StartAll(ctx); err != nil {
		return err
	}
	c.logger.Info("Pipeline started", zap.Int("stages", len(c.bindings)))
	return nil
}

// Close stops every binding, waits for in-flight records and releases the sources.
func (c *Carrier) Close() error {
	var errs []error
	for _, b := range c.bindings {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Routes returns the validated routing table.
func (c *Carrier) Routes() *RoutingTable {
	return c.routes
}

// Switch returns the runtime control over the stage bindings.
func (c *Carrier) Switch() *SwitchOnOff {
	return c.control
}

// Decider returns the activation poller.
func (c *Carrier) Decider() *PausedDecider {
	return c.decider
}

// Stopper returns the breaker of a stage.
func (c *Carrier) Stopper(stage string) (ProcessingStopper, bool) {
	s, ok := c.stoppers[stage]
	return s, ok
}

// Stoppers returns the breakers of all stages keyed by stage name.
func (c *Carrier) Stoppers() map[string]ProcessingStopper {
	out := make(map[string]ProcessingStopper, len(c.stoppers))
	for name, s := range c.stoppers {
		out[name] = s
	}
	return out
}

// Processor returns the runtime of a stage.
func (c *Carrier) Processor(stage string) (*EventProcessor, bool) {
	p, ok := c.processors[stage]
	return p, ok
}
