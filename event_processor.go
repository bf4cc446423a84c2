package jobpipe

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/giraone/jobpipe/events"
	"github.com/giraone/jobpipe/internal/processor"
)

const errorKeyPlaceholder = "error"

// StageControl lets a stage stop its own input binding.
type StageControl interface {
	Stop(name string) error
}

// EventProcessor runs one pipeline stage: it decodes each inbound record, applies the stage's
// transform, routes the outcome and turns every unexpected failure into a documented error
// record on the stage's error channel. Errors feed the stage's stopper; a trip stops the
// stage's input binding.
type EventProcessor struct {
	name          string
	bindingName   string
	transform     processor.Transform
	routes        *RoutingTable
	publisher     Publisher
	stopper       ProcessingStopper
	control       StageControl
	defaultOutput string
	logger        *zap.Logger
	metrics       MetricsCollector
}

// NewEventProcessor creates the runtime of the stage called name.
func NewEventProcessor(name string, transform processor.Transform, routes *RoutingTable, publisher Publisher, logger *zap.Logger, metrics MetricsCollector, opts ...EventProcessorOption) *EventProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	p := &EventProcessor{
		name:        name,
		bindingName: name,
		transform:   transform,
		routes:      routes,
		publisher:   publisher,
		logger:      logger.With(zap.String("stage", name)),
		metrics:     metrics,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the stage name.
func (p *EventProcessor) Name() string {
	return p.name
}

// Process handles one inbound record. It is the Handler of the stage's binding.
func (p *EventProcessor) Process(ctx context.Context, msg *Message) Disposition {
	start := time.Now()
	ctx = otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(msg.Headers))
	defer func() {
		p.metrics.RecordDuration("stage.duration", time.Since(start), p.tags())
	}()

	out, forward, disposition := p.filter(ctx, msg)
	if forward {
		p.emit(ctx, p.defaultOutput, out)
	}
	return disposition
}

// filter runs the transform and returns the event to forward to the default output, if any.
// Dynamic routes and diversions are emitted here; nothing escapes as an error or a panic.
func (p *EventProcessor) filter(ctx context.Context, msg *Message) (events.Event, bool, Disposition) {
	in, err := events.Decode(msg.Value)
	if err != nil {
		p.fail(ctx, msg, events.DeserializationException, err, debug.Stack())
		return events.Event{}, false, DispositionAck
	}

	outcome, stack, err := p.guardedTransform(in)
	if err != nil {
		class := events.ProcessingException
		if stack != nil {
			class = events.PanicException
		} else {
			stack = debug.Stack()
		}
		if in.Validate() != nil {
			class = events.InvalidEventException
		}
		p.fail(ctx, msg, class, err, stack)
		return events.Event{}, false, DispositionAck
	}

	if outcome.Kind == processor.StillPending {
		p.logger.Debug("Job still pending",
			zap.String("job_id", in.ID),
			zap.String("process_key", in.ProcessKey),
		)
		p.metrics.IncrementCounter("stage.pending", p.tags())
		return events.Event{}, false, DispositionRetry
	}

	channel := outcome.Channel()
	topic, err := p.routes.Resolve(p.name, channel)
	if err != nil {
		p.fail(ctx, msg, events.RoutingException, err, debug.Stack())
		return events.Event{}, false, DispositionAck
	}

	if p.stopper != nil {
		p.stopper.AddSuccessAndCheckResume()
	}

	if outcome.IsDiversion() {
		p.metrics.IncrementCounter("stage.diverted", p.tagsWith("channel", channel))
	} else {
		p.metrics.IncrementCounter("stage.success", p.tagsWith("channel", channel))
	}

	if channel == p.defaultOutput {
		return outcome.Event, true, DispositionAck
	}
	p.publish(ctx, topic, channel, outcome.Event)
	return events.Event{}, false, DispositionAck
}

func (p *EventProcessor) guardedTransform(in events.Event) (outcome processor.Outcome, stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
			stack = debug.Stack()
		}
	}()
	outcome, err = p.transform(in)
	return outcome, nil, err
}

func (p *EventProcessor) emit(ctx context.Context, channel string, e events.Event) {
	topic, err := p.routes.Resolve(p.name, channel)
	if err != nil {
		// checked at startup, see Topology.Routes
		p.logger.Error("No route for default output", zap.String("channel", channel), zap.Error(err))
		return
	}
	p.publish(ctx, topic, channel, e)
}

func (p *EventProcessor) publish(ctx context.Context, topic, channel string, e events.Event) {
	value, err := events.Encode(e)
	if err != nil {
		p.logger.Error("Cannot encode output", zap.String("job_id", e.ID), zap.Error(err))
		p.metrics.IncrementCounter("stage.publish_failed", p.tagsWith("channel", channel))
		return
	}

	headers := HeaderCarrier{
		"event_id":    uuid.NewString(),
		"status":      string(e.Status),
		"process_key": e.ProcessKey,
	}
	otel.GetTextMapPropagator().Inject(ctx, headers)

	msg := Message{
		Topic:     topic,
		Key:       []byte(e.MessageKey()),
		Value:     value,
		Headers:   headers,
		Timestamp: e.EventTimestamp.Time,
	}

	p.logger.Debug("Publishing event",
		zap.String("job_id", e.ID),
		zap.String("status", string(e.Status)),
		zap.String("topic", topic),
	)
	if err := p.publisher.Publish(ctx, msg); err != nil {
		p.logger.Error("Cannot publish output",
			zap.String("job_id", e.ID),
			zap.String("topic", topic),
			zap.Error(err),
		)
		p.metrics.IncrementCounter("stage.publish_failed", p.tagsWith("channel", channel))
	}
}

// fail writes the documented error record and feeds the stopper.
func (p *EventProcessor) fail(ctx context.Context, msg *Message, class string, cause error, stack []byte) {
	key := string(msg.Key)
	if key == "" {
		key = errorKeyPlaceholder
	}

	p.logger.Warn("Stage processing failed",
		zap.String("key", key),
		zap.String("class", class),
		zap.Error(cause),
	)
	p.metrics.IncrementCounter("stage.error", p.tagsWith("class", class))

	doc := events.NewDocumentedError(key, msg.Value, class, cause, stack)
	if err := p.publishError(ctx, key, doc); err != nil {
		p.logger.Error("Cannot publish documented error", zap.String("key", key), zap.Error(err))
	}

	if p.stopper != nil && p.stopper.AddErrorAndCheckStop() {
		p.logger.Warn("Too many errors, STOPPING stage", zap.String("binding", p.bindingName))
		p.metrics.IncrementCounter("stage.stopped", p.tags())
		if p.control != nil {
			if err := p.control.Stop(p.bindingName); err != nil {
				p.logger.Error("Cannot stop binding", zap.String("binding", p.bindingName), zap.Error(err))
			}
		}
	}
}

func (p *EventProcessor) publishError(ctx context.Context, key string, doc events.DocumentedError) error {
	topic, err := p.routes.Resolve(p.name, ChannelError)
	if err != nil {
		return err
	}
	value, err := doc.Encode()
	if err != nil {
		return err
	}
	return p.publisher.Publish(ctx, Message{
		Topic:     topic,
		Key:       []byte(key),
		Value:     value,
		Headers:   map[string]string{"event_id": uuid.NewString()},
		Timestamp: time.Now(),
	})
}

func (p *EventProcessor) tags() map[string]string {
	return map[string]string{"stage": p.name}
}

func (p *EventProcessor) tagsWith(k, v string) map[string]string {
	return map[string]string{"stage": p.name, k: v}
}
