package jobpipe

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/giraone/jobpipe/events"
)

const (
	BindingMaterializeInserts = "materializeInserts"
	BindingMaterializeUpdates = "materializeUpdates"
)

// ConsumerService feeds job events into the StateRecordService. Every record is acknowledged
// whatever the outcome, so a poison record never blocks its partition; failures are only
// logged and counted.
type ConsumerService struct {
	records *StateRecordService
	logger  *zap.Logger
	metrics MetricsCollector
}

// NewConsumerService creates the materializer front end.
func NewConsumerService(records *StateRecordService, logger *zap.Logger, metrics MetricsCollector) *ConsumerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &ConsumerService{
		records: records,
		logger:  logger,
		metrics: metrics,
	}
}

// HandleInsert consumes the accepted channel.
func (c *ConsumerService) HandleInsert(ctx context.Context, msg *Message) Disposition {
	e, err := events.Decode(msg.Value)
	if err != nil {
		c.logger.Error("Cannot decode accepted event", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		c.metrics.IncrementCounter("materializer.insert.failure", nil)
		return DispositionAck
	}

	if _, err := c.records.Insert(ctx, e); err != nil {
		c.logger.Error("Cannot materialize accepted event", zap.String("job_id", e.ID), zap.Error(err))
		c.metrics.IncrementCounter("materializer.insert.failure", nil)
		return DispositionAck
	}
	c.metrics.IncrementCounter("materializer.insert.success", nil)
	return DispositionAck
}

// HandleUpdate consumes every status channel.
func (c *ConsumerService) HandleUpdate(ctx context.Context, msg *Message) Disposition {
	e, err := events.Decode(msg.Value)
	if err != nil {
		c.logger.Error("Cannot decode status event", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		c.metrics.IncrementCounter("materializer.update.failure", nil)
		return DispositionAck
	}

	applied, err := c.records.Upsert(ctx, e)
	switch {
	case err != nil:
		c.logger.Error("Cannot materialize status event",
			zap.String("job_id", e.ID),
			zap.String("status", string(e.Status)),
			zap.Error(err),
		)
		c.metrics.IncrementCounter("materializer.update.failure", nil)
	case applied == 0:
		c.metrics.IncrementCounter("materializer.update.stale", nil)
	default:
		c.metrics.IncrementCounter("materializer.update.success", nil)
	}
	return DispositionAck
}

// Bindings opens the two materializer subscriptions: accepted events and every status channel
// of the topology. The returned bindings are stopped.
func (c *ConsumerService) Bindings(topology Topology, sources SourceFactory, groupPrefix string, opts ...ConsumerBindingOption) ([]*ConsumerBinding, error) {
	inserts, err := sources(groupPrefix+BindingMaterializeInserts, []string{topology.Topics.Accepted})
	if err != nil {
		return nil, fmt.Errorf("failed to open accepted subscription: %w", err)
	}
	updates, err := sources(groupPrefix+BindingMaterializeUpdates, topology.StatusTopics())
	if err != nil {
		_ = inserts.Close()
		return nil, fmt.Errorf("failed to open status subscription: %w", err)
	}
	return []*ConsumerBinding{
		NewConsumerBinding(BindingMaterializeInserts, inserts, c.HandleInsert, c.logger, opts...),
		NewConsumerBinding(BindingMaterializeUpdates, updates, c.HandleUpdate, c.logger, opts...),
	}, nil
}
