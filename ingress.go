package jobpipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/giraone/jobpipe/events"
)

// ErrMissingProcessKey is returned when submitting a job without a process.
var ErrMissingProcessKey = errors.New("process key is required")

// HeaderCarrier adapts message headers for trace context propagation.
type HeaderCarrier map[string]string

var _ propagation.TextMapCarrier = HeaderCarrier(nil)

// Get returns the value associated with the passed key.
func (c HeaderCarrier) Get(key string) string {
	return c[key]
}

// Set stores the key-value pair.
func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the keys stored in this carrier.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// NewJobID returns a time-ordered job id (UUIDv7).
func NewJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}
	return id.String(), nil
}

// Submitter writes accepted jobs onto the accepted channel. It is the entry point of the
// pipeline for operators and smoke tests.
type Submitter struct {
	publisher Publisher
	topic     string
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewSubmitter creates a submitter publishing to topic.
func NewSubmitter(publisher Publisher, topic string, logger *zap.Logger, clock clockwork.Clock) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Submitter{
		publisher: publisher,
		topic:     topic,
		clock:     clock,
		logger:    logger,
	}
}

// Submit accepts a job of the given process and returns the published event. The trace
// context of ctx travels in the message headers.
func (s *Submitter) Submit(ctx context.Context, processKey, payload string) (events.Event, error) {
	if processKey == "" {
		return events.Event{}, ErrMissingProcessKey
	}
	id, err := NewJobID()
	if err != nil {
		return events.Event{}, err
	}

	accepted := events.NewAccepted(id, processKey, payload, s.clock.Now())
	value, err := events.Encode(accepted)
	if err != nil {
		return events.Event{}, err
	}

	headers := HeaderCarrier{
		"event_id":    uuid.NewString(),
		"status":      string(accepted.Status),
		"process_key": processKey,
	}
	otel.GetTextMapPropagator().Inject(ctx, headers)

	msg := Message{
		Topic:     s.topic,
		Key:       []byte(accepted.MessageKey()),
		Value:     value,
		Headers:   headers,
		Timestamp: accepted.EventTimestamp.Time,
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		return events.Event{}, fmt.Errorf("failed to submit job %s: %w", id, err)
	}

	s.logger.Info("Job submitted",
		zap.String("job_id", id),
		zap.String("process_key", processKey),
		zap.String("topic", s.topic),
	)
	return accepted, nil
}
