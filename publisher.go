package jobpipe

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// KafkaHeaderBuilder defines a function type for building Kafka message headers from a Message.
type KafkaHeaderBuilder func(msg Message) []kafka.Header

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

// NewNopPublisher creates a new NopPublisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish implements the Publisher interface.
func (p *NopPublisher) Publish(_ context.Context, _ Message) error {
	return nil
}

// Close implements the Publisher interface.
func (p *NopPublisher) Close() error {
	return nil
}

// KafkaPublisher writes messages to Kafka and waits for each delivery report, so a stage
// acknowledges its input only after the output is durable.
type KafkaPublisher struct {
	logger        *zap.Logger
	producer      *kafka.Producer
	producerProps kafka.ConfigMap
	headerBuilder KafkaHeaderBuilder
}

// NewKafkaPublisher creates a new KafkaPublisher with functional options.
func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) (*KafkaPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		headerBuilder: buildKafkaHeaders,
	}

	for _, opt := range opts {
		opt(p)
	}

	producer, err := kafka.NewProducer(&p.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer

	go p.handleProducerEvents()

	return p, nil
}

// Publish sends msg to its topic and blocks until the broker acknowledged it or ctx ends.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	topic := msg.Topic
	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
		Headers:        p.headerBuilder(msg),
		Timestamp:      timestamp,
	}

	delivery := make(chan kafka.Event, 1)
	if err := p.producer.Produce(message, delivery); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery to %s failed: %w", topic, m.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes the producer and closes the Kafka connection.
func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing kafka producer")
	p.producer.Flush(15 * 1000)
	p.producer.Close()
	return nil
}

// handleProducerEvents logs client-level errors. Delivery reports go to the per-message channel.
func (p *KafkaPublisher) handleProducerEvents() {
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Error("Delivery failed",
					zap.String("topic", *ev.TopicPartition.Topic),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			p.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

// buildKafkaHeaders is the default function for creating Kafka headers from a message.
func buildKafkaHeaders(msg Message) []kafka.Header {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
