package jobpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// KafkaSource is a MessageSource backed by a Kafka consumer group member. Offsets are committed
// manually, one record at a time.
type KafkaSource struct {
	consumer      *kafka.Consumer
	consumerProps kafka.ConfigMap
	topics        []string
	logger        *zap.Logger

	mu     sync.Mutex
	paused bool
}

// NewKafkaSource subscribes a new consumer of group groupID to topics.
func NewKafkaSource(groupID string, topics []string, logger *zap.Logger, opts ...KafkaSourceOption) (*KafkaSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &KafkaSource{
		consumerProps: kafka.ConfigMap{
			"auto.offset.reset":  "earliest",
			"enable.auto.commit": false,
		},
		topics: topics,
		logger: logger.With(zap.String("group_id", groupID)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.consumerProps["group.id"] = groupID

	consumer, err := kafka.NewConsumer(&s.consumerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := consumer.SubscribeTopics(topics, s.rebalance); err != nil {
		_ = consumer.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}
	s.consumer = consumer
	return s, nil
}

// NewKafkaSourceFactory returns a SourceFactory opening one KafkaSource per binding.
func NewKafkaSourceFactory(logger *zap.Logger, props kafka.ConfigMap) SourceFactory {
	return func(groupID string, topics []string) (MessageSource, error) {
		return NewKafkaSource(groupID, topics, logger, WithKafkaConsumerProps(props))
	}
}

// rebalance keeps newly assigned partitions paused while the source is paused.
func (s *KafkaSource) rebalance(c *kafka.Consumer, e kafka.Event) error {
	switch ev := e.(type) {
	case kafka.AssignedPartitions:
		s.logger.Info("Partitions assigned", zap.Int("count", len(ev.Partitions)))
		if err := c.Assign(ev.Partitions); err != nil {
			return err
		}
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused && len(ev.Partitions) > 0 {
			return c.Pause(ev.Partitions)
		}
	case kafka.RevokedPartitions:
		s.logger.Info("Partitions revoked", zap.Int("count", len(ev.Partitions)))
		return c.Unassign()
	}
	return nil
}

// Poll implements MessageSource.
func (s *KafkaSource) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	km, err := s.consumer.ReadMessage(timeout)
	if err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from kafka: %w", err)
	}
	msg := fromKafkaMessage(km)
	return &msg, nil
}

// Commit implements MessageSource by committing the offset after msg.
func (s *KafkaSource) Commit(_ context.Context, msg *Message) error {
	if _, err := s.consumer.CommitOffsets([]kafka.TopicPartition{toTopicPartition(*msg, 1)}); err != nil {
		return fmt.Errorf("failed to commit offset: %w", err)
	}
	return nil
}

// Rewind implements MessageSource by seeking back to msg so that it is read again.
func (s *KafkaSource) Rewind(msg *Message) error {
	if err := s.consumer.Seek(toTopicPartition(*msg, 0), 0); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	return nil
}

// Pause implements MessageSource.
func (s *KafkaSource) Pause() error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	return s.applyToAssignment(s.consumer.Pause)
}

// Resume implements MessageSource.
func (s *KafkaSource) Resume() error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	return s.applyToAssignment(s.consumer.Resume)
}

func (s *KafkaSource) applyToAssignment(fn func([]kafka.TopicPartition) error) error {
	assignment, err := s.consumer.Assignment()
	if err != nil {
		return fmt.Errorf("failed to read assignment: %w", err)
	}
	if len(assignment) == 0 {
		return nil
	}
	return fn(assignment)
}

// Close implements MessageSource.
func (s *KafkaSource) Close() error {
	return s.consumer.Close()
}

func fromKafkaMessage(km *kafka.Message) Message {
	msg := Message{
		Partition: km.TopicPartition.Partition,
		Offset:    int64(km.TopicPartition.Offset),
		Key:       km.Key,
		Value:     km.Value,
		Timestamp: km.Timestamp,
	}
	if km.TopicPartition.Topic != nil {
		msg.Topic = *km.TopicPartition.Topic
	}
	if len(km.Headers) > 0 {
		msg.Headers = make(map[string]string, len(km.Headers))
		for _, h := range km.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

func toTopicPartition(msg Message, delta int64) kafka.TopicPartition {
	topic := msg.Topic
	return kafka.TopicPartition{
		Topic:     &topic,
		Partition: msg.Partition,
		Offset:    kafka.Offset(msg.Offset + delta),
	}
}
