package embedded

import (
	"context"
	"time"
)

// Message is one record read from or written to the log.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Disposition tells a binding what to do with the record it just handed to its handler.
type Disposition int

const (
	// DispositionAck commits the record.
	DispositionAck Disposition = iota
	// DispositionRetry leaves the record uncommitted and redelivers it later.
	DispositionRetry
)

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// MessageSource is the consuming side of a log subscription.
type MessageSource interface {
	// Poll returns nil, nil when nothing arrived within timeout.
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)
	Commit(ctx context.Context, msg *Message) error
	Rewind(msg *Message) error
	Pause() error
	Resume() error
	Close() error
}

type Handler func(ctx context.Context, msg *Message) Disposition

type Binding interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	Pause() error
	Resume() error
	IsRunning() bool
	IsPaused() bool
}

type ProcessingStopper interface {
	AddErrorAndCheckStop() bool
	AddSuccessAndCheckResume() bool
	Reset()
	Status() StopperStatus
}

type StopperStatus struct {
	SuccessTotal int64 `json:"success_total"`
	ErrorTotal   int64 `json:"error_total"`
}

type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}
