package jobpipe

import (
	"net/http"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

//
// Carrier Options
//

type CarrierOption func(*Carrier)

func WithLogger(logger *zap.Logger) CarrierOption {
	return func(c *Carrier) {
		c.logger = logger
	}
}

func WithMetrics(metrics MetricsCollector) CarrierOption {
	return func(c *Carrier) {
		c.metrics = metrics
	}
}

func WithPublisher(publisher Publisher) CarrierOption {
	return func(c *Carrier) {
		c.publisher = publisher
	}
}

func WithClock(clock clockwork.Clock) CarrierOption {
	return func(c *Carrier) {
		c.clock = clock
	}
}

func WithSourceFactory(factory SourceFactory) CarrierOption {
	return func(c *Carrier) {
		c.sources = factory
	}
}

// WithGroupPrefix sets the prefix of the consumer group of every stage; the stage name follows it.
func WithGroupPrefix(prefix string) CarrierOption {
	return func(c *Carrier) {
		c.groupPrefix = prefix
	}
}

func WithFailureRate(rate float64) CarrierOption {
	return func(c *Carrier) {
		c.failureRate = rate
	}
}

// WithRandomSeed makes the outcomes of the agent stages reproducible.
func WithRandomSeed(seed uint64) CarrierOption {
	return func(c *Carrier) {
		c.seed = &seed
	}
}

func WithStopperOptions(opts ...ProcessingStopperOption) CarrierOption {
	return func(c *Carrier) {
		c.stopperOpts = append(c.stopperOpts, opts...)
	}
}

func WithBindingOptions(opts ...ConsumerBindingOption) CarrierOption {
	return func(c *Carrier) {
		c.bindingOpts = append(c.bindingOpts, opts...)
	}
}

func WithDeciderOptions(opts ...PausedDeciderOption) CarrierOption {
	return func(c *Carrier) {
		c.deciderOpts = append(c.deciderOpts, opts...)
	}
}

func WithSwitchOptions(opts ...SwitchOption) CarrierOption {
	return func(c *Carrier) {
		c.switchOpts = append(c.switchOpts, opts...)
	}
}

//
// ProcessingStopper Options
//

type ProcessingStopperOption func(*DefaultProcessingStopper)

func WithStopperClock(clock clockwork.Clock) ProcessingStopperOption {
	return func(s *DefaultProcessingStopper) {
		s.clock = clock
	}
}

func WithMaxSubsequentErrors(n int) ProcessingStopperOption {
	return func(s *DefaultProcessingStopper) {
		s.maxSubsequentErrors = int64(n)
	}
}

func WithMaxErrorsPerPeriod(n int) ProcessingStopperOption {
	return func(s *DefaultProcessingStopper) {
		s.maxErrorsPerPeriod = int64(n)
	}
}

func WithErrorPeriod(period time.Duration) ProcessingStopperOption {
	return func(s *DefaultProcessingStopper) {
		s.period = period
	}
}

func WithStopperDisabled(disabled bool) ProcessingStopperOption {
	return func(s *DefaultProcessingStopper) {
		s.disabled = disabled
	}
}

//
// BaseWorker Options
//

type BaseWorkerOption func(*BaseWorker)

func WithInitialDelay(delay time.Duration) BaseWorkerOption {
	return func(w *BaseWorker) {
		w.initialDelay = delay
	}
}

func WithWorkerClock(clock clockwork.Clock) BaseWorkerOption {
	return func(w *BaseWorker) {
		w.clock = clock
	}
}

//
// ConsumerBinding Options
//

type ConsumerBindingOption func(*ConsumerBinding)

func WithPollTimeout(timeout time.Duration) ConsumerBindingOption {
	return func(b *ConsumerBinding) {
		b.pollTimeout = timeout
	}
}

// WithRetryDelay sets how long a binding waits before redelivering a record its handler
// asked to retry.
func WithRetryDelay(delay time.Duration) ConsumerBindingOption {
	return func(b *ConsumerBinding) {
		b.retryDelay = delay
	}
}

//
// SwitchOnOff Options
//

type SwitchOption func(*SwitchOnOff)

func WithSwitchClock(clock clockwork.Clock) SwitchOption {
	return func(s *SwitchOnOff) {
		s.clock = clock
	}
}

func WithSettleDelay(delay time.Duration) SwitchOption {
	return func(s *SwitchOnOff) {
		s.settleDelay = delay
	}
}

//
// PausedDecider Options
//

type PausedDeciderOption func(*PausedDecider)

func WithBuckets(buckets ...string) PausedDeciderOption {
	return func(d *PausedDecider) {
		d.buckets = append([]string(nil), buckets...)
	}
}

func WithDefaultAgent(agentKey string) PausedDeciderOption {
	return func(d *PausedDecider) {
		d.defaultAgent = agentKey
	}
}

func WithPollInterval(interval time.Duration) PausedDeciderOption {
	return func(d *PausedDecider) {
		d.interval = interval
	}
}

func WithPollInitialDelay(delay time.Duration) PausedDeciderOption {
	return func(d *PausedDecider) {
		d.initialDelay = delay
	}
}

//
// HTTPAdminClient Options
//

type AdminClientOption func(*HTTPAdminClient)

func WithHTTPClient(client *http.Client) AdminClientOption {
	return func(c *HTTPAdminClient) {
		c.client = client
	}
}

func WithAdminTimeout(timeout time.Duration) AdminClientOption {
	return func(c *HTTPAdminClient) {
		c.client.Timeout = timeout
	}
}

func WithProcessListPath(path string) AdminClientOption {
	return func(c *HTTPAdminClient) {
		c.path = path
	}
}

func WithAdminRetry(attempts uint, delay time.Duration) AdminClientOption {
	return func(c *HTTPAdminClient) {
		c.retryAttempts = attempts
		c.retryDelay = delay
	}
}

//
// EventProcessor Options
//

type EventProcessorOption func(*EventProcessor)

func WithStopper(stopper ProcessingStopper) EventProcessorOption {
	return func(p *EventProcessor) {
		p.stopper = stopper
	}
}

func WithStageControl(control StageControl) EventProcessorOption {
	return func(p *EventProcessor) {
		p.control = control
	}
}

// WithDefaultOutput names the channel the stage's plain results go to.
func WithDefaultOutput(channel string) EventProcessorOption {
	return func(p *EventProcessor) {
		p.defaultOutput = channel
	}
}

func WithBindingName(name string) EventProcessorOption {
	return func(p *EventProcessor) {
		p.bindingName = name
	}
}

//
// KafkaPublisher Options
//

type KafkaPublisherOption func(*KafkaPublisher)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.headerBuilder = builder
	}
}

//
// KafkaSource Options
//

type KafkaSourceOption func(*KafkaSource)

func WithKafkaConsumerProps(props kafka.ConfigMap) KafkaSourceOption {
	return func(s *KafkaSource) {
		for k, v := range props {
			s.consumerProps[k] = v
		}
	}
}

//
// StateRecordService Options
//

type StateRecordServiceOption func(*StateRecordService)

func WithStateRecordClock(clock clockwork.Clock) StateRecordServiceOption {
	return func(s *StateRecordService) {
		s.clock = clock
	}
}
