package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"gopkg.in/yaml.v3"

	"github.com/giraone/jobpipe"
	"github.com/giraone/jobpipe/storage/sqlstore"
)

// Environment variables overriding the file.
const (
	EnvDatabaseDSN           = "JOBPIPE_DATABASE_DSN"
	EnvKafkaBootstrapServers = "JOBPIPE_KAFKA_BOOTSTRAP_SERVERS"
	EnvAdminBaseURL          = "JOBPIPE_ADMIN_BASE_URL"
)

// Metrics backends.
const (
	MetricsPrometheus    = "prometheus"
	MetricsOpenTelemetry = "otel"
	MetricsNone          = "none"
)

// Config is the root of the YAML configuration file.
type Config struct {
	ShowConfigOnStartup bool `yaml:"showConfigOnStartup"`

	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Topics   jobpipe.Topics `yaml:"topics"`
	Agents   []string       `yaml:"agents"`
	Buckets  []string       `yaml:"buckets"`
	Decider  DeciderConfig  `yaml:"decider"`
	Admin    AdminConfig    `yaml:"admin"`
	Stopper  StopperConfig  `yaml:"stopper"`
	Resume   ResumeConfig   `yaml:"resume"`
	Switch   SwitchConfig   `yaml:"switch"`
	Agent    AgentConfig    `yaml:"agent"`
	Database DatabaseConfig `yaml:"database"`
}

type LogConfig struct {
	Development bool `yaml:"development"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Backend   string `yaml:"backend"`
	Namespace string `yaml:"namespace"`
}

// KafkaConfig holds the broker address and raw librdkafka properties for both clients.
type KafkaConfig struct {
	BootstrapServers string            `yaml:"bootstrapServers"`
	GroupPrefix      string            `yaml:"groupPrefix"`
	Producer         map[string]string `yaml:"producer"`
	Consumer         map[string]string `yaml:"consumer"`
}

// ProducerProps returns the producer configuration.
func (k KafkaConfig) ProducerProps() kafka.ConfigMap {
	return k.props(k.Producer)
}

// ConsumerProps returns the consumer configuration without the group id, which is per binding.
func (k KafkaConfig) ConsumerProps() kafka.ConfigMap {
	props := k.props(k.Consumer)
	if _, ok := props["auto.offset.reset"]; !ok {
		props["auto.offset.reset"] = "earliest"
	}
	props["enable.auto.commit"] = false
	return props
}

func (k KafkaConfig) props(extra map[string]string) kafka.ConfigMap {
	props := kafka.ConfigMap{"bootstrap.servers": k.BootstrapServers}
	for key, value := range extra {
		props[key] = value
	}
	return props
}

type DeciderConfig struct {
	Interval     Duration `yaml:"interval"`
	InitialDelay Duration `yaml:"initialDelay"`
}

type AdminConfig struct {
	BaseURL         string      `yaml:"baseURL"`
	ProcessListPath string      `yaml:"processListPath"`
	Timeout         Duration    `yaml:"timeout"`
	Retry           RetryConfig `yaml:"retry"`
}

// RetryConfig is a fixed-delay retry. Zero attempts means no retry.
type RetryConfig struct {
	Attempts   uint     `yaml:"attempts"`
	FixedDelay Duration `yaml:"fixedDelay"`
}

type StopperConfig struct {
	Disabled            bool     `yaml:"disabled"`
	MaxSubsequentErrors int      `yaml:"maxSubsequentErrors"`
	MaxErrorsPerPeriod  int      `yaml:"maxErrorsPerPeriod"`
	Period              Duration `yaml:"period"`
}

type ResumeConfig struct {
	RetryDelay Duration `yaml:"retryDelay"`
}

type SwitchConfig struct {
	SettleDelay Duration `yaml:"settleDelay"`
}

// AgentConfig configures the simulated agents. Seed 0 means a random seed.
type AgentConfig struct {
	FailureRate float64 `yaml:"failureRate"`
	Seed        uint64  `yaml:"seed"`
}

type DatabaseConfig struct {
	Dialect sqlstore.Dialect `yaml:"dialect"`
	DSN     string           `yaml:"dsn"`
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		HTTP:    HTTPConfig{Addr: ":8080"},
		Metrics: MetricsConfig{Backend: MetricsPrometheus, Namespace: "jobpipe"},
		Kafka: KafkaConfig{
			BootstrapServers: "localhost:9092",
			GroupPrefix:      "jobpipe-",
		},
		Topics:  jobpipe.DefaultTopics(),
		Agents:  []string{"A01", "A02", "A03"},
		Buckets: []string{"B01", "B02"},
		Decider: DeciderConfig{
			Interval:     Duration(10 * time.Second),
			InitialDelay: Duration(10 * time.Second),
		},
		Admin: AdminConfig{
			BaseURL:         "http://localhost:8090",
			ProcessListPath: "/api/processes",
			Timeout:         Duration(30 * time.Second),
			Retry: RetryConfig{
				Attempts:   2,
				FixedDelay: Duration(500 * time.Millisecond),
			},
		},
		Stopper: StopperConfig{
			MaxSubsequentErrors: 3,
			MaxErrorsPerPeriod:  6,
			Period:              Duration(60 * time.Second),
		},
		Resume:   ResumeConfig{RetryDelay: Duration(5 * time.Second)},
		Switch:   SwitchConfig{SettleDelay: Duration(2 * time.Second)},
		Agent:    AgentConfig{FailureRate: 0.1},
		Database: DatabaseConfig{Dialect: sqlstore.DialectMySQL},
	}
}

// Load reads the file at path over the defaults, applies environment overrides and validates
// the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML bytes over the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvDatabaseDSN); ok {
		c.Database.DSN = v
	}
	if v, ok := os.LookupEnv(EnvKafkaBootstrapServers); ok {
		c.Kafka.BootstrapServers = v
	}
	if v, ok := os.LookupEnv(EnvAdminBaseURL); ok {
		c.Admin.BaseURL = v
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Topology().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("topology: %w", err))
	}
	if c.Kafka.BootstrapServers == "" {
		errs = append(errs, errors.New("kafka.bootstrapServers is required"))
	}
	if c.Agent.FailureRate < 0 || c.Agent.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("agent.failureRate must be within [0, 1], got %v", c.Agent.FailureRate))
	}
	if c.Stopper.MaxSubsequentErrors < 1 || c.Stopper.MaxErrorsPerPeriod < 1 {
		errs = append(errs, errors.New("stopper limits must be positive"))
	}
	if c.Stopper.Period <= 0 {
		errs = append(errs, errors.New("stopper.period must be positive"))
	}
	if c.Decider.Interval <= 0 {
		errs = append(errs, errors.New("decider.interval must be positive"))
	}
	if !strings.HasPrefix(c.Admin.ProcessListPath, "/") {
		errs = append(errs, fmt.Errorf("admin.processListPath must start with /, got %q", c.Admin.ProcessListPath))
	}
	switch c.Database.Dialect {
	case sqlstore.DialectMySQL, sqlstore.DialectPostgres:
	default:
		errs = append(errs, fmt.Errorf("unsupported database.dialect %q", c.Database.Dialect))
	}
	switch c.Metrics.Backend {
	case MetricsPrometheus, MetricsOpenTelemetry, MetricsNone:
	default:
		errs = append(errs, fmt.Errorf("unsupported metrics.backend %q", c.Metrics.Backend))
	}
	return errors.Join(errs...)
}

// Topology returns the stage topology declared by the configuration.
func (c *Config) Topology() jobpipe.Topology {
	return jobpipe.Topology{
		Topics:  c.Topics,
		Agents:  c.Agents,
		Buckets: c.Buckets,
	}
}

// String renders the configuration as YAML with the database DSN masked.
func (c Config) String() string {
	if c.Database.DSN != "" {
		c.Database.DSN = "****"
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}
