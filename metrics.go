package jobpipe

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// NopMetricsCollector is a metrics collector that does nothing.
// It is used as a default when no other collector is provided.
type NopMetricsCollector struct{}

// NewNopMetricsCollector creates a new NopMetricsCollector.
func NewNopMetricsCollector() *NopMetricsCollector {
	return &NopMetricsCollector{}
}

// IncrementCounter implements the MetricsCollector interface.
func (m *NopMetricsCollector) IncrementCounter(name string, tags map[string]string) {}

// RecordDuration implements the MetricsCollector interface.
func (m *NopMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
}

// RecordGauge implements the MetricsCollector interface.
func (m *NopMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {}

// OpenTelemetryMetricsCollector is a metrics collector that uses the OpenTelemetry API.
// Instruments are created lazily and cached; stage goroutines share one collector.
type OpenTelemetryMetricsCollector struct {
	meter      metric.Meter
	counters   sync.Map // name -> metric.Int64Counter
	histograms sync.Map // name -> metric.Float64Histogram
	gauges     sync.Map // name -> metric.Float64Gauge
}

// NewOpenTelemetryMetricsCollector creates a new OpenTelemetryMetricsCollector with the default meter.
func NewOpenTelemetryMetricsCollector() *OpenTelemetryMetricsCollector {
	return NewOpenTelemetryMetricsCollectorWithMeter(otel.Meter("jobpipe"))
}

// NewOpenTelemetryMetricsCollectorWithMeter creates a new OpenTelemetryMetricsCollector with a specific meter.
func NewOpenTelemetryMetricsCollectorWithMeter(meter metric.Meter) *OpenTelemetryMetricsCollector {
	return &OpenTelemetryMetricsCollector{meter: meter}
}

// IncrementCounter implements the MetricsCollector interface using OpenTelemetry.
func (m *OpenTelemetryMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	counter, err := m.getOrCreateCounter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(m.convertTagsToAttributes(tags)...))
}

// RecordDuration implements the MetricsCollector interface using OpenTelemetry.
func (m *OpenTelemetryMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	histogram, err := m.getOrCreateHistogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(m.convertTagsToAttributes(tags)...))
}

// RecordGauge implements the MetricsCollector interface using OpenTelemetry.
func (m *OpenTelemetryMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	gauge, err := m.getOrCreateGauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(m.convertTagsToAttributes(tags)...))
}

func (m *OpenTelemetryMetricsCollector) getOrCreateCounter(name string) (metric.Int64Counter, error) {
	if counter, ok := m.counters.Load(name); ok {
		return counter.(metric.Int64Counter), nil
	}
	counter, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	actual, _ := m.counters.LoadOrStore(name, counter)
	return actual.(metric.Int64Counter), nil
}

func (m *OpenTelemetryMetricsCollector) getOrCreateHistogram(name string) (metric.Float64Histogram, error) {
	if histogram, ok := m.histograms.Load(name); ok {
		return histogram.(metric.Float64Histogram), nil
	}
	histogram, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	actual, _ := m.histograms.LoadOrStore(name, histogram)
	return actual.(metric.Float64Histogram), nil
}

func (m *OpenTelemetryMetricsCollector) getOrCreateGauge(name string) (metric.Float64Gauge, error) {
	if gauge, ok := m.gauges.Load(name); ok {
		return gauge.(metric.Float64Gauge), nil
	}
	gauge, err := m.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	actual, _ := m.gauges.LoadOrStore(name, gauge)
	return actual.(metric.Float64Gauge), nil
}

func (m *OpenTelemetryMetricsCollector) convertTagsToAttributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for key, value := range tags {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}

// PrometheusMetricsCollector registers one vector per metric name on first use. The label names
// of a metric are taken from the tags of its first observation and must stay the same.
type PrometheusMetricsCollector struct {
	registerer prometheus.Registerer
	namespace  string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetricsCollector creates a collector registering on reg.
func NewPrometheusMetricsCollector(reg prometheus.Registerer, namespace string) *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		registerer: reg,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// IncrementCounter implements the MetricsCollector interface.
func (m *PrometheusMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	labels := labelNames(tags)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      promName(name) + "_total",
			Help:      name,
		}, labels)
		vec = registerOrExisting(m.registerer, vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()

	if c, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		c.Inc()
	}
}

// RecordDuration implements the MetricsCollector interface. Negative durations are observed as is.
func (m *PrometheusMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	labels := labelNames(tags)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      promName(name) + "_seconds",
			Help:      name,
			Buckets:   []float64{-1, 0, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, labels)
		vec = registerOrExisting(m.registerer, vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()

	if h, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		h.Observe(duration.Seconds())
	}
}

// RecordGauge implements the MetricsCollector interface.
func (m *PrometheusMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	labels := labelNames(tags)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      promName(name),
			Help:      name,
		}, labels)
		vec = registerOrExisting(m.registerer, vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()

	if g, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		g.Set(value)
	}
}

func registerOrExisting[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
