package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient interface using Prometheus
type PrometheusMetricsClient struct {
	namespace string
	subsystem string

	// Metric collectors
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Common labels
	commonLabels prometheus.Labels
}

// NewPrometheusMetricsClient creates a new Prometheus metrics client
func NewPrometheusMetricsClient(namespace, subsystem string, commonLabels map[string]string) *PrometheusMetricsClient {
	labels := prometheus.Labels{}
	for k, v := range commonLabels {
		labels[k] = v
	}

	client := &PrometheusMetricsClient{
		namespace:    namespace,
		subsystem:    subsystem,
		counters:     make(map[string]*prometheus.CounterVec),
		gauges:       make(map[string]*prometheus.GaugeVec),
		histograms:   make(map[string]*prometheus.HistogramVec),
		commonLabels: labels,
	}

	// Register default metrics
	client.registerDefaultMetrics()

	return client
}

// registerDefaultMetrics pre-registers the series spec.md §6 names, so their
// names, help text and label sets are fixed at startup. Each is a Vec
// collector, so a series appears on /metrics only after it is first recorded.
func (c *PrometheusMetricsClient) registerDefaultMetrics() {
	c.getOrCreateCounter("agent_executions_total", "Total agent code executions", []string{"language", "outcome"})
	c.getOrCreateHistogram("agent_execution_duration_seconds", "Agent execution wall-clock duration", []string{"language"}, prometheus.DefBuckets)
	c.getOrCreateHistogram("agent_execution_tokens_total", "Tokens consumed per agent execution", []string{"language"}, prometheus.DefBuckets)
	c.getOrCreateGauge("agent_execution_success_rate", "Rolling success rate across agent executions", []string{})

	c.getOrCreateGauge("sandbox_instances_active", "Sandbox execution slots currently in use", []string{})
	c.getOrCreateHistogram("sandbox_memory_usage_bytes", "Sandbox execution memory usage", []string{}, prometheus.DefBuckets)
	c.getOrCreateHistogram("sandbox_cpu_usage_seconds", "Sandbox execution CPU time", []string{}, prometheus.DefBuckets)

	c.getOrCreateCounter("security_violations_total", "Static-analysis violations detected before execution", []string{"type"})
	c.getOrCreateCounter("policy_evaluations_total", "Policy rule evaluations", []string{"name", "result"})

	c.getOrCreateGauge("fsm_instances_active", "Execution FSM instances currently running", []string{})
	c.getOrCreateCounter("fsm_transitions_total", "FSM state transitions", []string{"from", "to"})
	c.getOrCreateHistogram("fsm_state_duration_seconds", "Time spent in an FSM state before transitioning out", []string{"state"}, prometheus.DefBuckets)

	c.getOrCreateCounter("enforcement_checks_total", "Enforcement gateway check outcomes", []string{"outcome"})
	c.getOrCreateCounter("rate_limit_violations_total", "Requests rejected by the rate limiter", []string{"key"})
	c.getOrCreateCounter("circuit_breaker_trips_total", "Circuit breaker state transitions", []string{"key", "to"})

	c.getOrCreateGauge("system_memory_usage_bytes", "Host memory in use", []string{})
	c.getOrCreateGauge("system_cpu_usage_percent", "Host CPU utilization", []string{})
}

// RecordCounter records a counter metric
func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, fmt.Sprintf("Counter for %s", name), c.getLabelNames(labels))
	counter.With(c.mergeLabelValues(labels)).Add(value)
}

// RecordGauge records a gauge metric
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, fmt.Sprintf("Gauge for %s", name), c.getLabelNames(labels))
	gauge.With(c.mergeLabelValues(labels)).Set(value)
}

// RecordHistogram records a histogram metric
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, fmt.Sprintf("Histogram for %s", name), c.getLabelNames(labels), prometheus.DefBuckets)
	histogram.With(c.mergeLabelValues(labels)).Observe(value)
}

// Close is a no-op: the default Prometheus registry outlives any one
// client and is scraped by the process's own /metrics listener, not
// unregistered on shutdown.
func (c *PrometheusMetricsClient) Close() error {
	return nil
}

// RecordTimer records a timer metric (returns a function to stop the timer)
func (c *PrometheusMetricsClient) RecordTimer(name string, labels map[string]string) func() {
	timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		histogram := c.getOrCreateHistogram(name, fmt.Sprintf("Timer for %s", name), c.getLabelNames(labels), prometheus.DefBuckets)
		histogram.With(c.mergeLabelValues(labels)).Observe(v)
	}))

	return func() {
		timer.ObserveDuration()
	}
}

// IncrementCounter adds value to a counter that has no labels
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with labels
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.RecordCounter(name, value, labels)
}

// RecordDuration records a duration in seconds
func (c *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// StartTimer starts a timer and returns a function to stop it
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordDuration(name, time.Since(start), labels)
	}
}

// Helper methods

func (c *PrometheusMetricsClient) getOrCreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	if counter, exists := c.counters[name]; exists {
		c.mu.RUnlock()
		return counter
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := c.counters[name]; exists {
		return counter
	}

	counter := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)

	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	if gauge, exists := c.gauges[name]; exists {
		c.mu.RUnlock()
		return gauge
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if gauge, exists := c.gauges[name]; exists {
		return gauge
	}

	gauge := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)

	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	c.mu.RLock()
	if histogram, exists := c.histograms[name]; exists {
		c.mu.RUnlock()
		return histogram
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if histogram, exists := c.histograms[name]; exists {
		return histogram
	}

	histogram := promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)

	c.histograms[name] = histogram
	return histogram
}

func (c *PrometheusMetricsClient) getLabelNames(labels map[string]string) []string {
	if labels == nil {
		return []string{}
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	return names
}

func (c *PrometheusMetricsClient) mergeLabelValues(labels map[string]string) prometheus.Labels {
	merged := prometheus.Labels{}

	// Add common labels first
	for k, v := range c.commonLabels {
		merged[k] = v
	}

	// Override with specific labels
	for k, v := range labels {
		merged[k] = v
	}

	return merged
}
