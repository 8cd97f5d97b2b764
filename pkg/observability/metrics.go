package observability

import (
	"sync"
	"time"
)

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordDuration(name string, duration time.Duration)

	Close() error
}

// InMemoryMetricsClient accumulates metrics in process memory. It backs
// local deployments and tests; production deployments export through a
// sidecar scraping the snapshot.
type InMemoryMetricsClient struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMetricsClient creates an in-memory metrics client
func NewMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// IncrementCounter increments a counter by value
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// IncrementCounterWithLabels increments a counter, folding labels into the key
func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	key := name
	for k, v := range labels {
		key += "," + k + "=" + v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += value
}

// RecordGauge records a gauge value
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// RecordDuration records a duration as a gauge in seconds
func (m *InMemoryMetricsClient) RecordDuration(name string, duration time.Duration) {
	m.RecordGauge(name, duration.Seconds(), nil)
}

// Counter returns the current value of a counter
func (m *InMemoryMetricsClient) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Close implements MetricsClient.Close
func (m *InMemoryMetricsClient) Close() error { return nil }

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() *NoopMetricsClient { return &NoopMetricsClient{} }

// IncrementCounter implements MetricsClient
func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// IncrementCounterWithLabels implements MetricsClient
func (m *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// RecordGauge implements MetricsClient
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordDuration implements MetricsClient
func (m *NoopMetricsClient) RecordDuration(name string, duration time.Duration) {}

// Close implements MetricsClient
func (m *NoopMetricsClient) Close() error { return nil }
