package observability

import (
	"sync"
	"time"
)

// InMemoryMetricsClient accumulates metrics in memory. It backs the
// performance monitor in tests and in deployments without an external
// metrics pipeline.
type InMemoryMetricsClient struct {
	mu        sync.RWMutex
	counters  map[string]float64
	gauges    map[string]float64
	latencies map[string][]time.Duration
}

// NewInMemoryMetricsClient creates a new in-memory metrics client
func NewInMemoryMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters:  make(map[string]float64),
		gauges:    make(map[string]float64),
		latencies: make(map[string][]time.Duration),
	}
}

// RecordCounter adds value to the named counter
func (m *InMemoryMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// RecordGauge sets the named gauge
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// RecordLatency appends a latency sample for the operation
func (m *InMemoryMetricsClient) RecordLatency(operation string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[operation] = append(m.latencies[operation], duration)
}

// IncrementCounter increments the named counter
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, nil)
}

// Counter returns the current value of the named counter
func (m *InMemoryMetricsClient) Counter(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// Latencies returns the recorded samples for the operation
func (m *InMemoryMetricsClient) Latencies(operation string) []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]time.Duration, len(m.latencies[operation]))
	copy(out, m.latencies[operation])
	return out
}

// Close releases resources
func (m *InMemoryMetricsClient) Close() error { return nil }
