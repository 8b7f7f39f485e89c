package transport

import (
	"sync"
	"time"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

// LatencySnapshot summarizes the rolling latency window
type LatencySnapshot struct {
	Avg   time.Duration `json:"avg"`
	Max   time.Duration `json:"max"`
	Count int           `json:"count"`
	// Compliant is false when the rolling average exceeds the target.
	Compliant bool `json:"compliant"`
}

// PerformanceMonitor tracks message-processing latency over a rolling
// window and flags non-compliance against a target budget.
type PerformanceMonitor struct {
	mu      sync.Mutex
	name    string
	target  time.Duration
	window  int
	samples []time.Duration
	next    int
	filled  bool

	metrics observability.MetricsClient
}

// NewPerformanceMonitor creates a monitor with the given target budget
func NewPerformanceMonitor(name string, target time.Duration, metrics observability.MetricsClient) *PerformanceMonitor {
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	const window = 256
	return &PerformanceMonitor{
		name:    name,
		target:  target,
		window:  window,
		samples: make([]time.Duration, window),
		metrics: metrics,
	}
}

// RecordLatency adds one sample to the rolling window
func (m *PerformanceMonitor) RecordLatency(sample time.Duration) {
	m.metrics.RecordLatency(m.name, sample)

	m.mu.Lock()
	m.samples[m.next] = sample
	m.next++
	if m.next == m.window {
		m.next = 0
		m.filled = true
	}
	m.mu.Unlock()
}

// Snapshot summarizes the current window
func (m *PerformanceMonitor) Snapshot() LatencySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.filled {
		n = m.window
	}
	if n == 0 {
		return LatencySnapshot{Compliant: true}
	}

	var sum, max time.Duration
	for i := 0; i < n; i++ {
		s := m.samples[i]
		sum += s
		if s > max {
			max = s
		}
	}
	avg := sum / time.Duration(n)
	return LatencySnapshot{
		Avg:       avg,
		Max:       max,
		Count:     n,
		Compliant: avg <= m.target,
	}
}
