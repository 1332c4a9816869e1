package client

import (
	"sync"
	"time"
)

// Metrics is a point-in-time snapshot of client call activity.
type Metrics struct {
	Requests     int64
	Successes    int64
	Failures     int64
	PerMethod    map[string]int64
	AvgLatency   time.Duration
	LastActivity time.Time
}

type clientMetrics struct {
	mu           sync.Mutex
	requests     int64
	successes    int64
	failures     int64
	perMethod    map[string]int64
	avgLatency   float64 // nanos, running mean
	samples      int64
	lastActivity time.Time
}

func (m *clientMetrics) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.perMethod == nil {
		m.perMethod = make(map[string]int64)
	}
	m.perMethod[method]++
	m.lastActivity = time.Now()
}

func (m *clientMetrics) recordSuccess(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
	m.observeLocked(elapsed)
}

func (m *clientMetrics) recordFailure(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	m.observeLocked(elapsed)
}

func (m *clientMetrics) observeLocked(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	m.samples++
	m.avgLatency += (float64(elapsed) - m.avgLatency) / float64(m.samples)
}

func (m *clientMetrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	perMethod := make(map[string]int64, len(m.perMethod))
	for k, v := range m.perMethod {
		perMethod[k] = v
	}

	return Metrics{
		Requests:     m.requests,
		Successes:    m.successes,
		Failures:     m.failures,
		PerMethod:    perMethod,
		AvgLatency:   time.Duration(m.avgLatency),
		LastActivity: m.lastActivity,
	}
}
