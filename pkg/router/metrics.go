package router

import (
	"sync"
	"time"
)

// Metrics is a point-in-time snapshot of router activity.
type Metrics struct {
	Requests      int64
	Notifications int64
	Successes     int64
	Failures      int64
	PerMethod     map[string]int64
	AvgLatency    time.Duration
	LastActivity  time.Time
}

// ErrorRate reports the fraction of requests that failed.
func (m Metrics) ErrorRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.Requests)
}

type routerMetrics struct {
	mu            sync.Mutex
	requests      int64
	notifications int64
	successes     int64
	failures      int64
	perMethod     map[string]int64
	avgLatency    float64 // nanos, running mean
	samples       int64
	lastActivity  time.Time
}

func (m *routerMetrics) recordRequest(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.perMethod == nil {
		m.perMethod = make(map[string]int64)
	}
	m.perMethod[method]++
	m.lastActivity = time.Now()
}

func (m *routerMetrics) recordNotification(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications++
	if m.perMethod == nil {
		m.perMethod = make(map[string]int64)
	}
	m.perMethod[method]++
	m.lastActivity = time.Now()
}

func (m *routerMetrics) recordSuccess(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
	m.observeLocked(elapsed)
}

func (m *routerMetrics) recordFailure(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	m.observeLocked(elapsed)
}

func (m *routerMetrics) observeLocked(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	m.samples++
	m.avgLatency += (float64(elapsed) - m.avgLatency) / float64(m.samples)
}

func (m *routerMetrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	perMethod := make(map[string]int64, len(m.perMethod))
	for k, v := range m.perMethod {
		perMethod[k] = v
	}

	return Metrics{
		Requests:      m.requests,
		Notifications: m.notifications,
		Successes:     m.successes,
		Failures:      m.failures,
		PerMethod:     perMethod,
		AvgLatency:    time.Duration(m.avgLatency),
		LastActivity:  m.lastActivity,
	}
}
