package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertRejectionSpike       AlertType = "enrollment_rejection_spike"
	AlertIssuanceFailureSpike AlertType = "issuance_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter fires once its count within window reaches threshold, then
// starts over.
type slidingCounter struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

func (c *slidingCounter) add(now time.Time) (int, bool) {
	c.times = append(c.times, now)
	c.times = trimWindow(c.times, now, c.window)
	n := len(c.times)
	if n < c.threshold {
		return n, false
	}
	c.times = c.times[:0]
	return n, true
}

// metricsCollector watches audit events for rejection storms and for runs
// of server-side issuance failures, such as an unreachable store.
type metricsCollector struct {
	mu         sync.Mutex
	rejections slidingCounter
	failures   slidingCounter
	alertFn    AlertFunc
}

const (
	defaultRejectionWindow    = 1 * time.Minute
	defaultRejectionThreshold = 50
	defaultFailureWindow      = 5 * time.Minute
	defaultFailureThreshold   = 5
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		rejections: slidingCounter{window: defaultRejectionWindow, threshold: defaultRejectionThreshold},
		failures:   slidingCounter{window: defaultFailureWindow, threshold: defaultFailureThreshold},
		alertFn:    alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	switch event {
	case AuditEnrollmentRejected, AuditEnrollmentRateLimited:
		if n, fire := m.rejections.add(now); fire {
			m.alertFn(AlertEvent{
				Type:      AlertRejectionSpike,
				Message:   "rejected enrollment rate exceeds threshold",
				Count:     n,
				Threshold: m.rejections.threshold,
				Timestamp: now,
			})
		}
	case AuditEnrollmentFailed:
		if n, fire := m.failures.add(now); fire {
			m.alertFn(AlertEvent{
				Type:      AlertIssuanceFailureSpike,
				Message:   "certificate issuance keeps failing",
				Count:     n,
				Threshold: m.failures.threshold,
				Timestamp: now,
			})
		}
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
