package audit

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertDeniedAccessSpike AlertType = "denied_access_spike"
	AlertEmergencySpike    AlertType = "emergency_request_spike"
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

const (
	defaultDeniedWindow       = 1 * time.Minute
	defaultDeniedThreshold    = 50
	defaultEmergencyWindow    = 10 * time.Minute
	defaultEmergencyThreshold = 10
)

type window struct {
	times     []time.Time
	span      time.Duration
	threshold int
}

// add records now and reports the count when it reaches the threshold,
// resetting to avoid repeated alerts within the same spike.
func (w *window) add(now time.Time) (int, bool) {
	w.times = append(w.times, now)
	cutoff := now.Add(-w.span)
	start := 0
	for start < len(w.times) && w.times[start].Before(cutoff) {
		start++
	}
	w.times = w.times[start:]
	if n := len(w.times); n >= w.threshold {
		w.times = w.times[:0]
		return n, true
	}
	return 0, false
}

// alertCollector tracks sliding window counters for anomaly detection.
type alertCollector struct {
	mu        sync.Mutex
	denied    window
	emergency window
	alertFn   AlertFunc
}

func newAlertCollector(fn AlertFunc) *alertCollector {
	return &alertCollector{
		denied:    window{span: defaultDeniedWindow, threshold: defaultDeniedThreshold},
		emergency: window{span: defaultEmergencyWindow, threshold: defaultEmergencyThreshold},
		alertFn:   fn,
	}
}

func (c *alertCollector) record(event Event, now time.Time) {
	if c.alertFn == nil {
		return
	}
	c.mu.Lock()
	var alert *AlertEvent
	switch event {
	case AccessDenied, SignedGrantRejected, EmergencyRejected:
		if n, hit := c.denied.add(now); hit {
			alert = &AlertEvent{Type: AlertDeniedAccessSpike, Message: "denied request rate exceeds threshold", Count: n, Threshold: c.denied.threshold, Timestamp: now}
		}
	case EmergencyRequested:
		if n, hit := c.emergency.add(now); hit {
			alert = &AlertEvent{Type: AlertEmergencySpike, Message: "emergency request rate exceeds threshold", Count: n, Threshold: c.emergency.threshold, Timestamp: now}
		}
	}
	c.mu.Unlock()
	if alert != nil {
		c.alertFn(*alert)
	}
}
