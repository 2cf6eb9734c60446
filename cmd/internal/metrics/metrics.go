// Package metrics owns the Prometheus collectors for the messaging service.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally without guarding every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parley"

// Send outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// Metrics groups the service collectors.
type Metrics struct {
	sends       *prometheus.CounterVec
	sendSeconds prometheus.Histogram
	pushes      *prometheus.CounterVec
	pushFrames  *prometheus.CounterVec
	sessions    prometheus.Gauge
	notifies    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// A nil reg leaves them unregistered (useful in tests).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Send attempts by outcome.",
		}, []string{"outcome"}),
		sendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_send_seconds",
			Help:      "Latency of the persist step of a send.",
			Buckets:   prometheus.DefBuckets,
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_events_total",
			Help:      "Live push attempts by event type.",
		}, []string{"event"}),
		pushFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_frames_delivered_total",
			Help:      "Frames enqueued to live sessions by event type.",
		}, []string{"event"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Currently bound live sessions.",
		}),
		notifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Badge notifications by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.sends, m.sendSeconds, m.pushes, m.pushFrames, m.sessions, m.notifies)
	}
	return m
}

// ObserveSend records a send outcome and, for persisted sends, its latency.
func (m *Metrics) ObserveSend(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.sendSeconds.Observe(d.Seconds())
	}
}

// ObservePush records one push attempt and the frames it enqueued.
func (m *Metrics) ObservePush(event string, delivered int) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(event).Inc()
	if delivered > 0 {
		m.pushFrames.WithLabelValues(event).Add(float64(delivered))
	}
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// ObserveNotify records a badge notification outcome.
func (m *Metrics) ObserveNotify(outcome string) {
	if m == nil {
		return
	}
	m.notifies.WithLabelValues(outcome).Inc()
}
