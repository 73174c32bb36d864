package sidekick

import (
	"github.com/prometheus/client_golang/prometheus"
)

/*
Metrics exposes the broker's operational counters. Construct one per
registry; the broker works without metrics when nil.
*/
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	PublishedFrames *prometheus.CounterVec
	EnqueuedFrames  prometheus.Counter
	DroppedSessions prometheus.Counter
}

// NewMetrics registers the broker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sidekick",
			Name:      "active_sessions",
			Help:      "Number of live client sessions.",
		}),
		PublishedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sidekick",
			Name:      "published_frames_total",
			Help:      "Frames published to topics, by frame type.",
		}, []string{"type"}),
		EnqueuedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sidekick",
			Name:      "enqueued_frames_total",
			Help:      "Frames enqueued onto session outbound queues.",
		}),
		DroppedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sidekick",
			Name:      "dropped_sessions_total",
			Help:      "Sessions dropped for exceeding the outbound high-water mark.",
		}),
	}

	reg.MustRegister(m.ActiveSessions, m.PublishedFrames, m.EnqueuedFrames, m.DroppedSessions)
	return m
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) published(frameType string) {
	if m != nil {
		m.PublishedFrames.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) enqueued() {
	if m != nil {
		m.EnqueuedFrames.Inc()
	}
}

func (m *Metrics) sessionDropped() {
	if m != nil {
		m.DroppedSessions.Inc()
	}
}
