// Package metrics exports prometheus collectors for the coordination
// engine. All methods are nil-receiver safe so wiring them up stays
// optional in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	clientsConnected prometheus.Gauge
	admissions       *prometheus.CounterVec
	broadcasts       prometheus.Counter
	deliveryFailures prometheus.Counter
	recordingsActive prometheus.Gauge
}

// New registers the collectors on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		clientsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomcore",
			Name:      "clients_connected",
			Help:      "Number of currently registered connections",
		}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomcore",
			Name:      "admissions_total",
			Help:      "Connection admissions by path and result",
		}, []string{"path", "result"}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roomcore",
			Name:      "broadcasts_total",
			Help:      "Room fan-out broadcasts started",
		}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roomcore",
			Name:      "delivery_failures_total",
			Help:      "Per-connection fan-out delivery failures",
		}),
		recordingsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomcore",
			Name:      "recordings_active",
			Help:      "Recordings currently running",
		}),
	}
}

func (m *Metrics) ClientAdded() {
	if m != nil {
		m.clientsConnected.Inc()
	}
}

func (m *Metrics) ClientRemoved() {
	if m != nil {
		m.clientsConnected.Dec()
	}
}

func (m *Metrics) Admission(path, result string) {
	if m != nil {
		m.admissions.WithLabelValues(path, result).Inc()
	}
}

func (m *Metrics) BroadcastStarted() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

func (m *Metrics) DeliveryFailed() {
	if m != nil {
		m.deliveryFailures.Inc()
	}
}

func (m *Metrics) RecordingStarted() {
	if m != nil {
		m.recordingsActive.Inc()
	}
}

func (m *Metrics) RecordingStopped() {
	if m != nil {
		m.recordingsActive.Dec()
	}
}
