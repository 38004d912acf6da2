package connection

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes connection counters. A nil *Metrics records nothing.
type Metrics struct {
	status        *prometheus.GaugeVec
	reconnects    prometheus.Counter
	framesIn      *prometheus.CounterVec
	framesOut     prometheus.Counter
	framesDropped prometheus.Counter
	queueDepth    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "connection",
			Name:      "status",
			Help:      "1 for the current session status, 0 otherwise.",
		}, []string{"status"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "connection",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after abnormal closes.",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "connection",
			Name:      "frames_received_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "connection",
			Name:      "frames_sent_total",
			Help:      "Frames written to the socket.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "connection",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "connection",
			Name:      "outbound_queue_depth",
			Help:      "Frames waiting for the socket to open.",
		}),
	}
	reg.MustRegister(m.status, m.reconnects, m.framesIn, m.framesOut, m.framesDropped, m.queueDepth)
	return m
}

func (m *Metrics) setStatus(s Status) {
	if m == nil {
		return
	}
	for _, candidate := range Statuses {
		v := 0.0
		if candidate == s {
			v = 1
		}
		m.status.WithLabelValues(string(candidate)).Set(v)
	}
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) frameReceived(t string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(t).Inc()
}

func (m *Metrics) frameSent() {
	if m == nil {
		return
	}
	m.framesOut.Inc()
}

func (m *Metrics) frameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
