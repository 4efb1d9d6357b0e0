package hub

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	rejectMissingID = "missing_id"
	rejectDuplicate = "duplicate_id"
	rejectShutdown  = "shutdown"
)

// Metrics holds the hub's collectors on a private registry so several hubs
// can live in one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connected      prometheus.Gauge
	rejected       *prometheus.CounterVec
	broadcasts     prometheus.Counter
	sendFailures   prometheus.Counter
	framesReceived prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulsehub",
			Subsystem: "hub",
			Name:      "connected_agents",
			Help:      "Agents currently registered.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsehub",
			Subsystem: "hub",
			Name:      "connections_rejected_total",
			Help:      "Agent connections rejected, by reason.",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulsehub",
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Broadcasts fanned out.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulsehub",
			Subsystem: "hub",
			Name:      "broadcast_send_failures_total",
			Help:      "Per-recipient sends that failed during fan-out.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulsehub",
			Subsystem: "hub",
			Name:      "frames_received_total",
			Help:      "Text frames received from agents.",
		}),
	}
	m.registry.MustRegister(m.connected, m.rejected, m.broadcasts, m.sendFailures, m.framesReceived)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Metrics) agentConnected() {
	if m != nil {
		m.connected.Inc()
	}
}

func (m *Metrics) agentDisconnected() {
	if m != nil {
		m.connected.Dec()
	}
}

func (m *Metrics) connectionRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) broadcastDone(failures int) {
	if m != nil {
		m.broadcasts.Inc()
		m.sendFailures.Add(float64(failures))
	}
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}
