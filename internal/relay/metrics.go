package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay counters exposed on /metrics.
type Metrics struct {
	forwarded  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	connected  prometheus.Gauge
	reconnects prometheus.Counter
	controls   *prometheus.CounterVec
}

// NewMetrics creates the relay metrics and registers them on reg. A nil
// registerer leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditor",
			Subsystem: "relay",
			Name:      "forwarded_total",
			Help:      "Records admitted by the relay, by kind and platform",
		}, []string{"kind", "platform"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditor",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Records refused by the relay, by reason",
		}, []string{"reason"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "auditor",
			Subsystem: "relay",
			Name:      "connected",
			Help:      "1 while the portal connection is open",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auditor",
			Subsystem: "relay",
			Name:      "connect_attempts_total",
			Help:      "Portal connection attempts",
		}),
		controls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditor",
			Subsystem: "relay",
			Name:      "control_messages_total",
			Help:      "Control messages received from the portal, by type",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.forwarded, m.dropped, m.connected, m.reconnects, m.controls)
	}
	return m
}
