package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts relay activity. Registered on a dedicated registry so tests
// can run many servers without collisions.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectedUsers     prometheus.Gauge
	ForwardedEnvelopes *prometheus.CounterVec
	DroppedEnvelopes   prometheus.Counter
	ActiveCalls        prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ConnectedUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_users",
			Help: "Number of users currently registered with the relay.",
		}),
		ForwardedEnvelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forwarded_envelopes_total",
			Help: "Envelopes forwarded between peers, by envelope type.",
		}, []string{"type"}),
		DroppedEnvelopes: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_dropped_envelopes_total",
			Help: "Envelopes dropped because the target was unknown or slow.",
		}),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_calls",
			Help: "Peer pairs currently in the connected state.",
		}),
	}
}
