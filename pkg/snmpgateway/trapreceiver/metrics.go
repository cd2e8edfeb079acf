package trapreceiver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the listener's Prometheus counters.
type Metrics struct {
	Received   prometheus.Counter
	Dispatched prometheus.Counter
	Unmatched  prometheus.Counter
	Dropped    prometheus.Counter
}

// NewMetrics creates the listener counters on reg. A nil reg yields
// unregistered counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Received: f.NewCounter(prometheus.CounterOpts{
			Name: "snmpgateway_traps_received_total",
			Help: "Traps and informs received by the listener.",
		}),
		Dispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "snmpgateway_traps_dispatched_total",
			Help: "Data-changed messages handed to the output channel.",
		}),
		Unmatched: f.NewCounter(prometheus.CounterOpts{
			Name: "snmpgateway_traps_unmatched_total",
			Help: "Traps from an unknown source or carrying no subscribed OID.",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "snmpgateway_traps_dropped_total",
			Help: "Data-changed messages dropped because the output channel was full.",
		}),
	}
}
