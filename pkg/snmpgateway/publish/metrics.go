package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by all pipelines and labelled by pipeline name.
type Metrics struct {
	Delivered *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Requeued  *prometheus.CounterVec
}

// NewMetrics creates the pipeline counters on reg. A nil reg yields
// unregistered counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snmpgateway_publish_delivered_total",
			Help: "Messages accepted by the platform.",
		}, []string{"pipeline"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snmpgateway_publish_dropped_total",
			Help: "Messages rejected by the platform as invalid and dropped.",
		}, []string{"pipeline"}),
		Requeued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snmpgateway_publish_requeued_total",
			Help: "Messages returned for re-queueing after a platform failure.",
		}, []string{"pipeline"}),
	}
}

// RegisterAvailability exposes a as a 0/1 gauge on reg.
func RegisterAvailability(reg prometheus.Registerer, a *Availability) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "snmpgateway_platform_available",
		Help: "1 while the platform is considered reachable.",
	}, func() float64 {
		if a.IsAvailable() {
			return 1
		}
		return 0
	})
}
