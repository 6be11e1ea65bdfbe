package hub

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	subscribers prometheus.Gauge
	published   prometheus.Counter
	dropped     *prometheus.CounterVec
}

// newMetrics builds the hub collectors and registers them on reg when set.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensord",
			Name:      "hub_subscribers",
			Help:      "Number of registered live subscribers.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensord",
			Name:      "hub_published_total",
			Help:      "Readings published to the hub.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensord",
			Name:      "hub_dropped_subscribers_total",
			Help:      "Subscribers removed by the hub, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.subscribers, m.published, m.dropped)
	}
	return m
}
