package ingest

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	lines         *prometheus.CounterVec
	storeDegraded prometheus.Gauge
	insertLatency prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensord",
			Name:      "lines_total",
			Help:      "Input lines by pipeline outcome.",
		}, []string{"outcome"}),
		storeDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensord",
			Name:      "store_degraded",
			Help:      "1 while record store writes are failing.",
		}),
		insertLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sensord",
			Name:      "store_insert_duration_seconds",
			Help:      "Latency of record store inserts.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.lines, m.storeDegraded, m.insertLatency)
	}
	return m
}
