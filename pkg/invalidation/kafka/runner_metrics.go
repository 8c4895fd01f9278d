package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	msgs     *prometheus.CounterVec
	apply    *prometheus.CounterVec
	proc     prometheus.Histogram
	lagGauge prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		msgs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_invalidation_msgs_total",
				Help: "Invalidation messages by result.",
			},
			[]string{"result"},
		),
		apply: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_invalidation_apply_total",
				Help: "Actions taken for invalidation messages.",
			},
			[]string{"action"},
		),
		proc: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_invalidation_processing_seconds",
				Help:    "Processing time for one message.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
		),
		lagGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_invalidation_lag_seconds",
				Help: "Approximate lag: now - message.timestamp.",
			},
		),
	}
	if r != nil {
		r.MustRegister(m.msgs, m.apply, m.proc, m.lagGauge)
	}
	return m
}
