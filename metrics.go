package factory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registered prometheus.Counter
	dispatched *prometheus.CounterVec
	replies    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

func newMetrics() *metrics {
	return &metrics{
		registered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "factory",
			Subsystem: "directory",
			Name:      "records_registered_total",
			Help:      "Records registered after a successful instantiation reply",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "factory",
			Subsystem: "migrations",
			Name:      "commands_dispatched_total",
			Help:      "Outbound commands by kind",
		}, []string{"kind"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "factory",
			Subsystem: "migrations",
			Name:      "replies_total",
			Help:      "Handled replies by outcome",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "factory",
			Name:      "call_duration_seconds",
			Help:      "Engine call latency",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op", "status"}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.registered, m.dispatched, m.replies, m.latency} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.latency.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
