package instrumentation

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks per-endpoint invocation accounting. These are the
// process-local observability counters; the durable counters live with the
// definitions in the store.
type Metrics struct {
	registry    *prometheus.Registry
	invocations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apirun_endpoint_invocations_total",
			Help: "Completed custom endpoint invocations.",
		}, []string{"endpoint_id", "handler_kind", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apirun_endpoint_latency_seconds",
			Help:    "Custom endpoint invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint_id", "handler_kind"}),
	}
	registry.MustRegister(m.invocations, m.latency)
	return m
}

func (m *Metrics) ObserveInvocation(endpointID, handlerKind string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.invocations.WithLabelValues(endpointID, handlerKind, outcome).Inc()
	m.latency.WithLabelValues(endpointID, handlerKind).Observe(duration.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
