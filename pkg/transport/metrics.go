package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for dispatched requests.
type Metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchRetries  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates dispatch metrics registered on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_dispatch_total",
				Help: "Total number of dispatched requests by method and status class",
			},
			[]string{"method", "class", "status_code"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_dispatch_duration_seconds",
				Help:    "Dispatch latency in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		dispatchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_dispatch_retries_total",
				Help: "Total number of dispatch retries",
			},
			[]string{"method"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.dispatchRetries,
	)

	return m
}

// RecordDispatch records one completed dispatch. A status of zero marks a
// transport error.
func (m *Metrics) RecordDispatch(method, class string, status, retries int, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(method, class, strconv.Itoa(status)).Inc()
	m.dispatchDuration.WithLabelValues(method).Observe(duration.Seconds())
	if retries > 0 {
		m.dispatchRetries.WithLabelValues(method).Add(float64(retries))
	}
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
