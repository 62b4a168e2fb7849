// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the platform.
type Metrics struct {
	RequestCounter    *prometheus.CounterVec
	LatencyHistogram  *prometheus.HistogramVec
	TransitionCounter *prometheus.CounterVec
	ReaperReclaims    *prometheus.CounterVec
	ReaperErrors      prometheus.Counter
	ActiveContainers  prometheus.Gauge
	LastSweepUnix     prometheus.Gauge
	registry          *prometheus.Registry
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// New creates and registers all metrics (singleton to avoid duplicate
// registration across tests).
func New() *Metrics {
	metricsOnce.Do(func() {
		registry := prometheus.NewRegistry()

		m := &Metrics{
			RequestCounter: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "labforge_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			LatencyHistogram: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "labforge_request_duration_seconds",
					Help:    "HTTP request latency in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
			TransitionCounter: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "labforge_container_transitions_total",
					Help: "Container state transitions by target state",
				},
				[]string{"to_state"},
			),
			ReaperReclaims: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "labforge_reaper_reclaims_total",
					Help: "Containers reclaimed by the reaper, by reason",
				},
				[]string{"reason"},
			),
			ReaperErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "labforge_reaper_errors_total",
					Help: "Per-container errors encountered during sweeps",
				},
			),
			ActiveContainers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "labforge_active_containers",
					Help: "Containers currently in starting, running or stopping",
				},
			),
			LastSweepUnix: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "labforge_reaper_last_sweep_timestamp_seconds",
					Help: "Unix time of the last completed reaper sweep",
				},
			),
			registry: registry,
		}

		registry.MustRegister(m.RequestCounter)
		registry.MustRegister(m.LatencyHistogram)
		registry.MustRegister(m.TransitionCounter)
		registry.MustRegister(m.ReaperReclaims)
		registry.MustRegister(m.ReaperErrors)
		registry.MustRegister(m.ActiveContainers)
		registry.MustRegister(m.LastSweepUnix)

		metricsInstance = m
	})
	return metricsInstance
}

// Handler returns the /metrics endpoint backed by the custom registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
