// Package metrics exposes pulsar's Prometheus instrumentation: invocation
// counts and latency, worker pool size, load failures, and worker restarts.
// The registry is process-global; Handler serves it for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for invocation duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

type collectors struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	workers            *prometheus.GaugeVec
	workerRestarts     *prometheus.CounterVec
	loadFailures       *prometheus.CounterVec
}

var (
	mu        sync.Mutex
	global    *collectors
	namespace = "pulsar"
	buckets   []float64
)

// Init configures the metrics subsystem. Calling it is optional; recording
// before Init uses the default namespace.
func Init(ns string, latencyBuckets []float64) {
	mu.Lock()
	defer mu.Unlock()
	if ns != "" {
		namespace = ns
	}
	buckets = latencyBuckets
	global = newCollectors()
}

func get() *collectors {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = newCollectors()
	}
	return global
}

func newCollectors() *collectors {
	b := buckets
	if len(b) == 0 {
		b = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &collectors{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of plugin invocations",
			},
			[]string{"function", "status"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_ms",
				Help:      "Invocation duration in milliseconds",
				Buckets:   b,
			},
			[]string{"function"},
		),

		workers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers",
				Help:      "Live workers in the plugin pool",
			},
			[]string{"plugin"},
		),

		workerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_restarts_total",
				Help:      "Workers terminated and scheduled for replacement",
			},
			[]string{"plugin"},
		),

		loadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_failures_total",
				Help:      "Plugin load attempts that failed",
			},
			[]string{"plugin"},
		),
	}

	registry.MustRegister(
		c.invocationsTotal,
		c.invocationDuration,
		c.workers,
		c.workerRestarts,
		c.loadFailures,
	)
	return c
}

// RecordInvocation counts one completed invocation and its latency.
func RecordInvocation(function, status string, durationMs float64) {
	c := get()
	c.invocationsTotal.WithLabelValues(function, status).Inc()
	c.invocationDuration.WithLabelValues(function).Observe(durationMs)
}

// SetWorkers records the live worker count for a plugin.
func SetWorkers(pluginName string, n int) {
	get().workers.WithLabelValues(pluginName).Set(float64(n))
}

// RecordWorkerRestart counts one worker discarded for replacement.
func RecordWorkerRestart(pluginName string) {
	get().workerRestarts.WithLabelValues(pluginName).Inc()
}

// RecordLoadFailure counts one failed load attempt.
func RecordLoadFailure(pluginName string) {
	get().loadFailures.WithLabelValues(pluginName).Inc()
}

// Handler returns the scrape endpoint for the process registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(get().registry, promhttp.HandlerOpts{})
}
