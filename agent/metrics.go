package agent

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of an agent, on a registry of its own.
type Metrics struct {
	spawned         prometheus.Counter
	exited          *prometheus.CounterVec
	launchFailures  prometheus.Counter
	streamErrors    *prometheus.CounterVec
	diagnosticBytes prometheus.Counter
	activeBridges   prometheus.Gauge
	bridgeDuration  prometheus.Histogram

	registry *prometheus.Registry
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "stdiobridge"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.spawned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "processes_spawned_total",
		Help:      "Total number of child processes spawned for connections",
	})
	m.exited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_exited_total",
			Help:      "Total number of child processes that exited, by exit code",
		},
		[]string{"code"},
	)
	m.launchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "launch_failures_total",
		Help:      "Total number of child processes that could not be launched",
	})
	m.streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total number of bridges torn down by an I/O error, by direction",
		},
		[]string{"direction"},
	)
	m.diagnosticBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "diagnostic_bytes_total",
		Help:      "Total number of bytes read from child process stderr",
	})
	m.activeBridges = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_bridges",
		Help:      "Number of connections currently bridged to a child process",
	})
	m.bridgeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bridge_duration_seconds",
		Help:      "Lifetime of bridges from spawn to teardown",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600, 3600},
	})

	m.registry.MustRegister(
		m.spawned,
		m.exited,
		m.launchFailures,
		m.streamErrors,
		m.diagnosticBytes,
		m.activeBridges,
		m.bridgeDuration,
	)

	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) bridgeOpened() {
	m.spawned.Inc()
	m.activeBridges.Inc()
}

func (m *Metrics) bridgeClosed(d time.Duration) {
	m.activeBridges.Dec()
	m.bridgeDuration.Observe(d.Seconds())
}

func (m *Metrics) processExited(code int) {
	m.exited.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) launchFailed() {
	m.launchFailures.Inc()
}

func (m *Metrics) streamFailed(direction string) {
	m.streamErrors.WithLabelValues(direction).Inc()
}

func (m *Metrics) diagnostic(n int) {
	m.diagnosticBytes.Add(float64(n))
}
