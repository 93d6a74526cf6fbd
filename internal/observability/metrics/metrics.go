// Package metrics exposes Prometheus collectors for the offline worker and the
// page-facing surfaces. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "folio"

// Fetch sources, used as label values and in the X-Folio-Source header.
const (
	SourceNetwork     = "network"
	SourceCache       = "cache"
	SourceOfflinePage = "offline-page"
	SourcePassthrough = "passthrough"
	SourceMiss        = "miss"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Metrics groups every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	installs      *prometheus.CounterVec
	installTime   prometheus.Histogram
	activations   prometheus.Counter
	cacheWrites   *prometheus.CounterVec
	generations   prometheus.Gauge
	signals       *prometheus.CounterVec
	signalDrops   prometheus.Counter
	signalClients prometheus.Gauge
	chatRequests  *prometheus.CounterVec
}

// New creates and registers all collectors, including the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "fetches_total",
			Help:      "Intercepted fetches by response source.",
		}, []string{"source"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "installs_total",
			Help:      "Worker install attempts by result.",
		}, []string{"result"}),
		installTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "install_duration_seconds",
			Help:      "Time spent pre-caching the static manifest.",
			Buckets:   prometheus.DefBuckets,
		}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "activations_total",
			Help:      "Worker activations.",
		}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Background cache writes by result.",
		}, []string{"result"}),
		generations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "generations",
			Help:      "Cache generations present after the last activation.",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "published_total",
			Help:      "Page-facing signals published by name.",
		}, []string{"name"}),
		signalDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "dropped_total",
			Help:      "Signals not delivered because a client's queue was full.",
		}),
		signalClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "clients",
			Help:      "Connected signal stream clients.",
		}),
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Chat proxy requests by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fetches, m.installs, m.installTime, m.activations, m.cacheWrites,
		m.generations, m.signals, m.signalDrops, m.signalClients, m.chatRequests,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordFetch(source string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordInstall(result string, seconds float64) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result).Inc()
	m.installTime.Observe(seconds)
}

func (m *Metrics) RecordActivation(generations int) {
	if m == nil {
		return
	}
	m.activations.Inc()
	m.generations.Set(float64(generations))
}

func (m *Metrics) RecordCacheWrite(result string) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSignal(name string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(name).Inc()
}

func (m *Metrics) RecordSignalDropped() {
	if m == nil {
		return
	}
	m.signalDrops.Inc()
}

func (m *Metrics) SignalClientConnected() {
	if m == nil {
		return
	}
	m.signalClients.Inc()
}

func (m *Metrics) SignalClientDisconnected() {
	if m == nil {
		return
	}
	m.signalClients.Dec()
}

func (m *Metrics) RecordChat(result string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(result).Inc()
}
