// Package metrics registers Prometheus collectors against a private
// registry and wires them to engine.Hooks callbacks, mirroring the gauge
// and debug-endpoint pattern the teacher establishes in its webdav
// profiling server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objcache/filecached/internal/engine"
)

// Metrics holds the private registry and collectors. Nothing in
// internal/engine imports this package; Hooks() returns plain callbacks
// the engine calls without knowing Prometheus exists.
type Metrics struct {
	registry *prometheus.Registry

	cacheSize    *prometheus.GaugeVec
	cacheObjects *prometheus.GaugeVec
	evictions    *prometheus.CounterVec
	inserts      *prometheus.CounterVec
	expires      *prometheus.CounterVec
}

// New registers all collectors against a fresh private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.cacheSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "filecached_cache_size_bytes",
		Help: "Accounted cache size per type.",
	}, []string{"type"})

	m.cacheObjects = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "filecached_cache_objects",
		Help: "Number of cached objects per type.",
	}, []string{"type"})

	m.evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filecached_evictions_total",
		Help: "Objects evicted per type and reason.",
	}, []string{"type", "reason"})

	m.inserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filecached_insert_total",
		Help: "Objects inserted per type.",
	}, []string{"type"})

	m.expires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filecached_expire_total",
		Help: "Objects expired per type.",
	}, []string{"type"})

	m.registry.MustRegister(m.cacheSize, m.cacheObjects, m.evictions, m.inserts, m.expires)
	return m
}

// Hooks returns the engine.Hooks callbacks wired to these collectors.
func (m *Metrics) Hooks() engine.Hooks {
	return engine.Hooks{
		OnInsert: func(typeName string) {
			m.inserts.WithLabelValues(typeName).Inc()
		},
		OnExpire: func(typeName, reason string) {
			m.expires.WithLabelValues(typeName).Inc()
		},
		OnEvict: func(typeName, reason string) {
			m.evictions.WithLabelValues(typeName, reason).Inc()
		},
	}
}

// Observe updates the size/count gauges from a fresh snapshot. Call
// periodically; the engine does not push these itself since gauges are
// idempotent snapshots, not deltas.
func (m *Metrics) Observe(typeName string, status engine.CacheTypeStatus) {
	m.cacheSize.WithLabelValues(typeName).Set(float64(status.Size))
	m.cacheObjects.WithLabelValues(typeName).Set(float64(status.NumObjects))
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
