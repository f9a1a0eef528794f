// Package metrics exposes translation outcomes and table occupancy to
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Directions of a translation.
const (
	DirectionEgress  = "egress"
	DirectionIngress = "ingress"
)

// ReasonTranslated is the reason label of a successful translation.
const ReasonTranslated = "translated"

// Metrics owns a private registry so that tests and multiple servers in one
// process do not collide on the default one.
type Metrics struct {
	registry     *prometheus.Registry
	translations *prometheus.CounterVec
	tableEntries *prometheus.GaugeVec
	backendUp    *prometheus.GaugeVec
}

// New creates the metric set and registers it.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		translations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ezsock",
			Name:      "translations_total",
			Help:      "Socket hook outcomes by direction and reason.",
		}, []string{"direction", "reason"}),
		tableEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ezsock",
			Name:      "table_entries",
			Help:      "Number of entries in each bounded table.",
		}, []string{"table"}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ezsock",
			Name:      "backend_healthy",
			Help:      "Health check state of each probed backend (1 healthy, 0 unhealthy).",
		}, []string{"address"}),
	}
	m.registry.MustRegister(
		m.translations,
		m.tableEntries,
		m.backendUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Update counts one hook outcome.
func (m *Metrics) Update(direction, reason string) {
	m.translations.WithLabelValues(direction, reason).Inc()
}

// SetTableEntries records the current size of a table.
func (m *Metrics) SetTableEntries(table string, entries int) {
	m.tableEntries.WithLabelValues(table).Set(float64(entries))
}

// SetBackendHealth replaces the backend health series with statuses, so
// backends that are no longer probed disappear.
func (m *Metrics) SetBackendHealth(statuses map[string]bool) {
	m.backendUp.Reset()
	for address, healthy := range statuses {
		v := 0.0
		if healthy {
			v = 1
		}
		m.backendUp.WithLabelValues(address).Set(v)
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
