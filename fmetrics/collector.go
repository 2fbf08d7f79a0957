// Package fmetrics is the Prometheus-backed implementation of the
// frontend's narrow Metrics collaborator.
package fmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements frontend.Metrics. The frontend calls
// IncrCounter/SetGauge/ObserveEvent with a metric name chosen at the
// call site (handle_num, unique_clients, messages_sent, ...), so each
// Prometheus type is registered once as a vector keyed by that name
// rather than as a fixed struct field per metric.
type Collector struct {
	registry   *prometheus.Registry
	counters   *prometheus.CounterVec
	labeled    *prometheus.CounterVec
	gauges     *prometheus.GaugeVec
	histograms *prometheus.HistogramVec
}

// NewCollector registers the frontend's metric vectors with a private
// Prometheus registry via promauto.With, not the global DefaultRegisterer
// — each Collector owns its own registry so constructing more than one
// (as every test in this package's suite does) never collides on a
// duplicate registration.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	return &Collector{
		registry: reg,
		counters: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "frontend_events_total",
			Help: "Frontend event counters, keyed by event name.",
		}, []string{"name"}),
		labeled: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "frontend_events_by_label_total",
			Help: "Frontend event counters with a secondary label dimension.",
		}, []string{"name", "label"}),
		gauges: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "frontend_gauge",
			Help: "Frontend instantaneous gauges, keyed by gauge name.",
		}, []string{"name"}),
		histograms: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frontend_event_duration_seconds",
			Help:    "Frontend event durations, keyed by event name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
	}
}

// Registry returns the private registry this Collector's vectors are
// registered against, for callers that expose a /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) IncrCounter(name string, delta int64) {
	c.counters.WithLabelValues(name).Add(float64(delta))
}

func (c *Collector) IncrCounterLabel(name, label string, delta int64) {
	c.labeled.WithLabelValues(name, label).Add(float64(delta))
}

func (c *Collector) SetGauge(name string, value float64) {
	c.gauges.WithLabelValues(name).Set(value)
}

func (c *Collector) ObserveEvent(name string, d time.Duration) {
	c.histograms.WithLabelValues(name).Observe(d.Seconds())
}
