// Package metrics holds the Prometheus metrics of a generation run.
//
// Runs are batch jobs, so metrics live on a private registry and are
// written out as a node-exporter textfile at the end of a run instead of
// being scraped. Every method is safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a generation run.
type Metrics struct {
	registry *prometheus.Registry

	EntitiesGenerated    prometheus.Counter
	TimelineEvents       *prometheus.CounterVec
	TriggersFired        *prometheus.CounterVec
	TriggerDepthExceeded prometheus.Counter
	ProfileDuration      prometheus.Histogram
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EntitiesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohortgen_entities_generated_total",
			Help: "Total number of entities generated by profile execution",
		}),
		TimelineEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cohortgen_timeline_events_total",
			Help: "Total number of journey events resolved, by status",
		}, []string{"status"}),
		TriggersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cohortgen_triggers_fired_total",
			Help: "Total number of events synthesized by trigger rules, by rule",
		}, []string{"rule"}),
		TriggerDepthExceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohortgen_trigger_depth_exceeded_total",
			Help: "Total number of coordinated executions that stopped at the propagation depth limit",
		}),
		ProfileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cohortgen_profile_duration_seconds",
			Help:    "Wall time of one profile execution",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// AddEntities adds n generated entities.
func (m *Metrics) AddEntities(n int) {
	if m == nil {
		return
	}
	m.EntitiesGenerated.Add(float64(n))
}

// IncrementTimelineEvent counts one resolved event with the given status.
func (m *Metrics) IncrementTimelineEvent(status string) {
	if m == nil {
		return
	}
	m.TimelineEvents.WithLabelValues(status).Inc()
}

// IncrementTriggerFired counts one event synthesized by rule.
func (m *Metrics) IncrementTriggerFired(rule string) {
	if m == nil {
		return
	}
	m.TriggersFired.WithLabelValues(rule).Inc()
}

// IncrementDepthExceeded counts one depth-limited coordinated execution.
func (m *Metrics) IncrementDepthExceeded() {
	if m == nil {
		return
	}
	m.TriggerDepthExceeded.Inc()
}

// ObserveProfileDuration records the duration of one profile execution.
func (m *Metrics) ObserveProfileDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.ProfileDuration.Observe(d.Seconds())
}

// WriteTextfile writes all metrics to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
