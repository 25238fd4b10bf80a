// Package metrics exposes Prometheus metrics for the deployment engine on
// a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rulegate"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so callers never need to guard their calls.
type Metrics struct {
	registry *prometheus.Registry

	deploymentsTotal  *prometheus.CounterVec
	guardrailBlocks   *prometheus.CounterVec
	canaryTransitions *prometheus.CounterVec
	applyDuration     prometheus.Histogram
	liveRules         *prometheus.GaugeVec
	packsUploaded     *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		deploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Deployments by terminal status",
			},
			[]string{"tenant", "status"},
		),
		guardrailBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guardrail_blocks_total",
				Help:      "Deployments blocked, by failing guardrail",
			},
			[]string{"guardrail"},
		),
		canaryTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "canary_transitions_total",
				Help:      "Canary state machine transitions by event",
			},
			[]string{"event"},
		),
		applyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "apply_duration_seconds",
				Help:      "Duration of plan application",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		),
		liveRules: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_rules",
				Help:      "Live rules per tenant, enabled and disabled",
			},
			[]string{"tenant"},
		),
		packsUploaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packs_uploaded_total",
				Help:      "Rule packs uploaded, by source",
			},
			[]string{"source"},
		),
	}

	m.registry.MustRegister(
		m.deploymentsTotal,
		m.guardrailBlocks,
		m.canaryTransitions,
		m.applyDuration,
		m.liveRules,
		m.packsUploaded,
	)
	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDeployment counts a deployment reaching a status.
func (m *Metrics) RecordDeployment(tenantID, status string) {
	if m == nil {
		return
	}
	m.deploymentsTotal.WithLabelValues(tenantID, status).Inc()
}

// RecordGuardrailBlocks counts each failing guardrail of a blocked apply.
func (m *Metrics) RecordGuardrailBlocks(failing []string) {
	if m == nil {
		return
	}
	for _, name := range failing {
		m.guardrailBlocks.WithLabelValues(name).Inc()
	}
}

// RecordCanaryTransition counts a canary control event.
func (m *Metrics) RecordCanaryTransition(event string) {
	if m == nil {
		return
	}
	m.canaryTransitions.WithLabelValues(event).Inc()
}

// ObserveApplyDuration records how long an apply took.
func (m *Metrics) ObserveApplyDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.applyDuration.Observe(d.Seconds())
}

// SetLiveRules sets the live rule count gauge for a tenant.
func (m *Metrics) SetLiveRules(tenantID string, count int) {
	if m == nil {
		return
	}
	m.liveRules.WithLabelValues(tenantID).Set(float64(count))
}

// RecordPackUpload counts an uploaded pack.
func (m *Metrics) RecordPackUpload(source string) {
	if m == nil {
		return
	}
	m.packsUploaded.WithLabelValues(source).Inc()
}
