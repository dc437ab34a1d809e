// Package metrics exposes Prometheus collectors for the deployment pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/admission"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/breaker"
)

// Config configures metrics collection.
type Config struct {
	// Enabled controls whether metrics are collected and served.
	Enabled bool `mapstructure:"enabled"`

	// Namespace prefixes every metric name.
	// Default: "coderunner".
	Namespace string `mapstructure:"namespace"`
}

// Metrics holds the collectors. A disabled instance accepts every call and
// records nothing.
type Metrics struct {
	config Config

	// Workflow metrics
	transitions      *prometheus.CounterVec
	workflowsDone    *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec

	// Breaker metrics
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// Admission metrics
	admissionActive prometheus.Gauge
	admissionQueued *prometheus.GaugeVec
	admissionOwners prometheus.Gauge
	admissionHold   prometheus.Histogram

	// Store metrics
	deploymentsByStatus *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a private registry.
func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "coderunner"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_transitions_total",
				Help:      "Persisted deployment status transitions",
			},
			[]string{"from", "to"},
		),
		workflowsDone: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_finished_total",
				Help:      "Deployment workflows finished, by final status and error kind",
			},
			[]string{"status", "error_kind"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Time from submission to the end of the workflow",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit state per provider operation (0=closed, 1=half_open, 2=open)",
			},
			[]string{"op"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit state changes per provider operation",
			},
			[]string{"op", "from", "to"},
		),

		admissionActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "admission_active_slots",
				Help:      "Provisioning slots currently held",
			},
		),
		admissionQueued: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "admission_queued",
				Help:      "Deployments waiting for a provisioning slot, by priority band",
			},
			[]string{"band"},
		),
		admissionOwners: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "admission_owners",
				Help:      "Owners currently holding at least one slot",
			},
		),
		admissionHold: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admission_slot_hold_seconds",
				Help:      "How long provisioning slots were held before release",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
			},
		),

		deploymentsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployments",
				Help:      "Persisted deployments by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.workflowsDone,
		m.workflowDuration,
		m.breakerState,
		m.breakerTransitions,
		m.admissionActive,
		m.admissionQueued,
		m.admissionOwners,
		m.admissionHold,
		m.deploymentsByStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// =============================================================================
// Workflow Metrics
// =============================================================================

// RecordTransition counts a persisted status change.
func (m *Metrics) RecordTransition(from, to domain.DeploymentStatus) {
	if m.transitions == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordWorkflowFinished records the outcome and duration of a workflow.
func (m *Metrics) RecordWorkflowFinished(d *domain.Deployment, elapsed time.Duration) {
	if m.workflowsDone == nil {
		return
	}
	kind := ""
	if d.Error != nil {
		kind = string(d.Error.Kind)
	}
	m.workflowsDone.WithLabelValues(string(d.Status), kind).Inc()
	m.workflowDuration.WithLabelValues(string(d.Status)).Observe(elapsed.Seconds())
}

// =============================================================================
// Breaker Metrics
// =============================================================================

// RecordBreakerTransition tracks a circuit state change. It matches
// breaker.StateChangeFunc.
func (m *Metrics) RecordBreakerTransition(op string, from, to breaker.State) {
	if m.breakerState == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(op, string(from), string(to)).Inc()
	m.breakerState.WithLabelValues(op).Set(stateValue(to))
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// =============================================================================
// Admission Metrics
// =============================================================================

// SetAdmissionStats mirrors the admission controller counters.
func (m *Metrics) SetAdmissionStats(s admission.Stats) {
	if m.admissionActive == nil {
		return
	}
	m.admissionActive.Set(float64(s.Active))
	m.admissionOwners.Set(float64(s.Owners))
	for band, n := range s.QueuedByBand {
		m.admissionQueued.WithLabelValues(strconv.Itoa(band)).Set(float64(n))
	}
}

// RecordSlotReleased observes how long a released slot was held. The owner
// is not a label.
func (m *Metrics) RecordSlotReleased(_ string, held time.Duration) {
	if m.admissionHold == nil {
		return
	}
	m.admissionHold.Observe(held.Seconds())
}

// =============================================================================
// Store Metrics
// =============================================================================

// SetStatusCounts replaces the per-status deployment gauge.
func (m *Metrics) SetStatusCounts(counts map[domain.DeploymentStatus]int) {
	if m.deploymentsByStatus == nil {
		return
	}
	m.deploymentsByStatus.Reset()
	for status, n := range counts {
		m.deploymentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
