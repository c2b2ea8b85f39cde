package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Helmsman.
type Metrics struct {
	config MetricsConfig

	// Execution repository metrics
	executionsStored    *prometheus.CounterVec
	executionsDeleted   *prometheus.CounterVec
	serializationErrors *prometheus.CounterVec
	indexPrunes         *prometheus.CounterVec

	// Saga metrics
	sagaActionsApplied *prometheus.CounterVec
	sagaActionDuration *prometheus.HistogramVec
	sagaRetries        *prometheus.CounterVec
	sagaCompensations  *prometheus.CounterVec

	// Trigger metrics
	triggerEvents  *prometheus.CounterVec
	triggerMatches *prometheus.CounterVec

	// Artifact metrics
	artifactResolutions *prometheus.CounterVec

	// Capacity guard metrics
	guardChecks *prometheus.CounterVec
	guardSaves  *prometheus.CounterVec

	// System metrics
	activeExecutions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Execution repository metrics
		executionsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_stored_total",
				Help:      "Total number of executions stored",
			},
			[]string{"execution_type"},
		),
		executionsDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_deleted_total",
				Help:      "Total number of executions deleted",
			},
			[]string{"execution_type"},
		),
		serializationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_serialization_errors_total",
				Help:      "Total number of execution payloads that failed to serialize or deserialize",
			},
			[]string{"execution_type", "application"},
		),
		indexPrunes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_index_prunes_total",
				Help:      "Total number of missing executions pruned from secondary indexes",
			},
			[]string{"index"},
		),

		// Saga metrics
		sagaActionsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_actions_applied_total",
				Help:      "Total number of saga actions applied",
			},
			[]string{"saga", "action", "outcome"},
		),
		sagaActionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "saga_action_duration_seconds",
				Help:      "Duration of saga action execution in seconds",
				Buckets:   buckets,
			},
			[]string{"saga", "action"},
		),
		sagaRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_action_retries_total",
				Help:      "Total number of saga action retries",
			},
			[]string{"saga", "action"},
		),
		sagaCompensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_compensations_total",
				Help:      "Total number of compensating actions invoked",
			},
			[]string{"saga", "outcome"},
		),

		// Trigger metrics
		triggerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_events_total",
				Help:      "Total number of trigger events processed",
			},
			[]string{"category", "outcome"},
		),
		triggerMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_matches_total",
				Help:      "Total number of workflow definitions matched by events",
			},
			[]string{"category"},
		),

		// Artifact metrics
		artifactResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_resolutions_total",
				Help:      "Total number of artifact resolution attempts",
			},
			[]string{"outcome"},
		),

		// Capacity guard metrics
		guardChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_checks_total",
				Help:      "Total number of capacity guard checks",
			},
			[]string{"outcome"},
		),
		guardSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_saves_total",
				Help:      "Total number of destructive operations blocked by the capacity guard",
			},
			[]string{"application", "account", "location"},
		),

		// System metrics
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of active executions",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.executionsStored,
		m.executionsDeleted,
		m.serializationErrors,
		m.indexPrunes,
		m.sagaActionsApplied,
		m.sagaActionDuration,
		m.sagaRetries,
		m.sagaCompensations,
		m.triggerEvents,
		m.triggerMatches,
		m.artifactResolutions,
		m.guardChecks,
		m.guardSaves,
		m.activeExecutions,
	)

	return m, nil
}

// Execution Repository Metrics

// RecordExecutionStored increments the counter for stored executions.
func (m *Metrics) RecordExecutionStored(executionType string) {
	if m.executionsStored == nil {
		return
	}
	m.executionsStored.WithLabelValues(executionType).Inc()
}

// RecordExecutionDeleted increments the counter for deleted executions.
func (m *Metrics) RecordExecutionDeleted(executionType string) {
	if m.executionsDeleted == nil {
		return
	}
	m.executionsDeleted.WithLabelValues(executionType).Inc()
}

// RecordSerializationError records a persisted payload that failed to
// encode or decode.
func (m *Metrics) RecordSerializationError(executionType, application string) {
	if m.serializationErrors == nil {
		return
	}
	m.serializationErrors.WithLabelValues(executionType, application).Inc()
}

// RecordIndexPruned records a missing execution pruned from an index.
func (m *Metrics) RecordIndexPruned(index string) {
	if m.indexPrunes == nil {
		return
	}
	m.indexPrunes.WithLabelValues(index).Inc()
}

// Saga Metrics

// RecordSagaActionApplied records one applied saga action and its duration.
func (m *Metrics) RecordSagaActionApplied(saga, action, outcome string, duration time.Duration) {
	if m.sagaActionsApplied == nil {
		return
	}
	m.sagaActionsApplied.WithLabelValues(saga, action, outcome).Inc()
	m.sagaActionDuration.WithLabelValues(saga, action).Observe(duration.Seconds())
}

// RecordSagaRetry records a retried saga action.
func (m *Metrics) RecordSagaRetry(saga, action string) {
	if m.sagaRetries == nil {
		return
	}
	m.sagaRetries.WithLabelValues(saga, action).Inc()
}

// RecordSagaCompensation records a compensating action invocation.
func (m *Metrics) RecordSagaCompensation(saga, outcome string) {
	if m.sagaCompensations == nil {
		return
	}
	m.sagaCompensations.WithLabelValues(saga, outcome).Inc()
}

// Trigger Metrics

// RecordTriggerEvent records one processed trigger event.
func (m *Metrics) RecordTriggerEvent(category, outcome string) {
	if m.triggerEvents == nil {
		return
	}
	m.triggerEvents.WithLabelValues(category, outcome).Inc()
}

// RecordTriggerMatch records a workflow definition matched by an event.
func (m *Metrics) RecordTriggerMatch(category string) {
	if m.triggerMatches == nil {
		return
	}
	m.triggerMatches.WithLabelValues(category).Inc()
}

// Artifact Metrics

// RecordArtifactResolution records one artifact resolution attempt.
func (m *Metrics) RecordArtifactResolution(outcome string) {
	if m.artifactResolutions == nil {
		return
	}
	m.artifactResolutions.WithLabelValues(outcome).Inc()
}

// Capacity Guard Metrics

// RecordGuardCheck records one capacity guard evaluation.
func (m *Metrics) RecordGuardCheck(outcome string) {
	if m.guardChecks == nil {
		return
	}
	m.guardChecks.WithLabelValues(outcome).Inc()
}

// RecordGuardSave records a destructive operation the guard blocked.
func (m *Metrics) RecordGuardSave(application, account, location string) {
	if m.guardSaves == nil {
		return
	}
	m.guardSaves.WithLabelValues(application, account, location).Inc()
}

// System Metrics

// SetActiveExecutions sets the current number of active executions.
func (m *Metrics) SetActiveExecutions(count float64) {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
