package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the reconciler.
type Metrics struct {
	config MetricsConfig

	// Reconciliation metrics
	reconciliationsStarted   prometheus.Counter
	reconciliationsCompleted *prometheus.CounterVec
	reconcileDuration        *prometheus.HistogramVec
	changesApplied           *prometheus.CounterVec

	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	// Snapshot metrics
	snapshotsCreated prometheus.Counter
	snapshotBytes    prometheus.Histogram
	snapshotsPruned  prometheus.Counter

	// Rollback metrics
	rollbacksTotal *prometheus.CounterVec

	// Component health
	componentHealth *prometheus.GaugeVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, all record methods are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		reconciliationsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_started_total",
				Help:      "Total number of reconciliation runs started",
			},
		),
		reconciliationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_completed_total",
				Help:      "Total number of reconciliation runs completed",
			},
			[]string{"status"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconciliation runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		changesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_applied_total",
				Help:      "Total number of component changes applied",
			},
			[]string{"kind"},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of component probes executed",
			},
			[]string{"component", "status"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of component probes in seconds",
				Buckets:   buckets,
			},
			[]string{"component"},
		),

		snapshotsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_created_total",
				Help:      "Total number of snapshots created",
			},
		),
		snapshotBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_bytes",
				Help:      "Size of created snapshots in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
			},
		),
		snapshotsPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_pruned_total",
				Help:      "Total number of snapshots removed by maintenance",
			},
		),

		rollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollback executions",
			},
			[]string{"trigger", "status"},
		),

		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "component_health",
				Help:      "Component health as last inspected (1=healthy, 0=degraded)",
			},
			[]string{"component", "status"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.reconciliationsStarted,
		m.reconciliationsCompleted,
		m.reconcileDuration,
		m.changesApplied,
		m.probesTotal,
		m.probeDuration,
		m.snapshotsCreated,
		m.snapshotBytes,
		m.snapshotsPruned,
		m.rollbacksTotal,
		m.componentHealth,
		m.errorsByCode,
	)

	return m, nil
}

// RecordReconcileStarted increments the counter for started runs.
func (m *Metrics) RecordReconcileStarted() {
	if m.reconciliationsStarted == nil {
		return
	}
	m.reconciliationsStarted.Inc()
}

// RecordReconcileCompleted records a completed run with its status and duration.
func (m *Metrics) RecordReconcileCompleted(status string, duration time.Duration) {
	if m.reconciliationsCompleted == nil {
		return
	}
	m.reconciliationsCompleted.WithLabelValues(status).Inc()
	m.reconcileDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordChangeApplied records one applied change by kind (add, update, remove).
func (m *Metrics) RecordChangeApplied(kind string) {
	if m.changesApplied == nil {
		return
	}
	m.changesApplied.WithLabelValues(kind).Inc()
}

// RecordProbe records a probe execution with its resulting status.
func (m *Metrics) RecordProbe(component, status string, duration time.Duration) {
	if m.probesTotal == nil {
		return
	}
	m.probesTotal.WithLabelValues(component, status).Inc()
	m.probeDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordSnapshotCreated records a created snapshot and its size.
func (m *Metrics) RecordSnapshotCreated(sizeBytes int64) {
	if m.snapshotsCreated == nil {
		return
	}
	m.snapshotsCreated.Inc()
	m.snapshotBytes.Observe(float64(sizeBytes))
}

// RecordSnapshotsPruned records snapshots removed by maintenance.
func (m *Metrics) RecordSnapshotsPruned(count int) {
	if m.snapshotsPruned == nil {
		return
	}
	m.snapshotsPruned.Add(float64(count))
}

// RecordRollback records a rollback execution.
// trigger is "automatic" or "manual"; status is "success" or "failed".
func (m *Metrics) RecordRollback(trigger, status string) {
	if m.rollbacksTotal == nil {
		return
	}
	m.rollbacksTotal.WithLabelValues(trigger, status).Inc()
}

// SetComponentHealth sets the health gauge for a component.
func (m *Metrics) SetComponentHealth(component, status string, healthy bool) {
	if m.componentHealth == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.componentHealth.WithLabelValues(component, status).Set(value)
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
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
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
