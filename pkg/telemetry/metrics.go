package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the scopekeeper engine.
type Metrics struct {
	config MetricsConfig

	// Lock metrics
	lockAcquisitions  *prometheus.CounterVec
	lockStaleReclaims *prometheus.CounterVec
	lockWaitDuration  *prometheus.HistogramVec

	// State store metrics
	stateLoads  *prometheus.CounterVec
	stateSaves  *prometheus.CounterVec
	backupsMade prometheus.Counter

	// Destruction metrics
	destroyAttempts  *prometheus.CounterVec
	destroyDuration  *prometheus.HistogramVec
	orphansDetected  prometheus.Counter
	finalizeRuns     *prometheus.CounterVec
	finalizeDuration *prometheus.HistogramVec
	activeFinalizes  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When metrics are disabled a no-op instance is returned.
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

		lockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Total lock acquisition attempts by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		lockStaleReclaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_stale_reclaims_total",
				Help:      "Total stale lock markers reclaimed by backend",
			},
			[]string{"backend"},
		),
		lockWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for lock acquisition",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),

		stateLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_loads_total",
				Help:      "Total scope state loads by outcome",
			},
			[]string{"outcome"},
		),
		stateSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_saves_total",
				Help:      "Total scope state saves by outcome",
			},
			[]string{"outcome"},
		),
		backupsMade: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_backups_total",
				Help:      "Total snapshot backups written",
			},
		),

		destroyAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "destroy_attempts_total",
				Help:      "Total resource destroy attempts by resource type and outcome",
			},
			[]string{"resource_type", "outcome"},
		),
		destroyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "destroy_duration_seconds",
				Help:      "Duration of individual resource destroys",
				Buckets:   buckets,
			},
			[]string{"resource_type"},
		),
		orphansDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_detected_total",
				Help:      "Total orphaned resources detected during finalization",
			},
		),
		finalizeRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "finalize_runs_total",
				Help:      "Total finalization runs by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		finalizeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "finalize_duration_seconds",
				Help:      "Duration of finalization runs",
				Buckets:   buckets,
			},
			[]string{"strategy"},
		),
		activeFinalizes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_finalizes",
				Help:      "Number of finalization runs currently in flight",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.lockAcquisitions, m.lockStaleReclaims, m.lockWaitDuration,
		m.stateLoads, m.stateSaves, m.backupsMade,
		m.destroyAttempts, m.destroyDuration, m.orphansDetected,
		m.finalizeRuns, m.finalizeDuration, m.activeFinalizes,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP server. It blocks until the server exits.
func (m *Metrics) Serve() error {
	if !m.config.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}

// RecordLockAcquisition records a lock acquisition attempt.
func (m *Metrics) RecordLockAcquisition(backend, outcome string, wait time.Duration) {
	if m.registry == nil {
		return
	}
	m.lockAcquisitions.WithLabelValues(backend, outcome).Inc()
	m.lockWaitDuration.WithLabelValues(backend).Observe(wait.Seconds())
}

// RecordStaleReclaim records a reclaimed stale lock marker.
func (m *Metrics) RecordStaleReclaim(backend string) {
	if m.registry == nil {
		return
	}
	m.lockStaleReclaims.WithLabelValues(backend).Inc()
}

// RecordStateLoad records a snapshot load.
func (m *Metrics) RecordStateLoad(outcome string) {
	if m.registry == nil {
		return
	}
	m.stateLoads.WithLabelValues(outcome).Inc()
}

// RecordStateSave records a snapshot save.
func (m *Metrics) RecordStateSave(outcome string) {
	if m.registry == nil {
		return
	}
	m.stateSaves.WithLabelValues(outcome).Inc()
}

// RecordBackup records a written snapshot backup.
func (m *Metrics) RecordBackup() {
	if m.registry == nil {
		return
	}
	m.backupsMade.Inc()
}

// RecordDestroyAttempt records a single destroy attempt.
func (m *Metrics) RecordDestroyAttempt(resourceType, outcome string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.destroyAttempts.WithLabelValues(resourceType, outcome).Inc()
	m.destroyDuration.WithLabelValues(resourceType).Observe(d.Seconds())
}

// RecordOrphans records detected orphans.
func (m *Metrics) RecordOrphans(n int) {
	if m.registry == nil {
		return
	}
	m.orphansDetected.Add(float64(n))
}

// FinalizeStarted marks a finalization run as in flight.
func (m *Metrics) FinalizeStarted() {
	if m.registry == nil {
		return
	}
	m.activeFinalizes.Inc()
}

// FinalizeFinished records a completed finalization run.
func (m *Metrics) FinalizeFinished(strategy, outcome string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.activeFinalizes.Dec()
	m.finalizeRuns.WithLabelValues(strategy, outcome).Inc()
	m.finalizeDuration.WithLabelValues(strategy).Observe(d.Seconds())
}
