// Package metrics exposes run metrics in the Prometheus text format. The
// batch job has no scrape endpoint, so metrics are written as a
// node-exporter textfile at the end of a run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// Metrics holds the run collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Entities        *prometheus.GaugeVec
	Failures        *prometheus.CounterVec
	DriftDetections prometheus.Counter
	FailedChecks    *prometheus.CounterVec
	EntityDuration  prometheus.Histogram
	RunDuration     prometheus.Gauge
	LastRun         prometheus.Gauge
}

// New creates a new Metrics instance with all run metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Entities: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vendorcast_entities",
			Help: "Entities of the last run by outcome status",
		}, []string{"status"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vendorcast_entity_failures_total",
			Help: "Entity failures by processing stage",
		}, []string{"stage"}),
		DriftDetections: f.NewCounter(prometheus.CounterOpts{
			Name: "vendorcast_drift_detections_total",
			Help: "Entities whose recent window drifted from the reference",
		}),
		FailedChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vendorcast_validation_failed_checks_total",
			Help: "Failed forecast validation checks by check name",
		}, []string{"check"}),
		EntityDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vendorcast_entity_duration_seconds",
			Help:    "Per-entity processing duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		RunDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "vendorcast_run_duration_seconds",
			Help: "Wall time of the last run",
		}),
		LastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "vendorcast_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(result *models.RunResult) {
	counts := result.Counts()
	for _, s := range []models.Status{models.StatusValidated, models.StatusFailedValidation, models.StatusErrored} {
		m.Entities.WithLabelValues(s.String()).Set(float64(counts[s]))
	}

	for _, o := range result.Outcomes() {
		if o.Drift.IsDrift {
			m.DriftDetections.Inc()
		}
		for _, check := range o.Validation.FailedChecks {
			m.FailedChecks.WithLabelValues(check).Inc()
		}
		m.EntityDuration.Observe(o.Duration.Seconds())
	}
	for _, f := range result.Failures() {
		m.Failures.WithLabelValues(f.Stage).Inc()
	}

	m.RunDuration.Set(result.FinishedAt().Sub(result.StartedAt()).Seconds())
	m.LastRun.Set(float64(result.FinishedAt().Unix()))
}

// WriteTextfile writes all metrics to path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
