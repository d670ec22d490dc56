// Package metrics exposes sync and release instrumentation on a private
// Prometheus registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slicesync"

// Metrics holds every collector slicesync reports.
type Metrics struct {
	registry *prometheus.Registry

	stepDuration     *prometheus.HistogramVec
	syncs            *prometheus.CounterVec
	filesCopied      prometheus.Counter
	conflicts        *prometheus.CounterVec
	conflictsSettled prometheus.Counter

	releaseProgress *prometheus.GaugeVec
	releaseErrors   *prometheus.GaugeVec
	releaseElapsed  *prometheus.GaugeVec
	releaseAlerts   *prometheus.CounterVec
	releases        *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_step_duration_seconds",
			Help:      "Duration of each sync pipeline step.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"step"}),
		syncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync sessions by result.",
		}, []string{"result"}),
		filesCopied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_files_copied_total",
			Help:      "Files copied into staging.",
		}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Detected conflicts by kind.",
		}, []string{"kind"}),
		conflictsSettled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts resolved successfully.",
		}),
		releaseProgress: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "release_progress_percent",
			Help:      "Progress of the active release.",
		}, []string{"release"}),
		releaseErrors: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "release_errors",
			Help:      "Errors recorded by the active release.",
		}, []string{"release"}),
		releaseElapsed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "release_elapsed_seconds",
			Help:      "Time since the release started.",
		}, []string{"release"}),
		releaseAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_alerts_total",
			Help:      "Monitor alerts by type.",
		}, []string{"alert"}),
		releases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Finished releases by terminal stage.",
		}, []string{"stage"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStep records how long a pipeline step took.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// SyncFinished counts a finished session. result is "success", "cancelled"
// or "failure".
func (m *Metrics) SyncFinished(result string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(result).Inc()
}

// FilesCopied adds n copied files.
func (m *Metrics) FilesCopied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.filesCopied.Add(float64(n))
}

// ConflictDetected counts one detected conflict of kind.
func (m *Metrics) ConflictDetected(kind string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(kind).Inc()
}

// ConflictsResolved adds n resolved conflicts.
func (m *Metrics) ConflictsResolved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.conflictsSettled.Add(float64(n))
}

// ReleaseStatus publishes the latest monitor snapshot for a release.
func (m *Metrics) ReleaseStatus(id string, progress float64, errors int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.releaseProgress.WithLabelValues(id).Set(progress)
	m.releaseErrors.WithLabelValues(id).Set(float64(errors))
	m.releaseElapsed.WithLabelValues(id).Set(elapsed.Seconds())
}

// ReleaseAlert counts a monitor alert.
func (m *Metrics) ReleaseAlert(alert string) {
	if m == nil {
		return
	}
	m.releaseAlerts.WithLabelValues(alert).Inc()
}

// ReleaseFinished counts a release reaching a terminal stage and drops its
// status gauges.
func (m *Metrics) ReleaseFinished(id, stage string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(stage).Inc()
	m.releaseProgress.DeleteLabelValues(id)
	m.releaseErrors.DeleteLabelValues(id)
	m.releaseElapsed.DeleteLabelValues(id)
}
