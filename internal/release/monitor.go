package release

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/metrics"
)

// Alert names a threshold a release crossed.
type Alert struct {
	Name    string
	Message string
}

const (
	AlertErrorRate   = "error_rate"
	AlertDuration    = "duration"
	AlertDegradation = "degradation"
)

// Monitor reports on a plan while it runs. It only observes: alerts are
// logged and counted, the plan's stage is never changed.
type Monitor struct {
	cfg     config.MonitorConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// OnSnapshot, when set, receives every emitted snapshot.
	OnSnapshot func(StatusSnapshot)
}

// NewMonitor creates a monitor with the given thresholds.
func NewMonitor(cfg config.MonitorConfig, logger *slog.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{cfg: cfg, logger: logger, metrics: m, now: time.Now}
}

// Check compares a snapshot against the thresholds.
func (mo *Monitor) Check(s StatusSnapshot) []Alert {
	var alerts []Alert
	if mo.cfg.MaxErrorRate > 0 && s.Errors > 0 && s.ErrorRate() > mo.cfg.MaxErrorRate {
		alerts = append(alerts, Alert{
			Name:    AlertErrorRate,
			Message: fmt.Sprintf("error rate %.2f exceeds %.2f", s.ErrorRate(), mo.cfg.MaxErrorRate),
		})
	}
	if mo.cfg.MaxDuration > 0 && s.Elapsed > mo.cfg.MaxDuration {
		alerts = append(alerts, Alert{
			Name:    AlertDuration,
			Message: fmt.Sprintf("release running for %s, limit %s", s.Elapsed.Round(time.Millisecond), mo.cfg.MaxDuration),
		})
	}
	if mo.cfg.BaselineDuration > 0 && mo.cfg.DegradationRatio > 0 {
		limit := time.Duration(float64(mo.cfg.BaselineDuration) * mo.cfg.DegradationRatio)
		if s.Elapsed > limit {
			alerts = append(alerts, Alert{
				Name: AlertDegradation,
				Message: fmt.Sprintf("release %.1fx slower than baseline %s",
					float64(s.Elapsed)/float64(mo.cfg.BaselineDuration), mo.cfg.BaselineDuration),
			})
		}
	}
	return alerts
}

// Watch emits a snapshot every interval until the plan reaches a terminal
// stage or ctx is done. A final snapshot is emitted on exit. Each alert is
// raised at most once per plan.
func (mo *Monitor) Watch(ctx context.Context, plan *Plan) {
	interval := mo.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	raised := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			mo.tick(plan, raised)
			return
		case <-plan.Done():
			mo.tick(plan, raised)
			return
		case <-ticker.C:
			mo.tick(plan, raised)
		}
	}
}

func (mo *Monitor) tick(plan *Plan, raised map[string]bool) {
	s := plan.Snapshot(mo.now())
	mo.metrics.ReleaseStatus(s.ID, float64(s.Progress), s.Errors, s.Elapsed)
	mo.logger.Debug("release status",
		"release", s.ID,
		"stage", s.Stage,
		"progress", s.Progress,
		"errors", s.Errors,
		"elapsed", s.Elapsed.Round(time.Millisecond))
	if mo.OnSnapshot != nil {
		mo.OnSnapshot(s)
	}

	for _, a := range mo.Check(s) {
		if raised[a.Name] {
			continue
		}
		raised[a.Name] = true
		mo.metrics.ReleaseAlert(a.Name)
		mo.logger.Warn("release alert", "release", s.ID, "alert", a.Name, "message", a.Message)
	}
}
