// Package release rolls reconciled content out to the live tree, either in
// one step or through a validated canary, and restores a snapshot when a
// canary fails.
package release

import (
	"sync"
	"time"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// Stage is the lifecycle position of a release plan.
type Stage string

const (
	// StagePreparing is taking the rollback snapshot.
	StagePreparing Stage = "preparing"
	// StagePrepared has a complete snapshot.
	StagePrepared Stage = "prepared"
	// StageSelected has picked the canary subset.
	StageSelected Stage = "selected"
	// StageCanary has the subset applied to the live tree.
	StageCanary Stage = "canary"
	// StageValidating is running the validation script.
	StageValidating Stage = "validating"
	// StageCompleted applied every change.
	StageCompleted Stage = "completed"
	// StageFailed stopped without restoring the snapshot.
	StageFailed Stage = "failed"
	// StageRolledBack restored the snapshot after a failure.
	StageRolledBack Stage = "rolled-back"
	// StageFailedToRollback could not restore the snapshot.
	StageFailedToRollback Stage = "failed-to-rollback"
)

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageRolledBack, StageFailedToRollback:
		return true
	}
	return false
}

var failureStages = []Stage{StageFailed, StageRolledBack, StageFailedToRollback}

var transitions = map[Stage][]Stage{
	StagePreparing:  {StagePrepared, StageFailed},
	StagePrepared:   append([]Stage{StageSelected, StageCompleted}, failureStages...),
	StageSelected:   append([]Stage{StageCanary, StageCompleted}, failureStages...),
	StageCanary:     append([]Stage{StageValidating}, failureStages...),
	StageValidating: append([]Stage{StageCompleted}, failureStages...),
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusSnapshot is a point-in-time view of a plan.
type StatusSnapshot struct {
	ID       string        `json:"id"`
	Stage    Stage         `json:"stage"`
	Progress int           `json:"progress"`
	Errors   int           `json:"errors"`
	Selected int           `json:"selected"`
	Elapsed  time.Duration `json:"elapsed"`
}

// ErrorRate is the share of selected files that produced an error.
func (s StatusSnapshot) ErrorRate() float64 {
	n := s.Selected
	if n < 1 {
		n = 1
	}
	return float64(s.Errors) / float64(n)
}

// Plan tracks one release attempt. It is safe for concurrent use so a
// monitor can observe it while the manager advances it.
type Plan struct {
	ID          string
	Strategy    Strategy
	Targets     []string
	CanaryDir   string
	RollbackDir string
	Started     time.Time

	mu       sync.Mutex
	stage    Stage
	history  []Stage
	selected []string
	progress int
	errs     []error
	output   string
	done     chan struct{}
}

func newPlan(id string, strategy Strategy, targets []string, canaryDir, rollbackDir string, now time.Time) *Plan {
	return &Plan{
		ID:          id,
		Strategy:    strategy,
		Targets:     targets,
		CanaryDir:   canaryDir,
		RollbackDir: rollbackDir,
		Started:     now,
		stage:       StagePreparing,
		history:     []Stage{StagePreparing},
		done:        make(chan struct{}),
	}
}

// Stage returns the current stage.
func (p *Plan) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// History lists every stage the plan has been in, oldest first.
func (p *Plan) History() []Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Stage(nil), p.history...)
}

// Selected returns the paths chosen for canary exposure.
func (p *Plan) Selected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.selected...)
}

// Progress is a percentage that never decreases.
func (p *Plan) Progress() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Errors returns every error recorded against the plan.
func (p *Plan) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}

// ValidationOutput is the captured output of the validation script.
func (p *Plan) ValidationOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

// Done is closed once the plan reaches a terminal stage.
func (p *Plan) Done() <-chan struct{} {
	return p.done
}

// Snapshot captures the plan's status as of now.
func (p *Plan) Snapshot(now time.Time) StatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return StatusSnapshot{
		ID:       p.ID,
		Stage:    p.stage,
		Progress: p.progress,
		Errors:   len(p.errs),
		Selected: len(p.selected),
		Elapsed:  now.Sub(p.Started),
	}
}

func (p *Plan) transition(to Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !CanTransition(p.stage, to) {
		return syncerr.Newf(syncerr.KindSyncProcess, "illegal release transition %s -> %s", p.stage, to).
			WithContext("release", p.ID)
	}
	p.stage = to
	p.history = append(p.history, to)
	if to.Terminal() {
		close(p.done)
	}
	return nil
}

func (p *Plan) setProgress(pct int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct > p.progress {
		p.progress = pct
	}
}

func (p *Plan) setSelected(paths []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected = append([]string(nil), paths...)
}

func (p *Plan) addError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

func (p *Plan) setOutput(out string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = out
}
