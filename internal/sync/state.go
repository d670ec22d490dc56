package sync

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// Plan is the preview of what apply-changes will do, as repository-relative
// paths.
type Plan struct {
	Added       []string `json:"added"`
	Removed     []string `json:"removed"`
	Changed     []string `json:"changed"`
	TypeChanged []string `json:"type_changed"`
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool {
	return len(p.Added)+len(p.Removed)+len(p.Changed)+len(p.TypeChanged) == 0
}

// Total counts every listed path.
func (p *Plan) Total() int {
	return len(p.Added) + len(p.Removed) + len(p.Changed) + len(p.TypeChanged)
}

// buildPlan compares staging with the live target. Removed lists files
// upstream deleted that are still present locally.
func (e *Engine) buildPlan(s *Session) (*Plan, error) {
	plan := &Plan{}
	for _, m := range s.Mappings {
		stageDir := filepath.Join(s.StagingDir, m.Target)
		targetDir := filepath.Join(e.cfg.Repo.Path, m.Target)

		files, err := e.fs.ListFiles(stageDir)
		if err != nil {
			return nil, err
		}
		for _, rel := range files {
			repoPath := path.Join(targetPrefix(m.Target), rel)
			live := filepath.Join(targetDir, filepath.FromSlash(rel))

			fi, err := e.fs.Lstat(live)
			switch {
			case errors.Is(err, os.ErrNotExist):
				plan.Added = append(plan.Added, repoPath)
				continue
			case errors.Is(err, syscall.ENOTDIR):
				plan.TypeChanged = append(plan.TypeChanged, repoPath)
				continue
			case err != nil:
				return nil, syncerr.Wrapf(err, syncerr.KindFilesystem, "stat %s", live)
			}
			if !fi.Mode().IsRegular() {
				plan.TypeChanged = append(plan.TypeChanged, repoPath)
				continue
			}

			a, err := e.hasher.HashFile(filepath.Join(stageDir, filepath.FromSlash(rel)))
			if err != nil {
				return nil, err
			}
			b, err := e.hasher.HashFile(live)
			if err != nil {
				return nil, err
			}
			if a != b {
				plan.Changed = append(plan.Changed, repoPath)
			}
		}

		for _, rel := range s.removed[m.Target] {
			ok, err := e.fs.Exists(filepath.Join(targetDir, filepath.FromSlash(rel)))
			if err != nil {
				return nil, err
			}
			if ok {
				plan.Removed = append(plan.Removed, path.Join(targetPrefix(m.Target), rel))
			}
		}
	}

	sort.Strings(plan.Added)
	sort.Strings(plan.Removed)
	sort.Strings(plan.Changed)
	sort.Strings(plan.TypeChanged)
	return plan, nil
}

func (e *Engine) previewDiff(ctx context.Context, s *Session) error {
	plan, err := e.buildPlan(s)
	if err != nil {
		return err
	}
	s.Plan = plan

	e.logger.Info("sync plan",
		"add", len(plan.Added),
		"change", len(plan.Changed),
		"type_change", len(plan.TypeChanged),
		"remove", len(plan.Removed),
		"prune", e.cfg.Sync.Prune)

	if e.opts.PreviewOnly {
		e.logPlanDetails(plan)
		e.logger.Info("preview complete, no changes applied")
		return errStop
	}
	if e.nonInteractive() {
		e.logger.Debug("non-interactive run, skipping confirmation")
		return nil
	}
	if plan.Empty() || e.opts.Confirmer == nil {
		return nil
	}

	ok, err := e.opts.Confirmer.Confirm(ctx, plan)
	if err != nil {
		return err
	}
	if !ok {
		return syncerr.New(syncerr.KindUserCancelled, "sync cancelled at preview")
	}
	return nil
}

// logPlanDetails logs detailed plan information for a preview
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, p := range plan.Added {
		e.logger.Info("[preview] would add", "path", p)
	}
	for _, p := range plan.Changed {
		e.logger.Info("[preview] would update", "path", p)
	}
	for _, p := range plan.TypeChanged {
		e.logger.Info("[preview] would replace", "path", p)
	}
	for _, p := range plan.Removed {
		if e.cfg.Sync.Prune {
			e.logger.Info("[preview] would delete", "path", p)
		} else {
			e.logger.Info("[preview] removed upstream, kept (prune disabled)", "path", p)
		}
	}
}
