package release

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/fsutil"
	"github.com/schaermu/slicesync/internal/hashing"
	"github.com/schaermu/slicesync/internal/metrics"
	"github.com/schaermu/slicesync/internal/syncerr"
)

// manifestName sits next to the snapshot trees and is written last, so a
// snapshot without it is incomplete.
const manifestName = ".snapshot.json"

// Mode selects how Rollout applies content.
type Mode string

const (
	// ModeCanary validates a selected subset before promoting the rest.
	ModeCanary Mode = "canary"
	// ModeFull applies everything at once.
	ModeFull Mode = "full"
)

// Op is what a change does to one live path.
type Op string

const (
	// OpAdd writes a regular file that is missing live.
	OpAdd Op = "add"
	// OpUpdate rewrites a regular file whose content differs.
	OpUpdate Op = "update"
	// OpDelete removes a file or symlink that is no longer staged.
	OpDelete Op = "delete"
	// OpChmod copies the staged permission bits onto identical content.
	OpChmod Op = "chmod"
	// OpLink creates or retargets a symlink.
	OpLink Op = "link"
)

// Change is one path that differs between the staged and live trees.
type Change struct {
	Path string
	Op   Op
}

// Hasher digests trees to find what a release changes.
type Hasher interface {
	HashTree(ctx context.Context, root string, ignore []string) (hashing.Index, error)
	Invalidate(root string, ignore []string)
}

// Options configure a Manager beyond the release section of the config.
type Options struct {
	Mode      Mode
	Validator Validator
	Metrics   *metrics.Metrics
	// Rand drives random selection. Defaults to one seeded from
	// release.seed, or the clock when that is zero.
	Rand *rand.Rand
}

// Manager runs releases against the repository at repo. Staged trees mirror
// the repository layout: a target "vendor/lib" is read from
// <staged>/vendor/lib.
type Manager struct {
	fs        *fsutil.FS
	hasher    Hasher
	cfg       config.ReleaseConfig
	repo      string
	mode      Mode
	strategy  Strategy
	validator Validator
	monitor   *Monitor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	rng       *rand.Rand
	now       func() time.Time

	mu   sync.Mutex
	plan *Plan
}

// NewManager builds a manager from the release configuration.
func NewManager(cfg config.ReleaseConfig, repo string, fs *fsutil.FS, hasher Hasher, logger *slog.Logger, opts Options) (*Manager, error) {
	strategy, err := NewStrategy(cfg)
	if err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeCanary
	}
	validator := opts.Validator
	if validator == nil {
		validator = &ScriptValidator{Script: cfg.ValidationScript, Timeout: cfg.ValidationTimeout}
	}
	rng := opts.Rand
	if rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}

	return &Manager{
		fs:        fs,
		hasher:    hasher,
		cfg:       cfg,
		repo:      repo,
		mode:      mode,
		strategy:  strategy,
		validator: validator,
		monitor:   NewMonitor(cfg.Monitor, logger, opts.Metrics),
		metrics:   opts.Metrics,
		logger:    logger,
		rng:       rng,
		now:       time.Now,
	}, nil
}

// Monitor returns the monitor watching each plan.
func (m *Manager) Monitor() *Monitor {
	return m.monitor
}

// Plan returns the most recent plan, or nil.
func (m *Manager) Plan() *Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plan
}

// Rollout applies staged content for targets in the manager's mode.
func (m *Manager) Rollout(ctx context.Context, staged string, targets []string) error {
	var err error
	if m.mode == ModeFull {
		_, err = m.FullRelease(ctx, staged, targets)
	} else {
		_, err = m.ExecuteCanary(ctx, staged, targets)
	}
	return err
}

// Prepare starts a plan and snapshots every target into the rollback store.
func (m *Manager) Prepare(ctx context.Context, targets []string) (*Plan, error) {
	plan := newPlan(uuid.NewString(), m.strategy, targets, m.cfg.CanaryDir, m.cfg.RollbackDir, m.now())
	m.mu.Lock()
	m.plan = plan
	m.mu.Unlock()

	m.logger.Info("preparing release", "release", plan.ID, "strategy", m.strategy.Name(), "targets", len(targets))
	if err := m.snapshot(ctx, plan); err != nil {
		plan.addError(err)
		_ = plan.transition(StageFailed)
		return plan, err
	}
	plan.setProgress(10)
	return plan, plan.transition(StagePrepared)
}

// ExecuteCanary exposes a selected subset of the staged changes to the live
// tree, validates it, then promotes the rest. Any failure after the snapshot
// restores the targets.
func (m *Manager) ExecuteCanary(ctx context.Context, staged string, targets []string) (*Plan, error) {
	plan, err := m.Prepare(ctx, targets)
	if err != nil {
		m.finish(plan)
		return plan, err
	}

	stop := m.watch(ctx, plan)
	err = m.canary(ctx, plan, staged)
	if err != nil {
		err = m.recover(ctx, plan, err, syncerr.KindValidation, "canary release failed")
	}
	stop()
	m.finish(plan)
	return plan, err
}

// FullRelease applies every staged change at once after taking a snapshot.
func (m *Manager) FullRelease(ctx context.Context, staged string, targets []string) (*Plan, error) {
	plan, err := m.Prepare(ctx, targets)
	if err != nil {
		m.finish(plan)
		return plan, err
	}

	stop := m.watch(ctx, plan)
	err = m.full(ctx, plan, staged)
	if err != nil {
		err = m.recover(ctx, plan, err, syncerr.KindSyncProcess, "full release failed")
	}
	stop()
	m.finish(plan)
	return plan, err
}

// Rollback restores the last snapshot. A plan still in flight is marked
// rolled-back.
func (m *Manager) Rollback(ctx context.Context) error {
	err := m.restore(ctx, m.cfg.RollbackDir)
	plan := m.Plan()
	if plan == nil || plan.Stage().Terminal() {
		return err
	}
	if err != nil {
		plan.addError(err)
		_ = plan.transition(StageFailedToRollback)
		return err
	}
	return plan.transition(StageRolledBack)
}

func (m *Manager) canary(ctx context.Context, plan *Plan, staged string) error {
	changes, err := m.changes(ctx, staged, plan.Targets)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		m.logger.Info("nothing to release", "release", plan.ID)
		plan.setProgress(100)
		return plan.transition(StageCompleted)
	}

	selected, err := m.strategy.Select(changePaths(changes), m.rng)
	if err != nil {
		return err
	}
	plan.setSelected(selected)
	if err := plan.transition(StageSelected); err != nil {
		return err
	}
	plan.setProgress(25)
	subset := pick(changes, selected)
	m.logger.Info("selected canary files", "release", plan.ID, "selected", len(subset), "changes", len(changes))

	if err := m.stageCanary(staged, plan.CanaryDir, subset); err != nil {
		return err
	}
	if err := plan.transition(StageCanary); err != nil {
		return err
	}
	if err := m.apply(plan.CanaryDir, subset); err != nil {
		return err
	}
	m.invalidate(plan.Targets)
	plan.setProgress(50)

	if err := plan.transition(StageValidating); err != nil {
		return err
	}
	m.logger.Info("validating canary", "release", plan.ID, "dir", m.repo)
	res, err := m.validator.Validate(ctx, m.repo)
	if res != nil {
		plan.setOutput(res.Output)
		if res.Skipped {
			m.logger.Warn("no validation script configured, canary passes unchecked", "release", plan.ID)
		}
	}
	if err != nil {
		return err
	}
	plan.setProgress(75)

	if err := m.apply(staged, changes); err != nil {
		return err
	}
	m.invalidate(plan.Targets)
	if err := m.fs.RemoveAll(plan.CanaryDir); err != nil {
		m.logger.Warn("failed to remove canary area", "dir", plan.CanaryDir, "error", err)
	}
	plan.setProgress(100)
	m.logger.Info("canary release completed", "release", plan.ID, "changes", len(changes))
	return plan.transition(StageCompleted)
}

func (m *Manager) full(ctx context.Context, plan *Plan, staged string) error {
	changes, err := m.changes(ctx, staged, plan.Targets)
	if err != nil {
		return err
	}
	if len(changes) > 0 {
		plan.setSelected(changePaths(changes))
		if err := plan.transition(StageSelected); err != nil {
			return err
		}
		plan.setProgress(50)
		if err := m.apply(staged, changes); err != nil {
			return err
		}
		m.invalidate(plan.Targets)
	}
	plan.setProgress(100)
	m.logger.Info("full release completed", "release", plan.ID, "changes", len(changes))
	return plan.transition(StageCompleted)
}

// recover restores the snapshot after cause and moves the plan to its
// terminal failure stage.
func (m *Manager) recover(ctx context.Context, plan *Plan, cause error, kind syncerr.Kind, msg string) error {
	plan.addError(cause)
	m.logger.Error(msg, "release", plan.ID, "stage", plan.Stage(), "error", cause)

	if m.cfg.RollbackOnFailure != nil && !*m.cfg.RollbackOnFailure {
		_ = plan.transition(StageFailed)
		return syncerr.Wrap(cause, kind, msg)
	}

	// Restoring must finish even when the run context was cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := m.restore(rctx, plan.RollbackDir); err != nil {
		plan.addError(err)
		_ = plan.transition(StageFailedToRollback)
		m.logger.Error("rollback failed", "release", plan.ID, "error", err)
		return syncerr.Wrap(multierr.Append(cause, err), kind, msg+", rollback failed")
	}
	_ = plan.transition(StageRolledBack)
	m.logger.Info("release rolled back", "release", plan.ID)
	return syncerr.Wrap(cause, kind, msg+", rolled back")
}

func (m *Manager) watch(ctx context.Context, plan *Plan) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.monitor.Watch(ctx, plan)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (m *Manager) finish(plan *Plan) {
	m.metrics.ReleaseFinished(plan.ID, string(plan.Stage()))
}

// changes diffs each staged target against the live one. Content is compared
// by digest; permission bits of identical files and symlinks are compared
// separately so a release lands the same tree a direct sync would.
func (m *Manager) changes(ctx context.Context, staged string, targets []string) ([]Change, error) {
	var out []Change
	for _, target := range targets {
		stagedDir := filepath.Join(staged, target)
		liveDir := filepath.Join(m.repo, target)
		want, err := m.index(ctx, stagedDir)
		if err != nil {
			return nil, err
		}
		m.hasher.Invalidate(stagedDir, nil)
		have, err := m.index(ctx, liveDir)
		if err != nil {
			return nil, err
		}

		prefix := strings.TrimSuffix(filepath.ToSlash(filepath.Clean(target)), "/")
		wantLinks, err := m.fs.Symlinks(stagedDir)
		if err != nil {
			return nil, err
		}
		haveLinks, err := m.fs.Symlinks(liveDir)
		if err != nil {
			return nil, err
		}

		added, removed, changed := want.Diff(have)
		for _, rel := range added {
			out = append(out, Change{Path: path.Join(prefix, rel), Op: OpAdd})
		}
		for _, rel := range changed {
			out = append(out, Change{Path: path.Join(prefix, rel), Op: OpUpdate})
		}
		for _, rel := range removed {
			// Replaced by a symlink below.
			if _, ok := wantLinks[rel]; ok {
				continue
			}
			out = append(out, Change{Path: path.Join(prefix, rel), Op: OpDelete})
		}

		for rel, digest := range want {
			if have[rel] != digest {
				continue
			}
			differs, err := m.modeDiffers(filepath.Join(stagedDir, filepath.FromSlash(rel)), filepath.Join(liveDir, filepath.FromSlash(rel)))
			if err != nil {
				return nil, err
			}
			if differs {
				out = append(out, Change{Path: path.Join(prefix, rel), Op: OpChmod})
			}
		}

		for rel, dest := range wantLinks {
			if cur, ok := haveLinks[rel]; !ok || cur != dest {
				out = append(out, Change{Path: path.Join(prefix, rel), Op: OpLink})
			}
		}
		for rel := range haveLinks {
			_, stillLink := wantLinks[rel]
			_, nowFile := want[rel]
			if !stillLink && !nowFile {
				out = append(out, Change{Path: path.Join(prefix, rel), Op: OpDelete})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Manager) modeDiffers(a, b string) (bool, error) {
	fa, err := m.fs.Lstat(a)
	if err != nil {
		return false, syncerr.Wrapf(err, syncerr.KindFilesystem, "stat %s", a)
	}
	fb, err := m.fs.Lstat(b)
	if err != nil {
		return false, syncerr.Wrapf(err, syncerr.KindFilesystem, "stat %s", b)
	}
	return fa.Mode().Perm() != fb.Mode().Perm(), nil
}

func (m *Manager) index(ctx context.Context, root string) (hashing.Index, error) {
	ok, err := m.fs.Exists(root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return hashing.Index{}, nil
	}
	return m.hasher.HashTree(ctx, root, nil)
}

// stageCanary mirrors the selected files into the canary area.
func (m *Manager) stageCanary(staged, canaryDir string, subset []Change) error {
	if err := m.fs.RemoveAll(canaryDir); err != nil {
		return err
	}
	if err := m.fs.MkdirAll(canaryDir); err != nil {
		return err
	}
	for _, c := range subset {
		if c.Op == OpDelete {
			continue
		}
		src := filepath.Join(staged, filepath.FromSlash(c.Path))
		if _, err := m.fs.CopyTree(src, filepath.Join(canaryDir, filepath.FromSlash(c.Path)), true); err != nil {
			return err
		}
	}
	return nil
}

// apply writes changes from src onto the live tree. Deletions go first so a
// file replaced by a directory (or the reverse) makes room.
func (m *Manager) apply(src string, changes []Change) error {
	for _, c := range changes {
		if c.Op != OpDelete {
			continue
		}
		p := filepath.Join(m.repo, filepath.FromSlash(c.Path))
		if err := m.fs.RemoveAll(p); err != nil {
			return err
		}
		m.logger.Debug("release deleted", "path", c.Path)
	}
	for _, c := range changes {
		if c.Op == OpDelete {
			continue
		}
		from := filepath.Join(src, filepath.FromSlash(c.Path))
		dst := filepath.Join(m.repo, filepath.FromSlash(c.Path))
		if c.Op == OpChmod {
			fi, err := m.fs.Lstat(from)
			if err != nil {
				return syncerr.Wrapf(err, syncerr.KindFilesystem, "stat %s", from)
			}
			if err := m.fs.Chmod(dst, fi.Mode().Perm()); err != nil {
				return err
			}
			m.logger.Debug("release changed mode", "path", c.Path, "mode", fi.Mode().Perm())
			continue
		}
		if err := m.clearPath(c.Path); err != nil {
			return err
		}
		// CopyTree recreates symlinks instead of following them.
		if _, err := m.fs.CopyTree(from, dst, true); err != nil {
			return err
		}
		m.logger.Debug("release wrote", "path", c.Path, "op", c.Op)
	}
	return nil
}

// clearPath removes whatever blocks writing a file or symlink at rel: a
// non-directory where a parent directory belongs, or a directory at rel.
func (m *Manager) clearPath(rel string) error {
	parts := strings.Split(rel, "/")
	cur := m.repo
	for i, part := range parts {
		cur = filepath.Join(cur, part)
		fi, err := m.fs.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return syncerr.Wrapf(err, syncerr.KindFilesystem, "stat %s", cur)
		}
		last := i == len(parts)-1
		if (!last && !fi.IsDir()) || (last && fi.IsDir()) {
			if err := m.fs.RemoveAll(cur); err != nil {
				return err
			}
			return nil
		}
	}
	return nil
}

func (m *Manager) invalidate(targets []string) {
	for _, t := range targets {
		m.hasher.Invalidate(filepath.Join(m.repo, t), nil)
	}
}

type snapshotManifest struct {
	Release string           `json:"release"`
	Created time.Time        `json:"created"`
	Targets []snapshotTarget `json:"targets"`
}

type snapshotTarget struct {
	Path    string `json:"path"`
	Existed bool   `json:"existed"`
}

// snapshot copies the current state of every target into the rollback store,
// replacing any previous snapshot.
func (m *Manager) snapshot(ctx context.Context, plan *Plan) error {
	dir := plan.RollbackDir
	if err := m.fs.RemoveAll(dir); err != nil {
		return err
	}
	if err := m.fs.MkdirAll(dir); err != nil {
		return err
	}

	manifest := snapshotManifest{Release: plan.ID, Created: m.now().UTC()}
	for _, target := range plan.Targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		live := filepath.Join(m.repo, target)
		ok, err := m.fs.Exists(live)
		if err != nil {
			return err
		}
		if ok {
			if _, err := m.fs.CopyTree(live, filepath.Join(dir, target), true); err != nil {
				return syncerr.Wrapf(err, syncerr.KindFilesystem, "snapshot %s", target)
			}
		}
		manifest.Targets = append(manifest.Targets, snapshotTarget{Path: target, Existed: ok})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := m.fs.WriteFileAtomic(filepath.Join(dir, manifestName), data, 0644); err != nil {
		return err
	}
	m.logger.Info("snapshot taken", "release", plan.ID, "dir", dir, "targets", len(plan.Targets))
	return nil
}

// restore makes every snapshotted target identical to its snapshot.
func (m *Manager) restore(ctx context.Context, dir string) error {
	data, err := m.fs.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return syncerr.Newf(syncerr.KindFilesystem, "no rollback snapshot in %s", dir)
		}
		return err
	}
	var manifest snapshotManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return syncerr.Wrapf(err, syncerr.KindFilesystem, "corrupt rollback manifest in %s", dir)
	}

	for _, t := range manifest.Targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		live := filepath.Join(m.repo, t.Path)
		if err := m.fs.RemoveAll(live); err != nil {
			return err
		}
		if t.Existed {
			if _, err := m.fs.CopyTree(filepath.Join(dir, t.Path), live, true); err != nil {
				return syncerr.Wrapf(err, syncerr.KindFilesystem, "restore %s", t.Path)
			}
		}
		m.hasher.Invalidate(live, nil)
	}
	m.logger.Info("snapshot restored", "release", manifest.Release, "targets", len(manifest.Targets))
	return nil
}

func changePaths(changes []Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Path)
	}
	return out
}

func pick(changes []Change, paths []string) []Change {
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	var out []Change
	for _, c := range changes {
		if want[c.Path] {
			out = append(out, c)
		}
	}
	return out
}
