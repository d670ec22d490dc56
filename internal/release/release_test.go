package release

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/fsutil"
	"github.com/schaermu/slicesync/internal/hashing"
	"github.com/schaermu/slicesync/internal/metrics"
	"github.com/schaermu/slicesync/internal/syncerr"
)

const target = "vendor/lib"

var (
	liveFiles = map[string]string{
		"a.txt":   "a1",
		"b.txt":   "b1",
		"old.txt": "old",
		"cfg":     "x",
	}
	stagedFiles = map[string]string{
		"a.txt":         "a1",
		"b.txt":         "b2",
		"new.txt":       "new",
		"cfg/inner.txt": "inner",
	}
)

type fileState struct {
	content string
	mode    os.FileMode
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func readTree(t *testing.T, root string) map[string]fileState {
	t.Helper()
	out := map[string]fileState{}
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return out
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[filepath.ToSlash(rel)] = fileState{content: string(data), mode: info.Mode()}
		return nil
	})
	require.NoError(t, err)
	return out
}

type fixture struct {
	repo    string
	staged  string
	cfg     config.ReleaseConfig
	fs      *fsutil.FS
	hasher  *hashing.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		repo:   filepath.Join(root, "repo"),
		staged: filepath.Join(root, "staged"),
		cfg: config.ReleaseConfig{
			Strategy:    "percentage",
			Percentage:  100,
			CanaryDir:   filepath.Join(root, "state", "canary"),
			RollbackDir: filepath.Join(root, "state", "rollback"),
			Monitor:     config.MonitorConfig{Interval: time.Hour},
		},
		fs:      fsutil.NewOS(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: metrics.New(),
	}
	f.hasher = hashing.NewEngine(f.fs, f.logger)
	writeTree(t, filepath.Join(f.repo, target), liveFiles)
	writeTree(t, filepath.Join(f.staged, target), stagedFiles)
	return f
}

func (f *fixture) manager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	if opts.Metrics == nil {
		opts.Metrics = f.metrics
	}
	m, err := NewManager(f.cfg, f.repo, f.fs, f.hasher, f.logger, opts)
	require.NoError(t, err)
	return m
}

func failing(before func()) Validator {
	return ValidatorFunc(func(context.Context, string) (*Result, error) {
		if before != nil {
			before()
		}
		return &Result{Output: "boom\n", ExitCode: 1}, syncerr.New(syncerr.KindValidation, "validation script exited with status 1")
	})
}

func counterValue(t *testing.T, m *metrics.Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabel(metric, label, value) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, l := range m.GetLabel() {
		if l.GetName() == name && l.GetValue() == value {
			return true
		}
	}
	return false
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StagePreparing, StagePrepared, true},
		{StagePreparing, StageSelected, false},
		{StagePreparing, StageRolledBack, false},
		{StagePrepared, StageSelected, true},
		{StagePrepared, StageRolledBack, true},
		{StageSelected, StageCanary, true},
		{StageCanary, StageCompleted, false},
		{StageCanary, StageValidating, true},
		{StageValidating, StageCompleted, true},
		{StageValidating, StageFailedToRollback, true},
		{StageCompleted, StageRolledBack, false},
		{StageRolledBack, StagePreparing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPlan_Transitions(t *testing.T) {
	p := newPlan("r1", Percentage{Percent: 10}, nil, "", "", time.Now())

	err := p.transition(StageCanary)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindSyncProcess))
	assert.Equal(t, StagePreparing, p.Stage())

	require.NoError(t, p.transition(StagePrepared))
	p.setProgress(40)
	p.setProgress(20)
	assert.Equal(t, 40, p.Progress())

	require.NoError(t, p.transition(StageFailed))
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after terminal stage")
	}
	assert.Equal(t, []Stage{StagePreparing, StagePrepared, StageFailed}, p.History())
}

func TestPercentage_Select(t *testing.T) {
	files := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

	got, err := Percentage{Percent: 25}.Select(files, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Subset(t, files, got)
	assert.IsIncreasing(t, got)

	again, err := Percentage{Percent: 25}.Select(files, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Equal(t, got, again, "same seed must select the same files")

	all, err := Percentage{Percent: 100}.Select(files, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, files, all)

	one, err := Percentage{Percent: 1}.Select(files, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = Percentage{Percent: 0}.Select(files, rand.New(rand.NewSource(1)))
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))

	none, err := Percentage{Percent: 50}.Select(nil, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDirectories_Select(t *testing.T) {
	files := []string{"vendor/lib/a.go", "vendor/library/b.go", "vendor/lib", "docs/x.md"}
	got, err := Directories{Dirs: []string{"/vendor/lib/"}}.Select(files, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor/lib", "vendor/lib/a.go"}, got)

	_, err = Directories{}.Select(files, nil)
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))
}

func TestPatterns_Select(t *testing.T) {
	p, err := NewPatterns([]string{"*.yaml", "vendor/**/main.go"})
	require.NoError(t, err)

	got, err := p.Select([]string{"a/b/c.yaml", "vendor/x/y/main.go", "main.go", "c.yml"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b/c.yaml", "vendor/x/y/main.go"}, got)

	_, err = NewPatterns(nil)
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))
}

func TestWeighted_Select(t *testing.T) {
	files := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

	got, err := Weighted{Label: "region", Weights: map[string]float64{"eu": 10}}.Select(files, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = Weighted{Label: "user-group", Weights: map[string]float64{"beta": 30, "staff": 100}}.Select(files, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.Equal(t, files, got, "union must be deduplicated")

	_, err = Weighted{Label: "region"}.Select(files, rand.New(rand.NewSource(3)))
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy(config.ReleaseConfig{Strategy: "region", Regions: map[string]float64{"us": 5}})
	require.NoError(t, err)
	assert.Equal(t, "region", s.Name())

	s, err = NewStrategy(config.ReleaseConfig{Strategy: "file", Patterns: []string{"*.go"}})
	require.NoError(t, err)
	assert.Equal(t, "file", s.Name())

	_, err = NewStrategy(config.ReleaseConfig{Strategy: "lottery"})
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))
}

func TestExecuteCanary_Success(t *testing.T) {
	f := newFixture(t)
	f.cfg.Strategy = "file"
	f.cfg.Patterns = []string{"new.txt"}
	live := filepath.Join(f.repo, target)

	var during map[string]fileState
	m := f.manager(t, Options{Validator: ValidatorFunc(func(_ context.Context, dir string) (*Result, error) {
		assert.Equal(t, f.repo, dir)
		during = readTree(t, live)
		return &Result{Output: "checks passed\n"}, nil
	})})

	plan, err := m.ExecuteCanary(context.Background(), f.staged, []string{target})
	require.NoError(t, err)

	assert.Equal(t, []string{"vendor/lib/new.txt"}, plan.Selected())
	assert.Equal(t, "new", during["new.txt"].content, "canary files are live during validation")
	assert.Equal(t, "b1", during["b.txt"].content, "unselected changes wait for validation")
	assert.Contains(t, during, "old.txt")

	assert.Equal(t, readTree(t, filepath.Join(f.staged, target)), readTree(t, live))
	assert.Equal(t, StageCompleted, plan.Stage())
	assert.Equal(t, []Stage{StagePreparing, StagePrepared, StageSelected, StageCanary, StageValidating, StageCompleted}, plan.History())
	assert.Equal(t, 100, plan.Progress())
	assert.Equal(t, "checks passed\n", plan.ValidationOutput())
	assert.NoDirExists(t, f.cfg.CanaryDir)
	assert.Equal(t, 1.0, counterValue(t, f.metrics, "slicesync_releases_total", "stage", "completed"))
}

func TestExecuteCanary_ValidationFailureRestoresSnapshot(t *testing.T) {
	f := newFixture(t)
	live := filepath.Join(f.repo, target)
	require.NoError(t, os.Chmod(filepath.Join(live, "b.txt"), 0600))
	before := readTree(t, live)

	var exposed map[string]fileState
	m := f.manager(t, Options{Validator: failing(func() { exposed = readTree(t, live) })})

	plan, err := m.ExecuteCanary(context.Background(), f.staged, []string{target})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))

	assert.Equal(t, "b2", exposed["b.txt"].content)
	assert.Equal(t, before, readTree(t, live), "rollback must restore the tree byte for byte")
	assert.Equal(t, StageRolledBack, plan.Stage())
	assert.Len(t, plan.Errors(), 1)
	assert.Equal(t, "boom\n", plan.ValidationOutput())
	assert.Equal(t, 1.0, counterValue(t, f.metrics, "slicesync_releases_total", "stage", "rolled-back"))
}

func TestExecuteCanary_MissingSnapshotFailsToRollback(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, Options{Validator: failing(func() {
		require.NoError(t, os.RemoveAll(f.cfg.RollbackDir))
	})})

	plan, err := m.ExecuteCanary(context.Background(), f.staged, []string{target})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))
	assert.Contains(t, err.Error(), "rollback failed")
	assert.Equal(t, StageFailedToRollback, plan.Stage())
	assert.Len(t, plan.Errors(), 2)
}

func TestExecuteCanary_RollbackDisabled(t *testing.T) {
	f := newFixture(t)
	off := false
	f.cfg.RollbackOnFailure = &off
	m := f.manager(t, Options{Validator: failing(nil)})

	plan, err := m.ExecuteCanary(context.Background(), f.staged, []string{target})
	require.Error(t, err)
	assert.Equal(t, StageFailed, plan.Stage())
	assert.Equal(t, "b2", readTree(t, filepath.Join(f.repo, target))["b.txt"].content, "canary stays in place")
}

func TestExecuteCanary_NewTargetIsRemovedOnRollback(t *testing.T) {
	f := newFixture(t)
	writeTree(t, filepath.Join(f.staged, "vendor/extra"), map[string]string{"x.txt": "x"})
	m := f.manager(t, Options{Validator: failing(nil)})

	plan, err := m.ExecuteCanary(context.Background(), f.staged, []string{target, "vendor/extra"})
	require.Error(t, err)
	assert.Equal(t, StageRolledBack, plan.Stage())
	assert.NoDirExists(t, filepath.Join(f.repo, "vendor/extra"))
	assert.Equal(t, "b1", readTree(t, filepath.Join(f.repo, target))["b.txt"].content)
}

func TestExecuteCanary_NothingToRelease(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.staged))
	writeTree(t, filepath.Join(f.staged, target), liveFiles)

	called := false
	m := f.manager(t, Options{Validator: ValidatorFunc(func(context.Context, string) (*Result, error) {
		called = true
		return &Result{}, nil
	})})

	plan, err := m.ExecuteCanary(context.Background(), f.staged, []string{target})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, []Stage{StagePreparing, StagePrepared, StageCompleted}, plan.History())
	assert.Empty(t, plan.Selected())
}

func TestFullReleaseThenRollback(t *testing.T) {
	f := newFixture(t)
	live := filepath.Join(f.repo, target)
	before := readTree(t, live)
	m := f.manager(t, Options{Mode: ModeFull, Validator: failing(nil)})

	require.NoError(t, m.Rollout(context.Background(), f.staged, []string{target}))
	plan := m.Plan()
	require.NotNil(t, plan)
	assert.Equal(t, StageCompleted, plan.Stage())
	assert.Len(t, plan.Selected(), 5)
	assert.Equal(t, readTree(t, filepath.Join(f.staged, target)), readTree(t, live))

	require.NoError(t, m.Rollback(context.Background()))
	assert.Equal(t, before, readTree(t, live))
	assert.Equal(t, StageCompleted, plan.Stage(), "a finished plan keeps its stage")
}

func TestFullRelease_AppliesModesAndSymlinks(t *testing.T) {
	f := newFixture(t)
	live := filepath.Join(f.repo, target)
	staged := filepath.Join(f.staged, target)

	require.NoError(t, os.Chmod(filepath.Join(staged, "a.txt"), 0755))
	require.NoError(t, os.Symlink("new.txt", filepath.Join(staged, "latest")))
	require.NoError(t, os.Symlink("b.txt", filepath.Join(staged, "retarget")))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(staged, "old.txt")))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(live, "retarget")))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(live, "stale")))

	m := f.manager(t, Options{Mode: ModeFull})
	changes, err := m.changes(context.Background(), f.staged, []string{target})
	require.NoError(t, err)
	assert.Equal(t, []Change{
		{Path: "vendor/lib/a.txt", Op: OpChmod},
		{Path: "vendor/lib/b.txt", Op: OpUpdate},
		{Path: "vendor/lib/cfg", Op: OpDelete},
		{Path: "vendor/lib/cfg/inner.txt", Op: OpAdd},
		{Path: "vendor/lib/latest", Op: OpLink},
		{Path: "vendor/lib/new.txt", Op: OpAdd},
		{Path: "vendor/lib/old.txt", Op: OpLink},
		{Path: "vendor/lib/retarget", Op: OpLink},
		{Path: "vendor/lib/stale", Op: OpDelete},
	}, changes)

	plan, err := m.FullRelease(context.Background(), f.staged, []string{target})
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, plan.Stage())

	fi, err := os.Stat(filepath.Join(live, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), fi.Mode().Perm())
	links, err := f.fs.Symlinks(live)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"latest": "new.txt", "retarget": "b.txt", "old.txt": "a.txt"}, links)

	changes, err = m.changes(context.Background(), f.staged, []string{target})
	require.NoError(t, err)
	assert.Empty(t, changes, "a released tree matches its staged tree")

	require.NoError(t, m.Rollback(context.Background()))
	links, err = f.fs.Symlinks(live)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"retarget": "a.txt", "stale": "a.txt"}, links)
	fi, err = os.Stat(filepath.Join(live, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), fi.Mode().Perm())
}

func TestRollback_WithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, Options{})

	err := m.Rollback(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindFilesystem))
}

func TestMonitor_Check(t *testing.T) {
	mon := NewMonitor(config.MonitorConfig{
		MaxErrorRate:     0.5,
		MaxDuration:      time.Minute,
		BaselineDuration: 10 * time.Second,
		DegradationRatio: 2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	assert.Empty(t, mon.Check(StatusSnapshot{Selected: 4, Errors: 1, Elapsed: 15 * time.Second}))

	names := func(alerts []Alert) []string {
		var out []string
		for _, a := range alerts {
			out = append(out, a.Name)
		}
		return out
	}
	assert.Equal(t, []string{AlertDegradation}, names(mon.Check(StatusSnapshot{Elapsed: 25 * time.Second})))
	assert.Equal(t, []string{AlertErrorRate, AlertDuration, AlertDegradation},
		names(mon.Check(StatusSnapshot{Selected: 2, Errors: 2, Elapsed: 2 * time.Minute})))
}

func TestMonitor_Watch(t *testing.T) {
	m := metrics.New()
	mon := NewMonitor(config.MonitorConfig{Interval: 5 * time.Millisecond, MaxDuration: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)), m)

	var mu sync.Mutex
	var snaps []StatusSnapshot
	mon.OnSnapshot = func(s StatusSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
	}

	plan := newPlan("r1", Percentage{Percent: 10}, nil, "", "", time.Now().Add(-time.Second))
	done := make(chan struct{})
	go func() {
		defer close(done)
		mon.Watch(context.Background(), plan)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, plan.transition(StagePrepared))
	require.NoError(t, plan.transition(StageCompleted))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after the plan finished")
	}

	mu.Lock()
	last := snaps[len(snaps)-1]
	mu.Unlock()
	assert.Equal(t, StageCompleted, last.Stage)
	assert.Equal(t, 1.0, counterValue(t, m, "slicesync_release_alerts_total", "alert", AlertDuration), "alerts fire once per plan")
}

func TestScriptValidator(t *testing.T) {
	dir := t.TempDir()

	res, err := (&ScriptValidator{Script: "pwd; echo ok"}).Validate(context.Background(), dir)
	require.NoError(t, err)
	wd, _ := filepath.EvalSymlinks(strings.Split(res.Output, "\n")[0])
	want, _ := filepath.EvalSymlinks(dir)
	assert.Equal(t, want, wd)
	assert.Contains(t, res.Output, "ok")

	res, err = (&ScriptValidator{Script: "echo broken >&2; exit 3"}).Validate(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "broken")

	res, err = (&ScriptValidator{Script: "exec sleep 5", Timeout: 50 * time.Millisecond}).Validate(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindTimeout))
	assert.Less(t, res.Duration, 5*time.Second)

	res, err = (&ScriptValidator{}).Validate(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}
