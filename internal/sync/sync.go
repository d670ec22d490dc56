// Package sync runs a sync session: it fetches upstream, stages the mapped
// directories, reconciles them with the local tree and commits the result.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/conflict"
	"github.com/schaermu/slicesync/internal/fsutil"
	"github.com/schaermu/slicesync/internal/git"
	"github.com/schaermu/slicesync/internal/hashing"
	"github.com/schaermu/slicesync/internal/metrics"
	"github.com/schaermu/slicesync/internal/retry"
	"github.com/schaermu/slicesync/internal/syncerr"
	"github.com/schaermu/slicesync/internal/workers"
)

// cleanupTimeout bounds the teardown after the run context is gone.
const cleanupTimeout = 30 * time.Second

// errStop ends the pipeline early without failing it.
var errStop = errors.New("stop pipeline")

// Options adjust a single run.
type Options struct {
	// PreviewOnly stops after preview-diff without touching the target.
	PreviewOnly bool
	// Force copies every upstream file instead of only changed ones.
	Force bool
	// NonInteractive skips confirmation.
	NonInteractive bool
	// Confirmer asks the operator to approve the preview. Nil approves.
	Confirmer Confirmer
	Metrics   *metrics.Metrics
	// Sleep replaces the wait between network retries.
	Sleep retry.Sleeper
	// Rollout, when set, takes over writing to the live target. Conflicts
	// are then resolved into a scratch copy of each target which is handed
	// over as a whole.
	Rollout Rollout
}

// Rollout applies a reconciled tree to the repository. staged mirrors the
// repository layout for targets.
type Rollout interface {
	Rollout(ctx context.Context, staged string, targets []string) error
}

// Engine orchestrates sync sessions against one local repository.
type Engine struct {
	cfg      *config.Config
	git      git.Client
	fs       *fsutil.FS
	hasher   *hashing.Engine
	resolver *conflict.Resolver
	logger   *slog.Logger
	opts     Options
	retry    retry.Policy
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, fs *fsutil.FS, hasher *hashing.Engine, resolver *conflict.Resolver, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		cfg:      cfg,
		git:      gitClient,
		fs:       fs,
		hasher:   hasher,
		resolver: resolver,
		logger:   logger,
		opts:     opts,
		retry: retry.Policy{
			MaxRetries:    cfg.Retry.MaxRetries,
			InitialDelay:  cfg.Retry.InitialDelay,
			BackoffFactor: cfg.Retry.BackoffFactor,
			Retryable:     git.IsNetworkError,
			Sleep:         opts.Sleep,
		},
	}
}

type stage struct {
	step Step
	run  func(context.Context, *Session) error
}

// Run executes the complete sync process. The returned session is non-nil
// whenever the session got far enough to be created, even on error.
func (e *Engine) Run(ctx context.Context) (*Session, error) {
	unlock, err := acquireLock(e.cfg.LockPath())
	if err != nil {
		return nil, err
	}
	defer unlock()

	s := newSession(e.cfg, workers.EffectiveLimit(e.cfg.Sync.Concurrency, e.cfg.Sync.AdaptiveConcurrency))
	e.resolver.Reset()

	e.logger.Info("starting sync",
		"session", s.ID,
		"upstream", s.UpstreamURL,
		"branch", s.UpstreamBranch,
		"mappings", len(s.Mappings),
		"force", e.force(),
		"preview_only", e.opts.PreviewOnly,
		"concurrency", s.Concurrency)

	err = e.run(ctx, s)
	switch {
	case err == nil:
		e.opts.Metrics.SyncFinished("success")
		e.logger.Info("sync completed successfully",
			"session", s.ID,
			"commit", s.Commit,
			"pushed", s.Pushed,
			"copied", s.Counters.Copied,
			"conflicts", s.Counters.Conflicts,
			"resolved", s.Counters.Resolved,
			"elapsed", s.Elapsed())
	case syncerr.Is(err, syncerr.KindUserCancelled):
		e.opts.Metrics.SyncFinished("cancelled")
	default:
		e.opts.Metrics.SyncFinished("failure")
	}
	return s, err
}

func (e *Engine) run(ctx context.Context, s *Session) error {
	defer e.cleanup(s)

	stages := []stage{
		{StepConfigureRemote, e.configureRemote},
		{StepFetchUpstream, e.fetchUpstream},
		{StepEstablishBranch, e.establishBranch},
		{StepCreateTempBranch, e.createTempBranch},
		{StepCopyToStaging, e.copyToStaging},
		{StepPreviewDiff, e.previewDiff},
		{StepApplyChanges, e.applyChanges},
		{StepCommit, e.commit},
		{StepPush, e.push},
	}

	for i, st := range stages {
		s.Step, s.Current = i+1, st.step
		e.logger.Debug("running step", "session", s.ID, "step", st.step, "index", s.Step, "of", len(stages))

		start := time.Now()
		err := st.run(ctx, s)
		elapsed := time.Since(start)
		failed := err != nil && !errors.Is(err, errStop)
		s.Timings = append(s.Timings, StepTiming{Step: st.step, Duration: elapsed, Failed: failed})
		e.opts.Metrics.ObserveStep(string(st.step), elapsed)

		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && syncerr.KindOf(err) == syncerr.KindUnknown {
				err = syncerr.Wrap(err, syncerr.KindTimeout, "sync interrupted")
			}
			var se *syncerr.Error
			if errors.As(err, &se) {
				se.WithContext("step", string(st.step))
			}
			return err
		}
	}
	return nil
}

func (e *Engine) force() bool {
	return e.opts.Force || e.cfg.Sync.Force
}

func (e *Engine) nonInteractive() bool {
	return e.opts.NonInteractive || e.cfg.Sync.NonInteractive
}

func (e *Engine) configureRemote(ctx context.Context, s *Session) error {
	e.logger.Info("configuring remote", "remote", e.cfg.Upstream.Remote, "auth", e.cfg.AuthMethod())
	return e.git.AddOrUpdateRemote(ctx, e.cfg.Upstream.Remote, s.UpstreamURL)
}

func (e *Engine) fetchUpstream(ctx context.Context, s *Session) error {
	e.logger.Info("fetching upstream", "remote", e.cfg.Upstream.Remote, "branch", s.UpstreamBranch)
	attempt := 0
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := e.git.Fetch(ctx, e.cfg.Upstream.Remote, s.UpstreamBranch)
		if err != nil && git.IsNetworkError(err) {
			e.logger.Warn("fetch failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return err
	}

	commit, err := e.git.RevParse(ctx, s.UpstreamRef)
	if err != nil {
		if errors.Is(err, git.ErrRefNotFound) {
			return syncerr.Newf(syncerr.KindVcs, "upstream branch %s not found", s.UpstreamRef)
		}
		return err
	}
	s.UpstreamCommit = commit
	e.logger.Info("upstream fetched", "ref", s.UpstreamRef, "commit", commit)
	return nil
}

func (e *Engine) establishBranch(ctx context.Context, s *Session) error {
	current, err := e.git.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if s.TargetBranch == "" {
		s.TargetBranch = current
	}

	if _, err := e.git.RevParse(ctx, s.TargetBranch); err != nil {
		if !errors.Is(err, git.ErrRefNotFound) {
			return err
		}
		e.logger.Info("target branch does not exist, creating it from HEAD", "branch", s.TargetBranch)
		if err := e.git.CreateBranch(ctx, s.TargetBranch, "HEAD"); err != nil {
			return err
		}
	}
	if current != s.TargetBranch {
		if err := e.git.Checkout(ctx, s.TargetBranch); err != nil {
			return err
		}
	}

	base, err := e.git.MergeBase(ctx, s.TargetBranch, s.UpstreamRef)
	if err != nil {
		return err
	}
	if base == "" {
		s.History = HistoryUnrelated
	} else {
		s.History = HistoryShared
	}
	e.logger.Info("branch strategy", "target", s.TargetBranch, "history", s.History, "merge_base", base)

	dirty, err := e.git.Status(ctx, s.Targets()...)
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		if !e.cfg.Sync.AllowDirty {
			paths := make([]string, 0, len(dirty))
			for _, d := range dirty {
				paths = append(paths, d.Path)
			}
			return syncerr.New(syncerr.KindSyncProcess, "target directories have uncommitted changes; commit them or set sync.allow_dirty").
				WithContext("paths", paths)
		}
		e.logger.Warn("target directories have uncommitted changes", "count", len(dirty))
	}
	return nil
}

func (e *Engine) createTempBranch(ctx context.Context, s *Session) error {
	e.logger.Info("creating temporary branch", "branch", s.TempBranch, "from", s.UpstreamRef)
	if err := e.git.CheckoutNewBranch(ctx, s.TempBranch, s.UpstreamRef); err != nil {
		return err
	}
	s.tempCreated, s.onTemp = true, true
	return nil
}

// cleanup releases everything the session owns. It never fails the run.
func (e *Engine) cleanup(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	var errs error
	if s.onTemp {
		if err := e.git.Checkout(ctx, s.TargetBranch); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			s.onTemp = false
		}
	}
	if s.tempCreated && !s.onTemp {
		if err := e.git.DeleteBranch(ctx, s.TempBranch); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			s.tempCreated = false
		}
	}
	for _, dir := range []string{s.StagingDir, s.ResolvedDir} {
		if dir == "" {
			continue
		}
		if err := e.fs.RemoveAll(dir); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	for _, err := range multierr.Errors(errs) {
		e.logger.Warn("cleanup step failed", "session", s.ID, "error", err)
	}
	e.logger.Debug("session cleaned up", "session", s.ID, "elapsed", s.Elapsed())
}
