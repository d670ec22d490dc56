package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/conflict"
	"github.com/schaermu/slicesync/internal/git"
	"github.com/schaermu/slicesync/internal/syncerr"
)

// applyChanges reconciles each staged mapping with the live target: detect
// conflicts, resolve them, copy what is still missing, prune and stage. With
// a rollout the same work happens on a scratch copy, which the rollout then
// applies.
func (e *Engine) applyChanges(ctx context.Context, s *Session) error {
	root := e.cfg.Repo.Path
	if e.opts.Rollout != nil {
		dir, err := e.fs.TempDir(e.cfg.Sync.StagingDir, "slicesync-resolved-")
		if err != nil {
			return err
		}
		s.ResolvedDir, root = dir, dir
	}

	pruned := map[string]int{}
	for _, m := range s.Mappings {
		n, err := e.applyMapping(ctx, s, m, root)
		if err != nil {
			return err
		}
		pruned[m.Target] = n
	}
	e.opts.Metrics.ConflictsResolved(s.Counters.Resolved)

	if e.opts.Rollout != nil {
		e.logger.Info("handing reconciled targets to release", "dir", s.ResolvedDir)
		if err := e.opts.Rollout.Rollout(ctx, s.ResolvedDir, s.Targets()); err != nil {
			return err
		}
	}
	for _, m := range s.Mappings {
		if err := e.track(ctx, m, pruned[m.Target] > 0); err != nil {
			return err
		}
	}
	return nil
}

// applyMapping reconciles one mapping into root/<target> and returns the
// number of pruned files.
func (e *Engine) applyMapping(ctx context.Context, s *Session, m config.Mapping, root string) (int, error) {
	stageDir := filepath.Join(s.StagingDir, m.Target)
	targetDir := filepath.Join(root, m.Target)

	if root != e.cfg.Repo.Path {
		live := filepath.Join(e.cfg.Repo.Path, m.Target)
		ok, err := e.fs.Exists(live)
		if err != nil {
			return 0, err
		}
		if ok {
			if _, err := e.fs.CopyTree(live, targetDir, true); err != nil {
				return 0, err
			}
		}
	}

	hasStaged, err := e.fs.Exists(stageDir)
	if err != nil {
		return 0, err
	}
	if hasStaged {
		var opts []conflict.DetectOption
		if !e.force() {
			// Staging only holds changed files, so the rest of the target
			// must not be mistaken for rename sources.
			opts = append(opts, conflict.RenameCandidates(s.removed[m.Target]))
		}
		conflicts, err := e.resolver.DetectDirectory(ctx, stageDir, targetDir, opts...)
		if err != nil {
			return 0, err
		}
		for _, c := range conflicts {
			e.opts.Metrics.ConflictDetected(string(c.Kind()))
		}
		resolved := 0
		if len(conflicts) > 0 {
			e.logger.Info("resolving conflicts", "target", m.Target, "count", len(conflicts))
			resolved = e.resolver.ResolveAll(ctx, conflicts)
		}
		s.Counters.Conflicts += len(conflicts)
		s.Counters.Resolved += resolved

		copied, err := e.fs.CopyTree(stageDir, targetDir, false)
		if err != nil {
			return 0, err
		}
		s.Counters.Applied += copied
		e.logger.Info("applied mapping", "target", m.Target, "new_files", copied, "conflicts", len(conflicts), "resolved", resolved)
	}

	pruned := 0
	if e.cfg.Sync.Prune {
		pruned, err = e.prune(s, m, targetDir)
		if err != nil {
			return 0, err
		}
		s.Counters.Pruned += pruned
	}
	return pruned, nil
}

// track refreshes the hash cache for a live target and stages it.
func (e *Engine) track(ctx context.Context, m config.Mapping, pruned bool) error {
	targetDir := filepath.Join(e.cfg.Repo.Path, m.Target)
	e.hasher.Invalidate(targetDir, e.cfg.Sync.Ignore)

	exists, err := e.fs.Exists(targetDir)
	if err != nil {
		return err
	}
	// A fully pruned target still has deletions to stage.
	if !exists && !pruned {
		return nil
	}
	return e.git.Add(ctx, m.Target)
}

// prune deletes files upstream removed, unless the local copy changed since
// it was last synced.
func (e *Engine) prune(s *Session, m config.Mapping, targetDir string) (int, error) {
	pruned := 0
	for _, rel := range s.removed[m.Target] {
		p := filepath.Join(targetDir, filepath.FromSlash(rel))
		digest, err := e.hasher.HashFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			e.logger.Warn("not pruning unreadable path", "path", p, "error", err)
			continue
		}
		if digest != s.previous[indexKey(m.Target, rel)] {
			e.logger.Info("keeping locally modified file removed upstream", "path", p)
			continue
		}
		if err := e.fs.RemoveAll(p); err != nil {
			return pruned, err
		}
		e.logger.Info("deleting file", "dest", p)
		pruned++
	}
	return pruned, nil
}

func (e *Engine) commit(ctx context.Context, s *Session) error {
	changes, err := e.git.Status(ctx, s.Targets()...)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		e.logger.Info("no changes to commit")
		return e.saveIndex(s)
	}

	msg, err := CommitMessage(e.cfg.Sync.CommitMessage, s)
	if err != nil {
		return err
	}
	hash, err := e.git.Commit(ctx, msg, git.Signature{Name: e.cfg.VCS.AuthorName, Email: e.cfg.VCS.AuthorEmail})
	if err != nil {
		return err
	}
	s.Commit = hash
	e.logger.Info("committed changes", "commit", hash, "files", len(changes))
	return e.saveIndex(s)
}

func (e *Engine) push(ctx context.Context, s *Session) error {
	if s.Commit == "" {
		return nil
	}
	if !e.cfg.Sync.Push {
		e.logger.Debug("push disabled, leaving commit local", "commit", s.Commit)
		return nil
	}

	remote := e.cfg.Repo.PushRemote
	e.logger.Info("pushing", "remote", remote, "branch", s.TargetBranch)
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		return e.git.Push(ctx, remote, s.TargetBranch)
	})
	if err != nil {
		return err
	}
	s.Pushed = true
	return nil
}

// commitData is what a commit message template can refer to.
type commitData struct {
	Session        string
	Upstream       string
	UpstreamBranch string
	UpstreamCommit string
	TargetBranch   string
	Targets        []string
	Counters       Counters
}

var templateFuncs = template.FuncMap{
	"join": strings.Join,
	"short": func(hash string) string {
		if len(hash) > 7 {
			return hash[:7]
		}
		return hash
	},
}

// CommitMessage renders a commit message template for s.
func CommitMessage(tmpl string, s *Session) (string, error) {
	if tmpl == "" {
		tmpl = config.DefaultCommitMessage
	}
	t, err := template.New("commit").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", syncerr.Wrap(err, syncerr.KindConfig, "invalid sync.commit_message template")
	}

	var b strings.Builder
	err = t.Execute(&b, commitData{
		Session:        s.ID,
		Upstream:       s.UpstreamURL,
		UpstreamBranch: s.UpstreamBranch,
		UpstreamCommit: s.UpstreamCommit,
		TargetBranch:   s.TargetBranch,
		Targets:        s.Targets(),
		Counters:       s.Counters,
	})
	if err != nil {
		return "", syncerr.Wrap(err, syncerr.KindConfig, "render sync.commit_message")
	}
	return b.String(), nil
}
