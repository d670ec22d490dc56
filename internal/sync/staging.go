package sync

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/hashing"
	"github.com/schaermu/slicesync/internal/syncerr"
	"github.com/schaermu/slicesync/internal/workers"
)

// staged is the outcome of staging one mapping.
type staged struct {
	index   hashing.Index
	copied  int
	skipped int
}

// copyToStaging hashes every mapped upstream directory on the temporary
// branch and copies new or changed files into the staging directory. It
// ends back on the target branch. The new index is kept on the session and
// only persisted once the changes are committed.
func (e *Engine) copyToStaging(ctx context.Context, s *Session) error {
	dir, err := e.fs.TempDir(e.cfg.Sync.StagingDir, "slicesync-staging-")
	if err != nil {
		return err
	}
	s.StagingDir = dir

	prev, err := hashing.LoadIndex(e.fs, e.cfg.HashIndexPath())
	if err != nil {
		e.logger.Warn("failed to load hash index (will copy everything)", "error", err)
		prev = hashing.Index{}
	}
	s.previous = prev

	results := make([]staged, len(s.Mappings))
	g := workers.NewGroup(ctx, s.Concurrency)
	for i, m := range s.Mappings {
		i, m := i, m
		g.Go(func(ctx context.Context) error {
			r, err := e.stageMapping(ctx, s, m)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	next := prev.Clone()
	for i, m := range s.Mappings {
		var removed []string
		for key := range prev {
			rel, ok := underTarget(key, m.Target)
			if !ok {
				continue
			}
			if _, still := results[i].index[rel]; !still {
				removed = append(removed, rel)
			}
			delete(next, key)
		}
		sort.Strings(removed)
		s.removed[m.Target] = removed
		for rel, digest := range results[i].index {
			next[indexKey(m.Target, rel)] = digest
		}

		s.Counters.Hashed += len(results[i].index)
		s.Counters.Copied += results[i].copied
		s.Counters.Skipped += results[i].skipped
		e.logger.Info("staged mapping",
			"source", m.Source,
			"target", m.Target,
			"files", len(results[i].index),
			"copied", results[i].copied,
			"unchanged", results[i].skipped,
			"removed_upstream", len(removed))
	}
	s.index = next
	e.opts.Metrics.FilesCopied(s.Counters.Copied)

	if err := e.git.Checkout(ctx, s.TargetBranch); err != nil {
		return err
	}
	s.onTemp = false
	return nil
}

// saveIndex persists the index staged by this session. Until it runs, the
// previous index stays on disk so a failed, declined or rolled back session
// is staged again in full by the next run.
func (e *Engine) saveIndex(s *Session) error {
	if s.index == nil {
		return nil
	}
	if err := s.index.Save(e.fs, e.cfg.HashIndexPath()); err != nil {
		return err
	}
	e.logger.Debug("hash index saved", "session", s.ID, "files", len(s.index))
	return nil
}

// stageMapping hashes one upstream directory and copies what the previous
// index does not already know into <staging>/<target>.
func (e *Engine) stageMapping(ctx context.Context, s *Session, m config.Mapping) (staged, error) {
	src := filepath.Join(e.cfg.Repo.Path, m.Source)
	exists, err := e.fs.Exists(src)
	if err != nil {
		return staged{}, err
	}
	if !exists {
		return staged{}, syncerr.Newf(syncerr.KindSyncProcess, "upstream directory %s not found at %s", m.Source, s.UpstreamRef)
	}

	idx, err := e.hasher.HashTree(ctx, src, e.cfg.Sync.Ignore)
	if err != nil {
		return staged{}, err
	}

	out := staged{index: idx}
	dst := filepath.Join(s.StagingDir, m.Target)
	for _, rel := range idx.Paths() {
		if err := ctx.Err(); err != nil {
			return staged{}, err
		}
		if !e.force() && s.previous[indexKey(m.Target, rel)] == idx[rel] {
			out.skipped++
			continue
		}
		if _, err := e.fs.CopyFile(filepath.Join(src, filepath.FromSlash(rel)), filepath.Join(dst, filepath.FromSlash(rel))); err != nil {
			return staged{}, err
		}
		out.copied++
	}
	return out, nil
}
