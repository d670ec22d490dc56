package conflict

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/schaermu/slicesync/internal/syncerr"
	"github.com/schaermu/slicesync/internal/workers"
)

// DetectFile compares one source path with one target path. A nil conflict
// means the two agree or one of them is absent.
func (r *Resolver) DetectFile(ctx context.Context, source, target string) (Conflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sfi, ok, err := r.lstat(source)
	if err != nil || !ok {
		return nil, err
	}
	tfi, ok, err := r.lstat(target)
	if err != nil || !ok {
		return nil, err
	}
	paths := Paths{Source: source, Target: target}

	sLink := sfi.Mode()&os.ModeSymlink != 0
	tLink := tfi.Mode()&os.ModeSymlink != 0
	if sLink || tLink {
		var sDest, tDest string
		if sLink {
			if sDest, err = r.fs.Readlink(source); err != nil {
				return nil, err
			}
		}
		if tLink {
			if tDest, err = r.fs.Readlink(target); err != nil {
				return nil, err
			}
		}
		if sLink && tLink && sDest == tDest {
			return nil, nil
		}
		return &SymlinkConflict{Paths: paths, SourceLink: sDest, TargetLink: tDest}, nil
	}

	if sfi.IsDir() != tfi.IsDir() {
		return &TypeConflict{Paths: paths, SourceType: entryType(sfi), TargetType: entryType(tfi)}, nil
	}
	if sfi.IsDir() {
		return nil, nil
	}

	sDigest, err := r.hasher.HashFile(source)
	if err != nil {
		return nil, err
	}
	tDigest, err := r.hasher.HashFile(target)
	if err != nil {
		return nil, err
	}

	if sDigest == tDigest {
		if r.opts.CheckPermissions && sfi.Mode().Perm() != tfi.Mode().Perm() {
			return &PermissionConflict{Paths: paths, SourceMode: sfi.Mode().Perm(), TargetMode: tfi.Mode().Perm()}, nil
		}
		return nil, nil
	}

	lock, err := readLock(r.fs, target)
	if err != nil {
		r.logger.Warn("ignoring unreadable lock marker", "path", lockPath(target), "error", err)
	}
	if lock != nil {
		return &LockConflict{
			Paths:    paths,
			LockPath: lockPath(target),
			Owner:    lock.Owner,
			PID:      lock.PID,
			Created:  lock.Created,
		}, nil
	}

	sv, sok := r.version(source)
	tv, tok := r.version(target)
	if sok && tok && sv != tv {
		return &VersionConflict{
			Paths:         paths,
			SourceVersion: sv,
			TargetVersion: tv,
			Newer:         newer(sv, tv),
		}, nil
	}

	return &ContentConflict{Paths: paths, SourceDigest: sDigest, TargetDigest: tDigest}, nil
}

func (r *Resolver) version(path string) (string, bool) {
	v, ok, err := r.opts.Versions.Version(r.fs, path)
	if err != nil {
		r.logger.Debug("version lookup failed", "path", path, "error", err)
		return "", false
	}
	return v, ok
}

func (r *Resolver) lstat(path string) (os.FileInfo, bool, error) {
	fi, err := r.fs.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return fi, true, nil
}

// DetectOption narrows a directory scan.
type DetectOption func(*detectOptions)

type detectOptions struct {
	candidates map[string]bool
}

// RenameCandidates limits rename detection to target files at the given
// paths, relative to the target root. Without it every target file missing
// from source is a candidate, which is only correct when source holds the
// complete upstream tree.
func RenameCandidates(rels []string) DetectOption {
	return func(o *detectOptions) {
		o.candidates = make(map[string]bool, len(rels))
		for _, rel := range rels {
			o.candidates[filepath.Clean(rel)] = true
		}
	}
}

// DetectDirectory compares every non-ignored entry under source with its
// counterpart under target and adds rename conflicts for files that moved.
// Results are memoized per (source, target) until Reset.
func (r *Resolver) DetectDirectory(ctx context.Context, source, target string, opts ...DetectOption) ([]Conflict, error) {
	var o detectOptions
	for _, opt := range opts {
		opt(&o)
	}
	key := filepath.Clean(source) + "\x00" + filepath.Clean(target)
	if o.candidates != nil {
		key += "\x00" + strings.Join(sortedKeys(o.candidates), "\x00")
	}
	if cached, ok := r.memo.Get(key); ok {
		return cached, nil
	}

	sourceFiles, err := r.walk(source, target)
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		conflicts []Conflict
		added     []string
	)
	g := workers.NewGroup(ctx, r.opts.Concurrency)
	for _, e := range sourceFiles {
		e := e
		if !e.counterpart {
			if e.regular {
				added = append(added, e.rel)
			}
			continue
		}
		g.Go(func(ctx context.Context) error {
			c, err := r.DetectFile(ctx, filepath.Join(source, e.rel), filepath.Join(target, e.rel))
			if err != nil || c == nil {
				return err
			}
			mu.Lock()
			conflicts = append(conflicts, c)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, syncerr.Wrapf(err, syncerr.KindConflict, "detect conflicts between %s and %s", source, target)
	}

	renames, err := r.detectRenames(ctx, source, target, added, o.candidates)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, renames...)

	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].TargetPath() < conflicts[j].TargetPath()
	})
	r.memo.Add(key, conflicts)
	return conflicts, nil
}

type walkEntry struct {
	rel         string
	regular     bool
	counterpart bool
}

// walk lists the non-directory entries of root and records whether other has
// something at the same relative path. A directory of root that is not a
// directory in other is listed as an entry and not descended into.
func (r *Resolver) walk(root, other string) ([]walkEntry, error) {
	var entries []walkEntry
	err := afero.Walk(r.fs.Afero(), root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path != root && errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if r.opts.Ignore.Match(filepath.ToSlash(rel)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		ofi, exists, err := r.lstat(filepath.Join(other, rel))
		if err != nil {
			return err
		}
		e := walkEntry{rel: rel, regular: info.Mode().IsRegular(), counterpart: exists}
		if exists && info.IsDir() {
			if ofi.IsDir() {
				return nil
			}
			entries = append(entries, e)
			return filepath.SkipDir
		}
		if info.IsDir() {
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, syncerr.Wrapf(err, syncerr.KindFilesystem, "walk %s", root)
	}
	return entries, nil
}

// detectRenames pairs source-only files with target-only files of identical
// content.
func (r *Resolver) detectRenames(ctx context.Context, source, target string, added []string, candidates map[string]bool) ([]Conflict, error) {
	if len(added) == 0 {
		return nil, nil
	}
	targetFiles, err := r.walk(target, source)
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, e := range targetFiles {
		if candidates != nil && !candidates[e.rel] {
			continue
		}
		if e.regular && !e.counterpart {
			orphans = append(orphans, e.rel)
		}
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	byDigest := map[string][]string{}
	var mu sync.Mutex
	g := workers.NewGroup(ctx, r.opts.Concurrency)
	for _, rel := range orphans {
		rel := rel
		g.Go(func(context.Context) error {
			d, err := r.hasher.HashFile(filepath.Join(target, rel))
			if err != nil {
				return err
			}
			mu.Lock()
			byDigest[d] = append(byDigest[d], rel)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindConflict, "hash rename candidates")
	}
	for d := range byDigest {
		sort.Strings(byDigest[d])
	}

	sort.Strings(added)
	var renames []Conflict
	for _, rel := range added {
		d, err := r.hasher.HashFile(filepath.Join(source, rel))
		if err != nil {
			return nil, syncerr.Wrap(err, syncerr.KindConflict, "hash rename candidates")
		}
		candidates := byDigest[d]
		if len(candidates) == 0 {
			continue
		}
		from := candidates[0]
		byDigest[d] = candidates[1:]
		renames = append(renames, &RenameConflict{
			Paths:       Paths{Source: filepath.Join(source, rel), Target: filepath.Join(target, from)},
			Destination: filepath.Join(target, rel),
			Digest:      d,
		})
	}
	return renames, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
