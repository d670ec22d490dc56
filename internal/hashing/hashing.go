// Package hashing computes content digests for single files and whole trees.
//
// File digests are streaming SHA-256 over the raw bytes, so two files with the
// same content always share a digest regardless of path. Tree hashing fans
// out over a bounded worker group and can reuse digests from an on-disk cache
// while the file size and modification time are unchanged.
package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/slicesync/internal/fsutil"
	"github.com/schaermu/slicesync/internal/syncerr"
	"github.com/schaermu/slicesync/internal/workers"
)

// NotAFileError is returned by HashFile for directories.
type NotAFileError struct {
	Path string
}

func (e *NotAFileError) Error() string {
	return fmt.Sprintf("%s is not a regular file", e.Path)
}

// IOError is returned by HashFile when the file cannot be read.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Engine hashes files and trees.
type Engine struct {
	fs     *fsutil.FS
	cache  *Cache
	limit  int
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache enables the tree cache.
func WithCache(c *Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithConcurrency sets the worker limit for tree hashing.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// NewEngine creates a hash engine.
func NewEngine(fs *fsutil.FS, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{fs: fs, limit: workers.DefaultLimit, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HashFile returns the hex SHA-256 digest of the file at path.
func (e *Engine) HashFile(path string) (string, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return "", syncerr.Wrap(&IOError{Path: path, Err: err}, syncerr.KindFilesystem, "hash file")
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return "", syncerr.Wrap(&IOError{Path: path, Err: err}, syncerr.KindFilesystem, "hash file")
	}
	if info.IsDir() {
		return "", syncerr.Wrap(&NotAFileError{Path: path}, syncerr.KindFilesystem, "hash file")
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", syncerr.Wrap(&IOError{Path: path, Err: err}, syncerr.KindFilesystem, "hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type treeEntry struct {
	rel  string
	abs  string
	info os.FileInfo
}

// HashTree hashes every regular file under root that is not ignored. Ignored
// directories are never descended into. Files that vanish while the tree is
// being hashed are skipped with a warning.
func (e *Engine) HashTree(ctx context.Context, root string, ignore []string) (Index, error) {
	matcher, err := NewMatcher(ignore)
	if err != nil {
		return nil, err
	}
	return e.HashTreeMatching(ctx, root, matcher)
}

// HashTreeMatching is HashTree with a precompiled matcher.
func (e *Engine) HashTreeMatching(ctx context.Context, root string, matcher *Matcher) (Index, error) {
	entries, err := e.collect(root, matcher)
	if err != nil {
		return nil, err
	}

	patterns := matcher.Patterns()
	key := Key(root, patterns)
	var cached map[string]FileStamp
	started := time.Now()
	if e.cache != nil {
		cached = e.cache.lookup(key)
		started = e.cache.now()
	}

	var mu sync.Mutex
	idx := make(Index, len(entries))
	stamps := make(map[string]FileStamp, len(entries))
	reused := 0

	g := workers.NewGroup(ctx, e.limit)
	for _, entry := range entries {
		entry := entry
		if st, ok := cached[entry.rel]; ok && st.matches(entry.info) {
			idx[entry.rel] = st.Digest
			stamps[entry.rel] = st
			reused++
			continue
		}
		g.Go(func(context.Context) error {
			digest, err := e.HashFile(entry.abs)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					e.logger.Warn("file disappeared while hashing, skipping", "path", entry.abs)
					return nil
				}
				return err
			}
			mu.Lock()
			idx[entry.rel] = digest
			stamps[entry.rel] = FileStamp{Digest: digest, Size: entry.info.Size(), ModTime: entry.info.ModTime(), Hashed: started}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, syncerr.Wrapf(err, syncerr.KindFilesystem, "hash tree %s", root)
	}

	if e.cache != nil {
		e.cache.store(key, root, patterns, stamps)
	}

	e.logger.Debug("hashed tree", "root", root, "files", len(idx), "cache_hits", reused)
	return idx, nil
}

// Invalidate drops any cached result for root and ignore patterns.
func (e *Engine) Invalidate(root string, ignore []string) {
	if e.cache == nil {
		return
	}
	matcher, err := NewMatcher(ignore)
	if err != nil {
		return
	}
	e.cache.Invalidate(root, matcher.Patterns())
}

// collect lists regular files under root, pruning ignored directories before
// descending. Symlinks are not followed and are not hashed.
func (e *Engine) collect(root string, matcher *Matcher) ([]treeEntry, error) {
	var entries []treeEntry
	err := afero.Walk(e.fs.Afero(), root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path != root && errors.Is(err, os.ErrNotExist) {
				e.logger.Warn("entry disappeared while listing, skipping", "path", path)
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
		rel = filepath.ToSlash(rel)

		if matcher.Match(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		entries = append(entries, treeEntry{rel: rel, abs: path, info: info})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, syncerr.Wrapf(err, syncerr.KindFilesystem, "tree root %s does not exist", root)
		}
		return nil, syncerr.Wrapf(err, syncerr.KindFilesystem, "walk %s", root)
	}
	return entries, nil
}
