package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/schaermu/slicesync/internal/fsutil"
)

// DefaultCacheExpiry is how long a cached tree result stays valid.
const DefaultCacheExpiry = 7 * 24 * time.Hour

const memoryEntries = 64

// RacyWindow covers the coarsest common mtime granularity. A file whose
// mtime is not at least this much older than the moment it was hashed may
// have been rewritten within the same tick, so its stamp is never trusted.
const RacyWindow = 2 * time.Second

// FileStamp records the digest of a file together with the metadata it was
// computed from, so a cached digest is reused only while the file is unchanged.
//
// Size and mtime are the change signal: a same-size rewrite that restores
// the previous mtime goes unnoticed. Use force to re-hash in that case.
type FileStamp struct {
	Digest  string    `json:"digest"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	// Hashed is when hashing of the tree started.
	Hashed time.Time `json:"hashed"`
}

// matches reports whether the stamp can stand in for a file with info.
func (st FileStamp) matches(info os.FileInfo) bool {
	return st.Size == info.Size() &&
		st.ModTime.Equal(info.ModTime()) &&
		st.ModTime.Before(st.Hashed.Add(-RacyWindow))
}

type cacheEntry struct {
	Root     string               `json:"root"`
	Patterns []string             `json:"patterns"`
	Created  time.Time            `json:"created"`
	Files    map[string]FileStamp `json:"files"`
}

// Cache stores tree hash results on disk, keyed by (root, ignore patterns),
// with an in-memory LRU in front. Entries older than the expiry are deleted
// when they are looked up.
type Cache struct {
	fs     *fsutil.FS
	dir    string
	expiry time.Duration
	mem    *lru.Cache[string, *cacheEntry]
	logger *slog.Logger
	now    func() time.Time
}

// NewCache creates a cache rooted at dir. A zero expiry uses DefaultCacheExpiry.
func NewCache(fs *fsutil.FS, dir string, expiry time.Duration, logger *slog.Logger) (*Cache, error) {
	if expiry <= 0 {
		expiry = DefaultCacheExpiry
	}
	mem, err := lru.New[string, *cacheEntry](memoryEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		fs:     fs,
		dir:    dir,
		expiry: expiry,
		mem:    mem,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Key derives the cache key for a root and pattern set.
func Key(root string, patterns []string) string {
	h := sha256.New()
	h.Write([]byte(filepath.Clean(root)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(patterns, "\x00")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, "tree-"+key+".json")
}

// lookup returns the stamps for the key, or nil when missing or expired.
func (c *Cache) lookup(key string) map[string]FileStamp {
	if e, ok := c.mem.Get(key); ok {
		if c.expired(e) {
			c.drop(key)
			return nil
		}
		return e.Files
	}

	data, err := c.fs.ReadFile(c.path(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to read hash cache entry", "key", key, "error", err)
		}
		return nil
	}

	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("discarding corrupt hash cache entry", "key", key, "error", err)
		c.drop(key)
		return nil
	}
	if c.expired(&e) {
		c.logger.Debug("hash cache entry expired", "key", key, "created", e.Created)
		c.drop(key)
		return nil
	}
	c.mem.Add(key, &e)
	return e.Files
}

// store persists the stamps for the key. Failures are logged, not returned;
// the cache is an optimisation.
func (c *Cache) store(key, root string, patterns []string, files map[string]FileStamp) {
	e := &cacheEntry{
		Root:     root,
		Patterns: patterns,
		Created:  c.now(),
		Files:    files,
	}
	if prev, ok := c.mem.Get(key); ok && !c.expired(prev) {
		e.Created = prev.Created
	}
	c.mem.Add(key, e)

	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("failed to encode hash cache entry", "key", key, "error", err)
		return
	}
	if err := c.fs.WriteFileAtomic(c.path(key), data, 0o644); err != nil {
		c.logger.Warn("failed to write hash cache entry", "key", key, "error", err)
	}
}

// Invalidate removes the entry for root and patterns.
func (c *Cache) Invalidate(root string, patterns []string) {
	c.drop(Key(root, patterns))
}

func (c *Cache) drop(key string) {
	c.mem.Remove(key)
	if err := c.fs.RemoveAll(c.path(key)); err != nil {
		c.logger.Warn("failed to delete hash cache entry", "key", key, "error", err)
	}
}

func (c *Cache) expired(e *cacheEntry) bool {
	return c.now().Sub(e.Created) > c.expiry
}
