package hashing

import (
	"encoding/json"
	"errors"
	"os"
	"sort"

	"github.com/schaermu/slicesync/internal/fsutil"
	"github.com/schaermu/slicesync/internal/syncerr"
)

// Index maps a repository-relative file path (forward slashes) to its hex
// digest. Directories are never keyed.
type Index map[string]string

// Clone returns an independent copy of the index.
func (idx Index) Clone() Index {
	out := make(Index, len(idx))
	for k, v := range idx {
		out[k] = v
	}
	return out
}

// Diff compares idx (the new state) against prev.
func (idx Index) Diff(prev Index) (added, removed, changed []string) {
	for path, digest := range idx {
		old, ok := prev[path]
		switch {
		case !ok:
			added = append(added, path)
		case old != digest:
			changed = append(changed, path)
		}
	}
	for path := range prev {
		if _, ok := idx[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}

// Paths returns the sorted keys.
func (idx Index) Paths() []string {
	out := make([]string, 0, len(idx))
	for k := range idx {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadIndex reads a persisted index. A missing file yields an empty index.
func LoadIndex(fs *fsutil.FS, path string) (Index, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Index{}, nil
		}
		return nil, err
	}

	idx := Index{}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, syncerr.Wrapf(err, syncerr.KindFilesystem, "parse hash index %s", path)
	}
	return idx, nil
}

// Save writes the index atomically as a JSON object.
func (idx Index) Save(fs *fsutil.FS, path string) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return syncerr.Wrap(err, syncerr.KindFilesystem, "encode hash index")
	}
	return fs.WriteFileAtomic(path, data, 0o644)
}
