package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schaermu/slicesync/internal/fsutil"
)

// LockMarker is the advisory lock file written next to a file that a local
// process is editing.
type LockMarker struct {
	Owner   string    `json:"owner"`
	PID     int       `json:"pid"`
	Created time.Time `json:"created"`
}

func lockPath(target string) string {
	return target + ".lock"
}

// readLock returns the marker for target, or nil when there is none.
func readLock(fs *fsutil.FS, target string) (*LockMarker, error) {
	data, err := fs.ReadFile(lockPath(target))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var m LockMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse lock marker: %w", err)
	}
	return &m, nil
}

// WriteLock places a lock marker next to target.
func WriteLock(fs *fsutil.FS, target string, m LockMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(lockPath(target), data, 0o644)
}
