package sync

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// acquireLock takes the session lock without waiting. The returned func
// releases it.
func acquireLock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindFilesystem, "failed to create state directory")
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindSyncProcess, "acquiring sync lock")
	}
	if !locked {
		return nil, syncerr.New(syncerr.KindSyncProcess, "another sync is in progress").WithContext("lock", path)
	}
	return func() {
		_ = lock.Unlock()
	}, nil
}
