// Package testutil holds helpers shared by slicesync's test suites.
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// FindProjectRoot walks up from the caller's source file to the directory
// holding go.mod.
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", syncerr.New(syncerr.KindFilesystem, "failed to get caller information")
	}
	return findUp(filepath.Dir(filename), "go.mod")
}

// ProjectRoot is FindProjectRoot for tests. It fails t when no root is found.
func ProjectRoot(t testing.TB) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		t.Fatal("failed to get caller information")
	}
	root, err := findUp(filepath.Dir(filename), "go.mod")
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func findUp(dir, name string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", syncerr.Newf(syncerr.KindFilesystem, "%s not found in any parent directory", name)
		}
		dir = parent
	}
}
