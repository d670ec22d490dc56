package conflict

import (
	"bufio"
	"regexp"

	goversion "github.com/hashicorp/go-version"

	"github.com/schaermu/slicesync/internal/fsutil"
)

// VersionSource extracts version metadata from a file.
type VersionSource interface {
	// Version returns the version and whether the file carries one.
	Version(fs *fsutil.FS, path string) (string, bool, error)
}

// NoVersions never reports a version, so version conflicts are not raised.
type NoVersions struct{}

// Version implements VersionSource.
func (NoVersions) Version(*fsutil.FS, string) (string, bool, error) {
	return "", false, nil
}

// DefaultVersionPattern matches lines such as `version: 1.2.3` or
// `# Version = "v2.0"`.
var DefaultVersionPattern = regexp.MustCompile(`(?i)\bversion\s*[:=]\s*["']?(v?[0-9][0-9A-Za-z.+\-]*)`)

// HeaderVersions reads a version from the first MaxLines lines of a file.
type HeaderVersions struct {
	Pattern  *regexp.Regexp
	MaxLines int
}

// Version implements VersionSource.
func (h HeaderVersions) Version(fs *fsutil.FS, path string) (string, bool, error) {
	pattern := h.Pattern
	if pattern == nil {
		pattern = DefaultVersionPattern
	}
	limit := h.MaxLines
	if limit <= 0 {
		limit = 20
	}

	f, err := fs.Open(path)
	if err != nil {
		return "", false, err
	}
	defer func() {
		_ = f.Close()
	}()

	sc := bufio.NewScanner(f)
	for i := 0; i < limit && sc.Scan(); i++ {
		if m := pattern.FindStringSubmatch(sc.Text()); len(m) > 1 {
			return m[1], true, nil
		}
	}
	return "", false, sc.Err()
}

// newer reports which side carries the higher version, or "" when either
// side is not a parseable version.
func newer(source, target string) string {
	sv, err := goversion.NewVersion(source)
	if err != nil {
		return ""
	}
	tv, err := goversion.NewVersion(target)
	if err != nil {
		return ""
	}
	switch sv.Compare(tv) {
	case 1:
		return "source"
	case -1:
		return "target"
	}
	return ""
}
