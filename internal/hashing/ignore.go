package hashing

import (
	"path"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// alwaysIgnored are never part of a synced tree.
var alwaysIgnored = []string{".git"}

// Matcher decides whether a relative path is excluded from hashing, copying
// and conflict detection.
type Matcher struct {
	patterns []string
	globs    []glob.Glob
}

// NewMatcher compiles glob-style patterns. A pattern matches either the full
// relative path or the entry's base name, so "*.log" excludes log files at any
// depth and "build/**" excludes a subtree.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	seen := map[string]bool{}
	for _, p := range append(append([]string{}, alwaysIgnored...), patterns...) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, syncerr.Wrapf(err, syncerr.KindConfig, "invalid ignore pattern %q", p)
		}
		m.patterns = append(m.patterns, p)
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// MustMatcher is NewMatcher for patterns known to be valid.
func MustMatcher(patterns ...string) *Matcher {
	m, err := NewMatcher(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether rel (forward slashes) is ignored.
func (m *Matcher) Match(rel string) bool {
	if m == nil {
		return false
	}
	base := path.Base(rel)
	for _, g := range m.globs {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}

// Patterns returns the sorted pattern set, used for cache keys.
func (m *Matcher) Patterns() []string {
	out := append([]string{}, m.patterns...)
	sort.Strings(out)
	return out
}
