package release

import (
	"math"
	"math/rand"
	"path"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/syncerr"
)

// Strategy picks the subset of changed files exposed in a canary. Paths are
// repository-relative with forward slashes.
type Strategy interface {
	Name() string
	Select(files []string, rng *rand.Rand) ([]string, error)
}

// NewStrategy builds the strategy named by cfg.Strategy.
func NewStrategy(cfg config.ReleaseConfig) (Strategy, error) {
	switch cfg.Strategy {
	case "", "percentage":
		return Percentage{Percent: cfg.Percentage}, nil
	case "directory":
		return Directories{Dirs: cfg.Directories}, nil
	case "file":
		return NewPatterns(cfg.Patterns)
	case "user-group":
		return Weighted{Label: "user-group", Weights: cfg.Groups}, nil
	case "region":
		return Weighted{Label: "region", Weights: cfg.Regions}, nil
	}
	return nil, syncerr.Newf(syncerr.KindConfig, "unknown release strategy %q", cfg.Strategy)
}

// Percentage samples ceil(n*Percent/100) files uniformly.
type Percentage struct {
	Percent float64
}

// Name returns "percentage".
func (p Percentage) Name() string { return "percentage" }

// Select shuffles a copy of files (Fisher-Yates) and keeps the head.
func (p Percentage) Select(files []string, rng *rand.Rand) ([]string, error) {
	if p.Percent <= 0 || p.Percent > 100 {
		return nil, syncerr.Newf(syncerr.KindConfig, "release percentage %g out of range (0, 100]", p.Percent)
	}
	if len(files) == 0 {
		return nil, nil
	}

	shuffled := append([]string(nil), files...)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	n := int(math.Ceil(float64(len(files)) * p.Percent / 100))
	if n > len(shuffled) {
		n = len(shuffled)
	}
	out := shuffled[:n]
	sort.Strings(out)
	return out, nil
}

// Directories selects every file below one of Dirs.
type Directories struct {
	Dirs []string
}

// Name returns "directory".
func (d Directories) Name() string { return "directory" }

// Select keeps files whose path starts with a directory in Dirs.
func (d Directories) Select(files []string, _ *rand.Rand) ([]string, error) {
	if len(d.Dirs) == 0 {
		return nil, syncerr.New(syncerr.KindConfig, "directory strategy needs at least one directory")
	}
	prefixes := make([]string, 0, len(d.Dirs))
	for _, dir := range d.Dirs {
		prefixes = append(prefixes, path.Clean(strings.Trim(dir, "/")))
	}

	var out []string
	for _, f := range files {
		for _, prefix := range prefixes {
			if f == prefix || strings.HasPrefix(f, prefix+"/") {
				out = append(out, f)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Patterns selects files matching any glob. A pattern matches the full path
// or the base name.
type Patterns struct {
	patterns []string
	globs    []glob.Glob
}

// NewPatterns compiles the globs.
func NewPatterns(patterns []string) (*Patterns, error) {
	if len(patterns) == 0 {
		return nil, syncerr.New(syncerr.KindConfig, "file strategy needs at least one pattern")
	}
	p := &Patterns{}
	for _, raw := range patterns {
		g, err := glob.Compile(raw, '/')
		if err != nil {
			return nil, syncerr.Wrapf(err, syncerr.KindConfig, "invalid release pattern %q", raw)
		}
		p.patterns = append(p.patterns, raw)
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// Name returns "file".
func (p *Patterns) Name() string { return "file" }

// Select keeps files matching any pattern.
func (p *Patterns) Select(files []string, _ *rand.Rand) ([]string, error) {
	var out []string
	for _, f := range files {
		base := path.Base(f)
		for _, g := range p.globs {
			if g.Match(f) || g.Match(base) {
				out = append(out, f)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Weighted samples each named group at its own percentage and unions the
// results. Groups are visited in name order so a seeded rng is reproducible.
type Weighted struct {
	Label   string
	Weights map[string]float64
}

// Name returns the configured label, "user-group" or "region".
func (w Weighted) Name() string { return w.Label }

// Select samples every group and returns the sorted, deduplicated union.
func (w Weighted) Select(files []string, rng *rand.Rand) ([]string, error) {
	if len(w.Weights) == 0 {
		return nil, syncerr.Newf(syncerr.KindConfig, "%s strategy needs at least one weighted group", w.Label)
	}
	names := make([]string, 0, len(w.Weights))
	for name := range w.Weights {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := map[string]bool{}
	var out []string
	for _, name := range names {
		picked, err := Percentage{Percent: w.Weights[name]}.Select(files, rng)
		if err != nil {
			return nil, syncerr.Wrapf(err, syncerr.KindConfig, "%s %s", w.Label, name)
		}
		for _, f := range picked {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
