// Package conflict detects divergences between an upstream (source) tree and
// a local (target) tree and resolves them under a configurable strategy.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/schaermu/slicesync/internal/fsutil"
	"github.com/schaermu/slicesync/internal/hashing"
	"github.com/schaermu/slicesync/internal/syncerr"
	"github.com/schaermu/slicesync/internal/workers"
)

const memoEntries = 32

// DefaultMergeableExtensions are treated as line-oriented text by auto-merge.
var DefaultMergeableExtensions = []string{
	".txt", ".md", ".go", ".py", ".js", ".ts", ".json", ".yaml", ".yml",
	".toml", ".ini", ".cfg", ".conf", ".sh", ".html", ".css", ".xml", ".sql",
}

// Options configures a Resolver.
type Options struct {
	DefaultStrategy Strategy
	// AutoResolveExtensions never prompt; prompt-user falls back to the
	// default strategy for them.
	AutoResolveExtensions []string
	MergeableExtensions   []string
	CheckPermissions      bool
	Ignore                *hashing.Matcher
	Concurrency           int
	Versions              VersionSource
	Prompter              Prompter
	// Log receives one JSON object per resolution when set.
	Log io.Writer
}

// Resolver detects and resolves conflicts.
type Resolver struct {
	fs     *fsutil.FS
	hasher *hashing.Engine
	opts   Options
	logger *slog.Logger
	memo   *lru.Cache[string, []Conflict]
	logMu  sync.Mutex
	now    func() time.Time
}

// NewResolver creates a resolver. An empty default strategy means use-source.
func NewResolver(fs *fsutil.FS, hasher *hashing.Engine, opts Options, logger *slog.Logger) (*Resolver, error) {
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = UseSource
	}
	if _, err := ParseStrategy(string(opts.DefaultStrategy)); err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindConfig, "conflict resolver")
	}
	if opts.MergeableExtensions == nil {
		opts.MergeableExtensions = DefaultMergeableExtensions
	}
	if opts.Versions == nil {
		opts.Versions = NoVersions{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = workers.DefaultLimit
	}
	if opts.Ignore == nil {
		opts.Ignore = hashing.MustMatcher()
	}
	memo, err := lru.New[string, []Conflict](memoEntries)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		fs:     fs,
		hasher: hasher,
		opts:   opts,
		logger: logger,
		memo:   memo,
		now:    time.Now,
	}, nil
}

// Reset forgets memoized directory scans. Call it between runs.
func (r *Resolver) Reset() {
	r.memo.Purge()
}

// EffectiveStrategy picks the strategy that will be applied to c.
func (r *Resolver) EffectiveStrategy(c Conflict, override *Strategy) Strategy {
	s := r.opts.DefaultStrategy
	if override != nil && *override != "" {
		s = *override
	}
	if s == PromptUser && hasExtension(c.TargetPath(), r.opts.AutoResolveExtensions) {
		s = r.opts.DefaultStrategy
		if s == PromptUser {
			s = UseSource
		}
	}
	return s
}

// Resolve resolves one conflict.
func (r *Resolver) Resolve(ctx context.Context, c Conflict, override *Strategy) (Outcome, error) {
	out, err := r.apply(ctx, c, r.EffectiveStrategy(c, override))
	if err != nil {
		err = syncerr.Wrapf(err, syncerr.KindConflict, "resolve %s conflict at %s", c.Kind(), c.TargetPath())
	}
	r.record(out, err)
	return out, err
}

// ResolveAll resolves every conflict with the effective default strategy and
// returns how many resolved. Failures never stop the batch.
func (r *Resolver) ResolveAll(ctx context.Context, conflicts []Conflict) int {
	resolved := 0
	var failed []string
	for _, c := range conflicts {
		if ctx.Err() != nil {
			failed = append(failed, c.TargetPath()+": "+ctx.Err().Error())
			continue
		}
		out, err := r.Resolve(ctx, c, nil)
		switch {
		case err != nil:
			failed = append(failed, fmt.Sprintf("%s: %v", c.TargetPath(), err))
		case !out.Resolved:
			failed = append(failed, fmt.Sprintf("%s: %s", c.TargetPath(), out.Detail))
		default:
			resolved++
		}
	}
	if len(failed) > 0 {
		r.logger.Warn("some conflicts were not resolved",
			"resolved", resolved,
			"failed", len(failed),
			"details", strings.Join(failed, "; "))
	}
	return resolved
}

func (r *Resolver) apply(ctx context.Context, c Conflict, s Strategy) (Outcome, error) {
	if s == PromptUser {
		choice, err := r.prompt(ctx, c)
		if err != nil {
			return Outcome{Kind: c.Kind(), Source: c.SourcePath(), Target: c.TargetPath(), Strategy: s}, err
		}
		s = choice
	}
	r.logger.Debug("resolving conflict", "kind", c.Kind(), "target", c.TargetPath(), "strategy", s)
	return c.Resolve(ctx, r, s)
}

// fallback handles a kind that cannot honour auto-merge by applying the
// default strategy instead.
func (r *Resolver) fallback(ctx context.Context, c Conflict, reason string) (Outcome, error) {
	s := r.opts.DefaultStrategy
	if s == AutoMerge {
		s = UseSource
	}
	r.logger.Debug("auto-merge not possible, using default strategy", "target", c.TargetPath(), "reason", reason, "strategy", s)
	return r.apply(ctx, c, s)
}

func (r *Resolver) prompt(ctx context.Context, c Conflict) (Strategy, error) {
	if r.opts.Prompter == nil {
		return "", syncerr.New(syncerr.KindConflict, "prompt-user strategy requires an interactive prompter")
	}
	req := PromptRequest{Conflict: c}
	if cc, ok := c.(*ContentConflict); ok {
		req.SourceDigest = cc.SourceDigest
		req.TargetDigest = cc.TargetDigest
		req.Preview = r.preview(cc.Target, cc.Source)
	}
	choice, err := r.opts.Prompter.Choose(ctx, req)
	if err != nil {
		return "", err
	}
	if choice == PromptUser {
		return "", syncerr.New(syncerr.KindConflict, "prompter returned prompt-user")
	}
	if _, err := ParseStrategy(string(choice)); err != nil {
		return "", syncerr.Wrap(err, syncerr.KindConflict, "prompter")
	}
	return choice, nil
}

func (r *Resolver) copyOver(src, dst string) error {
	if _, err := r.fs.CopyFile(src, dst); err != nil {
		return err
	}
	return nil
}

func (r *Resolver) mergeable(path string) bool {
	return hasExtension(path, r.opts.MergeableExtensions)
}

type logRecord struct {
	Time time.Time `json:"time"`
	Outcome
	Error string `json:"error,omitempty"`
}

func (r *Resolver) record(out Outcome, err error) {
	if r.opts.Log == nil {
		return
	}
	rec := logRecord{Time: r.now().UTC(), Outcome: out}
	if err != nil {
		rec.Error = err.Error()
	}
	data, mErr := json.Marshal(rec)
	if mErr != nil {
		return
	}
	r.logMu.Lock()
	defer r.logMu.Unlock()
	if _, wErr := r.opts.Log.Write(append(data, '\n')); wErr != nil {
		r.logger.Warn("failed to write resolution log", "error", wErr)
	}
}

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e == ext {
			return true
		}
	}
	return false
}
