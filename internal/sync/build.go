package sync

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/conflict"
	"github.com/schaermu/slicesync/internal/fsutil"
	"github.com/schaermu/slicesync/internal/git"
	"github.com/schaermu/slicesync/internal/hashing"
	"github.com/schaermu/slicesync/internal/syncerr"
	"github.com/schaermu/slicesync/internal/workers"
)

// Deps are the collaborators built from a configuration.
type Deps struct {
	FS       *fsutil.FS
	Hasher   *hashing.Engine
	Git      git.Client
	Resolver *conflict.Resolver

	logFile io.Closer
}

// Close releases the conflict log, if one was opened.
func (d *Deps) Close() error {
	if d.logFile == nil {
		return nil
	}
	return d.logFile.Close()
}

// NewDeps wires the filesystem, hash engine, git client and conflict
// resolver for cfg. prompter may be nil for non-interactive use.
func NewDeps(cfg *config.Config, prompter conflict.Prompter, logger *slog.Logger) (*Deps, error) {
	fs := fsutil.NewOS(
		fsutil.WithLargeFileThreshold(int64(cfg.Sync.LargeFileThreshold)),
		fsutil.WithChunkSize(int64(cfg.Sync.ChunkSize)),
	)

	cache, err := hashing.NewCache(fs, cfg.Paths.CacheDir, cfg.Paths.CacheExpiry, logger)
	if err != nil {
		return nil, err
	}
	concurrency := workers.EffectiveLimit(cfg.Sync.Concurrency, cfg.Sync.AdaptiveConcurrency)
	hasher := hashing.NewEngine(fs, logger, hashing.WithCache(cache), hashing.WithConcurrency(concurrency))

	gitClient, err := git.New(string(cfg.VCS.Backend), cfg.Repo.Path, git.Auth{
		SSHKeyFile:   cfg.Auth.SSHKeyFile,
		Username:     cfg.Auth.Username,
		PasswordFile: cfg.Auth.PasswordFile,
		TokenFile:    cfg.Auth.TokenFile,
	})
	if err != nil {
		return nil, err
	}

	opts, err := ResolverOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.Concurrency = concurrency
	opts.Prompter = prompter

	d := &Deps{FS: fs, Hasher: hasher, Git: gitClient}
	if cfg.Conflict.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Conflict.LogFile), 0755); err != nil {
			return nil, syncerr.Wrap(err, syncerr.KindFilesystem, "failed to create conflict log directory")
		}
		f, err := os.OpenFile(cfg.Conflict.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, syncerr.Wrap(err, syncerr.KindFilesystem, "failed to open conflict log")
		}
		opts.Log = f
		d.logFile = f
	}

	d.Resolver, err = conflict.NewResolver(fs, hasher, opts, logger)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// ResolverOptions translates the conflict section of cfg.
func ResolverOptions(cfg *config.Config) (conflict.Options, error) {
	strategy, err := conflict.ParseStrategy(cfg.Conflict.DefaultStrategy)
	if err != nil {
		return conflict.Options{}, syncerr.Wrap(err, syncerr.KindConfig, "conflict.default_strategy")
	}
	ignore, err := hashing.NewMatcher(cfg.Sync.Ignore)
	if err != nil {
		return conflict.Options{}, syncerr.Wrap(err, syncerr.KindConfig, "sync.ignore")
	}

	opts := conflict.Options{
		DefaultStrategy:       strategy,
		AutoResolveExtensions: cfg.Conflict.AutoResolveExtensions,
		MergeableExtensions:   cfg.Conflict.MergeableExtensions,
		CheckPermissions:      cfg.Conflict.CheckPermissions,
		Ignore:                ignore,
	}
	if cfg.Conflict.Versions == "header" {
		opts.Versions = conflict.HeaderVersions{}
	}
	return opts, nil
}

// New builds an engine from cfg using d.
func New(cfg *config.Config, d *Deps, logger *slog.Logger, opts Options) *Engine {
	return NewEngine(cfg, d.Git, d.FS, d.Hasher, d.Resolver, logger, opts)
}
