package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"

	"github.com/schaermu/slicesync/internal/syncerr"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
upstream:
  url: "git@github.com:test/monorepo.git"
  branch: "release"

auth:
  ssh_key_file: "/home/user/.ssh/key"

repo:
  path: "/home/user/src/app"
  target_branch: "main"

mappings:
  - source: "libs/shared"
    target: "vendor/shared"
  - source: "docs"
    target: "third_party/docs"

sync:
  push: true
  prune: true
  large_file_threshold: "32MB"
  chunk_size: 65536
  ignore: ["*.log", "build"]

conflict:
  default_strategy: "auto-merge"
  auto_resolve_extensions: [".lock"]

retry:
  max_retries: 5
  initial_delay: "500ms"

release:
  strategy: "user-group"
  groups:
    beta: 25
    staff: 100
  validation_script: "make test"

paths:
  state_dir: "/home/user/.local/state/slicesync"

vcs:
  backend: "go-git"
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Verify loaded values
	if cfg.Upstream.URL != "git@github.com:test/monorepo.git" {
		t.Errorf("expected URL git@github.com:test/monorepo.git, got %s", cfg.Upstream.URL)
	}
	if cfg.Upstream.Remote != "upstream" {
		t.Errorf("expected default remote upstream, got %s", cfg.Upstream.Remote)
	}
	if len(cfg.Mappings) != 2 || cfg.Mappings[1].Target != "third_party/docs" {
		t.Errorf("unexpected mappings %+v", cfg.Mappings)
	}
	if cfg.Sync.LargeFileThreshold != 32*1024*1024 {
		t.Errorf("expected 32MiB threshold, got %d", cfg.Sync.LargeFileThreshold)
	}
	if cfg.Sync.ChunkSize != 65536 {
		t.Errorf("expected chunk size 65536, got %d", cfg.Sync.ChunkSize)
	}
	if cfg.Retry.InitialDelay != 500*time.Millisecond || cfg.Retry.MaxRetries != 5 {
		t.Errorf("unexpected retry config %+v", cfg.Retry)
	}
	if cfg.Retry.BackoffFactor != 1.5 {
		t.Errorf("expected default backoff factor 1.5, got %v", cfg.Retry.BackoffFactor)
	}
	if cfg.Release.Groups["beta"] != 25 {
		t.Errorf("expected beta weight 25, got %v", cfg.Release.Groups["beta"])
	}
	if cfg.Release.RollbackDir != "/home/user/.local/state/slicesync/rollback" {
		t.Errorf("unexpected rollback dir %s", cfg.Release.RollbackDir)
	}
	if cfg.VCS.Backend != BackendGoGit {
		t.Errorf("expected go-git backend, got %s", cfg.VCS.Backend)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !syncerr.Is(err, syncerr.KindConfig) {
		t.Errorf("missing file should be a config error, got %v", err)
	}
	if _, err := Parse([]byte("upstream: [")); !syncerr.Is(err, syncerr.KindConfig) {
		t.Errorf("bad yaml should be a config error, got %v", err)
	}
	if _, err := Parse([]byte("sync:\n  chunk_size: lots\n")); err == nil {
		t.Error("expected invalid size to fail")
	}
}

// validConfig returns a minimal configuration with defaults applied.
func validConfig() Config {
	cfg := Config{
		Upstream: UpstreamConfig{URL: "git@github.com:test/monorepo.git"},
		Auth:     AuthConfig{SSHKeyFile: "/key"},
		Repo:     RepoConfig{Path: "/src/app"},
		Mappings: []Mapping{{Source: "libs/a", Target: "vendor/a"}},
		Paths:    PathsConfig{StateDir: "/state"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name: "sibling targets sharing a name prefix",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{{Source: "a", Target: "vendor/lib"}, {Source: "b", Target: "vendor/library"}}
			},
		},
		{
			name:    "missing upstream URL",
			mutate:  func(c *Config) { c.Upstream.URL = "" },
			wantErr: "upstream.url is required",
		},
		{
			name:    "relative repo path",
			mutate:  func(c *Config) { c.Repo.Path = "relative/path" },
			wantErr: "repo.path must be an absolute path",
		},
		{
			name:    "no mappings",
			mutate:  func(c *Config) { c.Mappings = nil },
			wantErr: "at least one mapping",
		},
		{
			name:    "escaping mapping",
			mutate:  func(c *Config) { c.Mappings = []Mapping{{Source: "a", Target: "../outside"}} },
			wantErr: "must be relative",
		},
		{
			name: "duplicate target",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{{Source: "a", Target: "vendor/x"}, {Source: "b", Target: "vendor/x/"}}
			},
			wantErr: "duplicate target",
		},
		{
			name: "nested target",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{{Source: "a", Target: "vendor"}, {Source: "b", Target: "vendor/lib"}}
			},
			wantErr: "overlaps mappings[0]",
		},
		{
			name: "parent target after child",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{{Source: "a", Target: "vendor/lib/x"}, {Source: "b", Target: "vendor/lib"}}
			},
			wantErr: "overlaps mappings[0]",
		},
		{
			name: "repository root target",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{{Source: "a", Target: "vendor/a"}, {Source: "b", Target: "."}}
			},
			wantErr: "overlaps",
		},
		{
			name: "two auth methods",
			mutate: func(c *Config) {
				c.Auth.TokenFile = "/token"
			},
			wantErr: "only one of",
		},
		{
			name: "username without password",
			mutate: func(c *Config) {
				c.Auth = AuthConfig{Username: "bob"}
				c.Upstream.URL = "https://example.com/repo.git"
			},
			wantErr: "must be set together",
		},
		{
			name:    "ssh key with https url",
			mutate:  func(c *Config) { c.Upstream.URL = "https://example.com/repo.git" },
			wantErr: "does not use an SSH scheme",
		},
		{
			name: "token with ssh url",
			mutate: func(c *Config) {
				c.Auth = AuthConfig{TokenFile: "/token"}
			},
			wantErr: "require an HTTPS",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Conflict.DefaultStrategy = "newest" },
			wantErr: "invalid conflict.default_strategy",
		},
		{
			name:    "unknown release strategy",
			mutate:  func(c *Config) { c.Release.Strategy = "random" },
			wantErr: "invalid release.strategy",
		},
		{
			name:    "percentage out of range",
			mutate:  func(c *Config) { c.Release.Percentage = 150 },
			wantErr: "release.percentage",
		},
		{
			name:    "directory strategy without directories",
			mutate:  func(c *Config) { c.Release.Strategy = "directory" },
			wantErr: "release.directories is required",
		},
		{
			name: "region weight out of range",
			mutate: func(c *Config) {
				c.Release.Strategy = "region"
				c.Release.Regions = map[string]float64{"eu": 0}
			},
			wantErr: "release.regions.eu",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.VCS.Backend = "svn" },
			wantErr: "invalid vcs.backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := Config{
		Paths:    PathsConfig{StateDir: "/home/user/.local/state/slicesync"},
		Mappings: []Mapping{{Source: "a", Target: "vendor/a"}, {Source: "b", Target: "vendor/b"}},
	}

	if got := cfg.HashIndexPath(); got != filepath.Join(cfg.Paths.StateDir, "hash-index.json") {
		t.Errorf("HashIndexPath() = %s", got)
	}
	if got := cfg.LockPath(); got != filepath.Join(cfg.Paths.StateDir, "slicesync.lock") {
		t.Errorf("LockPath() = %s", got)
	}
	if got := strings.Join(cfg.Targets(), ","); got != "vendor/a,vendor/b" {
		t.Errorf("Targets() = %s", got)
	}
}

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateServe(); err == nil || !strings.Contains(err.Error(), "serve requires") {
		t.Errorf("ValidateServe() without credentials = %v", err)
	}

	cfg.Serve.GitLabTokenFile = "/run/secrets/gitlab"
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("ValidateServe() = %v", err)
	}

	cfg.Serve.MetricsPath = "metrics"
	if err := cfg.ValidateServe(); err == nil {
		t.Error("ValidateServe() accepted a relative metrics path")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	if cfg.Conflict.DefaultStrategy != "use-source" {
		t.Errorf("applyDefaults() strategy = %q, want use-source", cfg.Conflict.DefaultStrategy)
	}
	if cfg.Sync.LargeFileThreshold != 10*1024*1024 || cfg.Sync.ChunkSize != 1024*1024 {
		t.Errorf("applyDefaults() sizes = %d/%d", cfg.Sync.LargeFileThreshold, cfg.Sync.ChunkSize)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.InitialDelay != 2*time.Second {
		t.Errorf("applyDefaults() retry = %+v", cfg.Retry)
	}
	if cfg.Release.RollbackOnFailure == nil || !*cfg.Release.RollbackOnFailure {
		t.Error("applyDefaults() should enable rollback on failure")
	}
	if !strings.HasSuffix(cfg.Paths.StateDir, "slicesync") || !strings.HasSuffix(cfg.Paths.CacheDir, "slicesync") {
		t.Errorf("applyDefaults() dirs = %s, %s", cfg.Paths.StateDir, cfg.Paths.CacheDir)
	}

	// Explicit value must not be overwritten
	off := false
	cfg2 := Config{Conflict: ConflictConfig{DefaultStrategy: "keep-target"}, Release: ReleaseConfig{RollbackOnFailure: &off}}
	cfg2.applyDefaults()

	if cfg2.Conflict.DefaultStrategy != "keep-target" {
		t.Errorf("applyDefaults() overwrote explicit strategy, got %q", cfg2.Conflict.DefaultStrategy)
	}
	if *cfg2.Release.RollbackOnFailure {
		t.Error("applyDefaults() overwrote explicit rollback_on_failure")
	}
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		name string
		auth AuthConfig
		want string
	}{
		{name: "ssh key set", auth: AuthConfig{SSHKeyFile: "/key"}, want: "ssh"},
		{name: "token set", auth: AuthConfig{TokenFile: "/token"}, want: "token"},
		{name: "password set", auth: AuthConfig{Username: "u", PasswordFile: "/pw"}, want: "password"},
		{name: "no auth", auth: AuthConfig{}, want: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Auth: tt.auth}
			if got := cfg.AuthMethod(); got != tt.want {
				t.Errorf("AuthMethod() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestURLScheme(t *testing.T) {
	tests := []struct {
		url       string
		wantHTTPS bool
		wantSSH   bool
	}{
		{url: "https://github.com/test/repo.git", wantHTTPS: true},
		{url: "git@github.com:test/repo.git", wantSSH: true},
		{url: "ssh://git@github.com/test/repo.git", wantSSH: true},
		{url: "http://github.com/test/repo.git"},
		{url: "/srv/git/repo.git"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			cfg := Config{Upstream: UpstreamConfig{URL: tt.url}}
			if got := cfg.IsHTTPS(); got != tt.wantHTTPS {
				t.Errorf("IsHTTPS() = %v, want %v", got, tt.wantHTTPS)
			}
			if got := cfg.IsSSH(); got != tt.wantSSH {
				t.Errorf("IsSSH() = %v, want %v", got, tt.wantSSH)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{in: "1024", want: 1024},
		{in: "512KB", want: 512 * 1024},
		{in: "10MB", want: 10 * 1024 * 1024},
		{in: " 1g ", want: 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if _, err := ParseSize("many"); err == nil {
		t.Error("ParseSize(many) should fail")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SLICESYNC_TEST_HOME", "/home/testuser")
	t.Setenv("HOME", "/home/tilde")
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	cfg := Config{
		Upstream: UpstreamConfig{
			URL:    "https://github.com/${SLICESYNC_TEST_HOME}/repo.git",
			Branch: "${SLICESYNC_TEST_HOME}",
		},
		Repo: RepoConfig{Path: "~/src/app"},
		Paths: PathsConfig{
			StateDir: "${SLICESYNC_TEST_HOME}/.local/state/slicesync",
		},
		Auth: AuthConfig{
			SSHKeyFile: "~/.ssh/key",
			TokenFile:  "${SLICESYNC_TEST_HOME}/token",
		},
		Serve: ServeConfig{
			ListenAddr:              "${SLICESYNC_TEST_HOME}:8080",
			GitHubWebhookSecretFile: "${SLICESYNC_TEST_HOME}/secret",
		},
	}

	if err := cfg.expandEnv(); err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Upstream.URL", cfg.Upstream.URL, "https://github.com//home/testuser/repo.git"},
		{"Upstream.Branch", cfg.Upstream.Branch, "/home/testuser"},
		{"Repo.Path", cfg.Repo.Path, "/home/tilde/src/app"},
		{"Paths.StateDir", cfg.Paths.StateDir, "/home/testuser/.local/state/slicesync"},
		{"Auth.SSHKeyFile", cfg.Auth.SSHKeyFile, "/home/tilde/.ssh/key"},
		{"Auth.TokenFile", cfg.Auth.TokenFile, "/home/testuser/token"},
		{"Serve.ListenAddr", cfg.Serve.ListenAddr, "/home/testuser:8080"},
		{"Serve.GitHubWebhookSecretFile", cfg.Serve.GitHubWebhookSecretFile, "/home/testuser/secret"},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("expandEnv() %s = %s, want %s", c.name, c.got, c.want)
		}
	}
}
