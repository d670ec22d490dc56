package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/docker/go-units"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// Backend selects the git implementation.
type Backend string

const (
	BackendShell Backend = "shell"
	BackendGoGit Backend = "go-git"
)

// Config represents the complete slicesync configuration
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Repo     RepoConfig     `yaml:"repo"`
	Mappings []Mapping      `yaml:"mappings"`
	Sync     SyncConfig     `yaml:"sync"`
	Conflict ConflictConfig `yaml:"conflict"`
	Retry    RetryConfig    `yaml:"retry"`
	Release  ReleaseConfig  `yaml:"release"`
	Paths    PathsConfig    `yaml:"paths"`
	VCS      VCSConfig      `yaml:"vcs"`
	Serve    ServeConfig    `yaml:"serve"`
}

// UpstreamConfig configures the repository directories are pulled from
type UpstreamConfig struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
	Remote string `yaml:"remote"`
}

// AuthConfig configures Git authentication. At most one method may be set.
type AuthConfig struct {
	SSHKeyFile   string `yaml:"ssh_key_file"`
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"password_file"`
	TokenFile    string `yaml:"token_file"`
}

// RepoConfig configures the local repository that receives the directories
type RepoConfig struct {
	Path         string `yaml:"path"`
	TargetBranch string `yaml:"target_branch"`
	PushRemote   string `yaml:"push_remote"`
}

// Mapping pairs an upstream directory with a local one. Both are relative to
// their repository root.
type Mapping struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// SyncConfig configures the sync pipeline
type SyncConfig struct {
	Force               bool     `yaml:"force"`
	Push                bool     `yaml:"push"`
	Prune               bool     `yaml:"prune"`
	AllowDirty          bool     `yaml:"allow_dirty"`
	NonInteractive      bool     `yaml:"non_interactive"`
	Concurrency         int      `yaml:"concurrency"`
	AdaptiveConcurrency bool     `yaml:"adaptive_concurrency"`
	LargeFileThreshold  Size     `yaml:"large_file_threshold"`
	ChunkSize           Size     `yaml:"chunk_size"`
	Ignore              []string `yaml:"ignore"`
	CommitMessage       string   `yaml:"commit_message"`
	StagingDir          string   `yaml:"staging_dir"`
}

// ConflictConfig configures conflict detection and resolution
type ConflictConfig struct {
	DefaultStrategy       string   `yaml:"default_strategy"`
	AutoResolveExtensions []string `yaml:"auto_resolve_extensions"`
	MergeableExtensions   []string `yaml:"mergeable_extensions"`
	CheckPermissions      bool     `yaml:"check_permissions"`
	// Versions is "none" or "header".
	Versions string `yaml:"versions"`
	LogFile  string `yaml:"log_file"`
}

// RetryConfig configures retries of network operations
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// ReleaseConfig configures gray releases
type ReleaseConfig struct {
	Strategy          string             `yaml:"strategy"`
	Percentage        float64            `yaml:"percentage"`
	Directories       []string           `yaml:"directories"`
	Patterns          []string           `yaml:"patterns"`
	Groups            map[string]float64 `yaml:"groups"`
	Regions           map[string]float64 `yaml:"regions"`
	Seed              int64              `yaml:"seed"`
	ValidationScript  string             `yaml:"validation_script"`
	ValidationTimeout time.Duration      `yaml:"validation_timeout"`
	CanaryDir         string             `yaml:"canary_dir"`
	RollbackDir       string             `yaml:"rollback_dir"`
	Monitor           MonitorConfig      `yaml:"monitor"`
	RollbackOnFailure *bool              `yaml:"rollback_on_failure"`
}

// MonitorConfig configures release monitoring thresholds
type MonitorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MaxErrorRate     float64       `yaml:"max_error_rate"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	BaselineDuration time.Duration `yaml:"baseline_duration"`
	DegradationRatio float64       `yaml:"degradation_ratio"`
}

// PathsConfig configures local state and cache locations
type PathsConfig struct {
	StateDir    string        `yaml:"state_dir"`
	CacheDir    string        `yaml:"cache_dir"`
	CacheExpiry time.Duration `yaml:"cache_expiry"`
}

// VCSConfig configures the git backend and commit identity
type VCSConfig struct {
	Backend     Backend `yaml:"backend"`
	AuthorName  string  `yaml:"author_name"`
	AuthorEmail string  `yaml:"author_email"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	GitLabTokenFile         string   `yaml:"gitlab_token_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
	MetricsPath             string   `yaml:"metrics_path"`
}

// Size is a byte count written as a human size such as "10MB".
type Size int64

// UnmarshalYAML accepts plain integers and human readable sizes.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	n, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

// ParseSize parses "1048576", "512KB" or "10MB" using binary multiples.
func ParseSize(raw string) (Size, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must not be negative", raw)
	}
	return Size(n), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// DefaultPath returns the config file location under the XDG config home.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "slicesync", "config.yaml")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindConfig, "failed to resolve config path")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindConfig, "failed to read config file")
	}

	return Parse(data)
}

// Parse decodes, expands, defaults and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindConfig, "failed to parse config file")
	}

	if err := cfg.expandEnv(); err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindConfig, "failed to expand paths")
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindConfig, "invalid configuration")
	}

	return &cfg, nil
}

// expandPath expands environment variables and a leading ~.
func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return homedir.Expand(os.ExpandEnv(p))
}

// expandEnv expands environment variables in all string fields and ~ in
// every path.
func (c *Config) expandEnv() error {
	c.Upstream.URL = os.ExpandEnv(c.Upstream.URL)
	c.Upstream.Branch = os.ExpandEnv(c.Upstream.Branch)
	c.Auth.Username = os.ExpandEnv(c.Auth.Username)
	c.Repo.TargetBranch = os.ExpandEnv(c.Repo.TargetBranch)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Release.ValidationScript = os.ExpandEnv(c.Release.ValidationScript)

	paths := []*string{
		&c.Auth.SSHKeyFile,
		&c.Auth.PasswordFile,
		&c.Auth.TokenFile,
		&c.Repo.Path,
		&c.Sync.StagingDir,
		&c.Conflict.LogFile,
		&c.Release.CanaryDir,
		&c.Release.RollbackDir,
		&c.Paths.StateDir,
		&c.Paths.CacheDir,
		&c.Serve.GitHubWebhookSecretFile,
		&c.Serve.GitLabTokenFile,
	}
	for _, p := range paths {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// DefaultCommitMessage is the commit message template used when none is set.
const DefaultCommitMessage = "chore(sync): update {{join .Targets \", \"}} from {{.Upstream}}@{{short .UpstreamCommit}}"

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Upstream.Branch == "" {
		c.Upstream.Branch = "main"
	}
	if c.Upstream.Remote == "" {
		c.Upstream.Remote = "upstream"
	}
	if c.Repo.PushRemote == "" {
		c.Repo.PushRemote = "origin"
	}
	if c.Sync.LargeFileThreshold == 0 {
		c.Sync.LargeFileThreshold = 10 * units.MiB
	}
	if c.Sync.ChunkSize == 0 {
		c.Sync.ChunkSize = 1 * units.MiB
	}
	if c.Sync.CommitMessage == "" {
		c.Sync.CommitMessage = DefaultCommitMessage
	}
	if c.Conflict.DefaultStrategy == "" {
		c.Conflict.DefaultStrategy = "use-source"
	}
	if c.Conflict.Versions == "" {
		c.Conflict.Versions = "none"
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 2 * time.Second
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = 1.5
	}
	if c.Release.Strategy == "" {
		c.Release.Strategy = "percentage"
	}
	if c.Release.Percentage == 0 {
		c.Release.Percentage = 10
	}
	if c.Release.ValidationTimeout == 0 {
		c.Release.ValidationTimeout = 10 * time.Minute
	}
	if c.Release.RollbackOnFailure == nil {
		on := true
		c.Release.RollbackOnFailure = &on
	}
	if c.Release.Monitor.Interval == 0 {
		c.Release.Monitor.Interval = 5 * time.Second
	}
	if c.Release.Monitor.DegradationRatio == 0 {
		c.Release.Monitor.DegradationRatio = 2
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(xdg.StateHome, "slicesync")
	}
	if c.Paths.CacheDir == "" {
		c.Paths.CacheDir = filepath.Join(xdg.CacheHome, "slicesync")
	}
	if c.Paths.CacheExpiry == 0 {
		c.Paths.CacheExpiry = 7 * 24 * time.Hour
	}
	if c.Release.CanaryDir == "" {
		c.Release.CanaryDir = filepath.Join(c.Paths.StateDir, "canary")
	}
	if c.Release.RollbackDir == "" {
		c.Release.RollbackDir = filepath.Join(c.Paths.StateDir, "rollback")
	}
	if c.VCS.Backend == "" {
		c.VCS.Backend = BackendShell
	}
	if c.VCS.AuthorName == "" {
		c.VCS.AuthorName = "slicesync"
	}
	if c.VCS.AuthorEmail == "" {
		c.VCS.AuthorEmail = "slicesync@localhost"
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = ":8787"
	}
	if c.Serve.MetricsPath == "" {
		c.Serve.MetricsPath = "/metrics"
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push", "Push Hook"}
	}
}

var (
	validStrategies        = []string{"use-source", "keep-target", "auto-merge", "prompt-user"}
	validReleaseStrategies = []string{"percentage", "directory", "file", "user-group", "region"}
)

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate upstream
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if c.Repo.Path == "" {
		return fmt.Errorf("repo.path is required")
	}
	if !filepath.IsAbs(c.Repo.Path) {
		return fmt.Errorf("repo.path must be an absolute path: %s", c.Repo.Path)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	// Validate mappings
	if len(c.Mappings) == 0 {
		return fmt.Errorf("at least one mapping is required")
	}
	var targets []string
	for i, m := range c.Mappings {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("mappings[%d]: source and target are required", i)
		}
		for _, p := range []string{m.Source, m.Target} {
			if filepath.IsAbs(p) || strings.HasPrefix(filepath.Clean(p), "..") {
				return fmt.Errorf("mappings[%d]: %q must be relative to its repository", i, p)
			}
		}
		target := filepath.Clean(m.Target)
		for j, other := range targets {
			if target == other {
				return fmt.Errorf("mappings[%d]: duplicate target %q", i, m.Target)
			}
			if nested(target, other) || nested(other, target) {
				return fmt.Errorf("mappings[%d]: target %q overlaps mappings[%d] target %q", i, m.Target, j, c.Mappings[j].Target)
			}
		}
		targets = append(targets, target)
	}

	// Validate auth: only one auth method may be configured
	methods := 0
	if c.Auth.SSHKeyFile != "" {
		methods++
	}
	if c.Auth.Username != "" || c.Auth.PasswordFile != "" {
		methods++
		if c.Auth.Username == "" || c.Auth.PasswordFile == "" {
			return fmt.Errorf("auth: username and password_file must be set together")
		}
	}
	if c.Auth.TokenFile != "" {
		methods++
	}
	if methods > 1 {
		return fmt.Errorf("auth: only one of ssh_key_file, username/password_file or token_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but upstream.url does not use an SSH scheme (git@ or ssh://)")
	}
	if (c.Auth.TokenFile != "" || c.Auth.PasswordFile != "") && !c.IsHTTPS() {
		return fmt.Errorf("auth: token and password authentication require an HTTPS upstream.url")
	}

	if !oneOf(c.Conflict.DefaultStrategy, validStrategies) {
		return fmt.Errorf("invalid conflict.default_strategy: %s (must be %s)", c.Conflict.DefaultStrategy, strings.Join(validStrategies, ", "))
	}
	if !oneOf(c.Conflict.Versions, []string{"none", "header"}) {
		return fmt.Errorf("invalid conflict.versions: %s (must be none or header)", c.Conflict.Versions)
	}

	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must not be negative")
	}
	if c.Sync.ChunkSize <= 0 {
		return fmt.Errorf("sync.chunk_size must be positive")
	}

	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1")
	}

	// Validate release
	if !oneOf(c.Release.Strategy, validReleaseStrategies) {
		return fmt.Errorf("invalid release.strategy: %s (must be %s)", c.Release.Strategy, strings.Join(validReleaseStrategies, ", "))
	}
	if c.Release.Percentage <= 0 || c.Release.Percentage > 100 {
		return fmt.Errorf("release.percentage must be in (0, 100]")
	}
	switch c.Release.Strategy {
	case "directory":
		if len(c.Release.Directories) == 0 {
			return fmt.Errorf("release.directories is required for the directory strategy")
		}
	case "file":
		if len(c.Release.Patterns) == 0 {
			return fmt.Errorf("release.patterns is required for the file strategy")
		}
	case "user-group":
		if err := validateWeights("release.groups", c.Release.Groups); err != nil {
			return err
		}
	case "region":
		if err := validateWeights("release.regions", c.Release.Regions); err != nil {
			return err
		}
	}

	switch c.VCS.Backend {
	case BackendShell, BackendGoGit:
		// valid
	default:
		return fmt.Errorf("invalid vcs.backend: %s (must be shell or go-git)", c.VCS.Backend)
	}

	return nil
}

func validateWeights(field string, weights map[string]float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("%s requires at least one entry", field)
	}
	for name, w := range weights {
		if w <= 0 || w > 100 {
			return fmt.Errorf("%s.%s must be in (0, 100]", field, name)
		}
	}
	return nil
}

func oneOf(v string, valid []string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	return false
}

// HashIndexPath returns the path of the persisted hash index
func (c *Config) HashIndexPath() string {
	return filepath.Join(c.Paths.StateDir, "hash-index.json")
}

// LockPath returns the path of the session lock file
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "slicesync.lock")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	switch {
	case c.Auth.SSHKeyFile != "":
		return "ssh"
	case c.Auth.TokenFile != "":
		return "token"
	case c.Auth.PasswordFile != "":
		return "password"
	}
	return "none"
}

// IsHTTPS returns true if the upstream URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Upstream.URL, "https://")
}

// IsSSH returns true if the upstream URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Upstream.URL, "git@") || strings.HasPrefix(c.Upstream.URL, "ssh://")
}

// Targets returns the local side of every mapping.
func (c *Config) Targets() []string {
	out := make([]string, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		out = append(out, m.Target)
	}
	return out
}

// ValidateServe checks the settings only the webhook server needs.
func (c *Config) ValidateServe() error {
	if c.Serve.GitHubWebhookSecretFile == "" && c.Serve.GitLabTokenFile == "" {
		return fmt.Errorf("serve requires serve.github_webhook_secret_file or serve.gitlab_token_file")
	}
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if !strings.HasPrefix(c.Serve.MetricsPath, "/") {
		return fmt.Errorf("serve.metrics_path must start with /")
	}
	return nil
}

// nested reports whether the cleaned path inner lies below outer.
func nested(inner, outer string) bool {
	if outer == "." {
		return true
	}
	return strings.HasPrefix(inner, outer+string(filepath.Separator))
}
