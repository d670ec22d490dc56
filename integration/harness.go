//go:build integration

// Package integration drives the slicesync binary against real git
// repositories.
package integration

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/slicesync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness owns an upstream repository, a local repository and a built binary.
type Harness struct {
	t        *testing.T
	binary   string
	dir      string
	Upstream string
	Repo     string
	Config   string
}

// Result is the outcome of one CLI invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// NewHarness builds the binary and initializes both repositories.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	projectRoot := testutil.ProjectRoot(t)

	dir := t.TempDir()
	h := &Harness{
		t:        t,
		binary:   filepath.Join(dir, "slicesync"),
		dir:      dir,
		Upstream: filepath.Join(dir, "upstream"),
		Repo:     filepath.Join(dir, "repo"),
		Config:   filepath.Join(dir, "config.yaml"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	build := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/slicesync")
	build.Dir = projectRoot
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build slicesync: %v\n%s", err, out)
	}

	for _, repo := range []string{h.Upstream, h.Repo} {
		h.Git(filepath.Dir(repo), "init", "-q", "-b", "main", filepath.Base(repo))
	}
	h.WriteFile(h.Repo, "README.md", "local\n")
	h.CommitAll(h.Repo, "initial")
	return h
}

// WriteConfig writes the config file. extra is appended verbatim.
func (h *Harness) WriteConfig(extra string) {
	h.t.Helper()
	content := `upstream:
  url: "` + h.Upstream + `"
  branch: "main"
repo:
  path: "` + h.Repo + `"
mappings:
  - source: "libs/shared"
    target: "vendor/shared"
sync:
  non_interactive: true
  staging_dir: "` + filepath.Join(h.dir, "staging") + `"
paths:
  state_dir: "` + filepath.Join(h.dir, "state") + `"
  cache_dir: "` + filepath.Join(h.dir, "cache") + `"
` + extra
	if err := os.WriteFile(h.Config, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Run invokes the binary with the harness config.
func (h *Harness) Run(args ...string) Result {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	args = append(args, "--config", h.Config, "--log-level", "debug")
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = gitEnv()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		h.t.Fatalf("run slicesync %v: %v", args, err)
	}
	h.t.Logf("slicesync %s: exit %d\nstdout:\n%s\nstderr:\n%s", strings.Join(args, " "), res.ExitCode, res.Stdout, res.Stderr)
	return res
}

// Git runs git in dir and returns its trimmed output.
func (h *Harness) Git(dir string, args ...string) string {
	h.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = gitEnv()
	out, err := cmd.CombinedOutput()
	if err != nil {
		h.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to rel under repo, creating parents.
func (h *Harness) WriteFile(repo, rel, content string) {
	h.t.Helper()
	path := filepath.Join(repo, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write %s: %v", rel, err)
	}
}

// ReadFile returns the content of rel under repo, or "" when it is missing.
func (h *Harness) ReadFile(repo, rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(repo, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		h.t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

// CommitAll stages and commits everything in repo.
func (h *Harness) CommitAll(repo, msg string) {
	h.t.Helper()
	h.Git(repo, "add", "-A")
	h.Git(repo, "commit", "-q", "-m", msg)
}

// CommitCount counts the commits on HEAD of repo.
func (h *Harness) CommitCount(repo string) string {
	h.t.Helper()
	return h.Git(repo, "rev-list", "--count", "HEAD")
}

func gitEnv() []string {
	return append(os.Environ(),
		"GIT_AUTHOR_NAME=slicesync-test",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=slicesync-test",
		"GIT_COMMITTER_EMAIL=test@example.com",
		"GIT_CONFIG_NOSYSTEM=1",
	)
}
