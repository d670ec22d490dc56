package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ShellClient implements Client by shelling out to the git command.
type ShellClient struct {
	dir  string
	auth Auth
}

// NewShellClient creates a client for the repository at dir.
func NewShellClient(dir string, auth Auth) *ShellClient {
	return &ShellClient{dir: dir, auth: auth}
}

// CommandError is returned when git exits non-zero.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// AddOrUpdateRemote adds the remote or updates its URL.
func (c *ShellClient) AddOrUpdateRemote(ctx context.Context, name, url string) error {
	current, err := c.output(ctx, "remote", "get-url", name)
	if err != nil {
		if _, err := c.output(ctx, "remote", "add", name, url); err != nil {
			return wrap(err, "add remote %s", name)
		}
		return nil
	}
	if strings.TrimSpace(current) == url {
		return nil
	}
	if _, err := c.output(ctx, "remote", "set-url", name, url); err != nil {
		return wrap(err, "update remote %s", name)
	}
	return nil
}

// Fetch fetches one branch from remote.
func (c *ShellClient) Fetch(ctx context.Context, remote, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remote, branch)
	if err := c.remoteCommand(ctx, remote, "fetch", "--no-tags", remote, refspec); err != nil {
		return wrap(err, "fetch %s/%s", remote, branch)
	}
	return nil
}

// RevParse resolves rev to a commit hash.
func (c *ShellClient) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := c.output(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.TrimSpace(cmdErr.Output) == "" {
			return "", ErrRefNotFound
		}
		return "", wrap(err, "rev-parse %s", rev)
	}
	return strings.TrimSpace(out), nil
}

// MergeBase returns the common ancestor of a and b, or "" if there is none.
func (c *ShellClient) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := c.output(ctx, "merge-base", a, b)
	if err != nil {
		var cmdErr *CommandError
		var exitErr *exec.ExitError
		// Exit status 1 without output means no common ancestor.
		if errors.As(err, &cmdErr) && errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && strings.TrimSpace(cmdErr.Output) == "" {
			return "", nil
		}
		return "", wrap(err, "merge-base %s %s", a, b)
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked out branch name.
func (c *ShellClient) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.output(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", wrap(err, "read current branch")
	}
	return strings.TrimSpace(out), nil
}

// CreateBranch creates a branch at startPoint without checking it out.
func (c *ShellClient) CreateBranch(ctx context.Context, name, startPoint string) error {
	if _, err := c.output(ctx, "branch", name, startPoint); err != nil {
		return wrap(err, "create branch %s", name)
	}
	return nil
}

// CheckoutNewBranch creates a branch at startPoint and checks it out.
func (c *ShellClient) CheckoutNewBranch(ctx context.Context, name, startPoint string) error {
	if _, err := c.output(ctx, "checkout", "-B", name, startPoint); err != nil {
		return wrap(err, "checkout new branch %s", name)
	}
	return nil
}

// Checkout switches to an existing branch.
func (c *ShellClient) Checkout(ctx context.Context, branch string) error {
	if _, err := c.output(ctx, "checkout", branch); err != nil {
		return wrap(err, "checkout %s", branch)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (c *ShellClient) DeleteBranch(ctx context.Context, name string) error {
	if _, err := c.output(ctx, "branch", "-D", name); err != nil {
		return wrap(err, "delete branch %s", name)
	}
	return nil
}

// Add stages all changes under paths.
func (c *ShellClient) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "-A", "--"}, paths...)
	if _, err := c.output(ctx, args...); err != nil {
		return wrap(err, "add %s", strings.Join(paths, " "))
	}
	return nil
}

// Status returns the porcelain status, optionally restricted to paths.
func (c *ShellClient) Status(ctx context.Context, paths ...string) ([]StatusEntry, error) {
	args := []string{"status", "--porcelain", "--untracked-files=all"}
	if len(paths) > 0 {
		args = append(append(args, "--"), paths...)
	}
	out, err := c.output(ctx, args...)
	if err != nil {
		return nil, wrap(err, "status")
	}
	return parsePorcelain(out), nil
}

func parsePorcelain(out string) []StatusEntry {
	var entries []StatusEntry
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		entries = append(entries, StatusEntry{Path: strings.Trim(path, `"`), Code: line[:2]})
	}
	return entries
}

// Commit records the staged changes and returns the new commit hash.
func (c *ShellClient) Commit(ctx context.Context, message string, author Signature) (string, error) {
	args := []string{"-c", "user.name=" + author.Name, "-c", "user.email=" + author.Email, "commit", "-m", message}
	if _, err := c.output(ctx, args...); err != nil {
		return "", wrap(err, "commit")
	}
	return c.RevParse(ctx, "HEAD")
}

// Push pushes branch to remote.
func (c *ShellClient) Push(ctx context.Context, remote, branch string) error {
	refspec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)
	if err := c.remoteCommand(ctx, remote, "push", remote, refspec); err != nil {
		return wrap(err, "push %s to %s", branch, remote)
	}
	return nil
}

// remoteCommand runs a command that talks to remote, with credentials for
// the remote's URL.
func (c *ShellClient) remoteCommand(ctx context.Context, remote string, args ...string) error {
	url, err := c.output(ctx, "remote", "get-url", remote)
	if err != nil {
		return err
	}
	cmd := c.command(ctx, args...)
	if err := c.configureAuth(cmd, strings.TrimSpace(url)); err != nil {
		return err
	}
	_, err = run(cmd, args)
	return err
}

func (c *ShellClient) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", c.dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	return cmd
}

func (c *ShellClient) output(ctx context.Context, args ...string) (string, error) {
	return run(c.command(ctx, args...), args)
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	// SSH authentication
	if c.auth.SSHKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.auth.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return nil
	}

	username, password := "", ""
	switch {
	case c.auth.TokenFile != "":
		token, err := readSecret(c.auth.TokenFile)
		if err != nil {
			return wrap(err, "read token file")
		}
		username, password = "x-access-token", token
	case c.auth.Username != "" && c.auth.PasswordFile != "":
		pw, err := readSecret(c.auth.PasswordFile)
		if err != nil {
			return wrap(err, "read password file")
		}
		username, password = c.auth.Username, pw
	default:
		return nil
	}

	// Credentials travel via the environment and a credential helper that
	// reads them, never inside a shell expression.
	cmd.Env = append(cmd.Env, "SLICESYNC_GIT_USERNAME="+username, "SLICESYNC_GIT_PASSWORD="+password)
	cmd.Args = insertGitFlags(cmd.Args,
		"-c", `credential.helper=!f() { echo "username=$SLICESYNC_GIT_USERNAME"; echo "password=$SLICESYNC_GIT_PASSWORD"; }; f`,
	)
	return nil
}

func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand.
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run executes cmd and returns stdout. Failures carry the combined output.
func run(cmd *exec.Cmd, args []string) (string, error) {
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{Args: args, Output: stderr.String() + stdout.String(), Err: err}
	}
	return stdout.String(), nil
}

var _ Client = (*ShellClient)(nil)
