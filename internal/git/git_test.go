package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// initRepo creates a local repo on the given branch with a committer identity.
func initRepo(t *testing.T, dir, branch string) {
	t.Helper()
	gitRun(t, "", "init", "-b", branch, dir)
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test")
}

// commitFile creates or overwrites a file and commits it.
func commitFile(t *testing.T, repoDir, name, content, msg string) {
	t.Helper()
	path := filepath.Join(repoDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, repoDir, "add", name)
	gitRun(t, repoDir, "commit", "-m", msg)
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

type clientFactory func(t *testing.T, dir string) Client

var backends = map[string]clientFactory{
	"shell": func(t *testing.T, dir string) Client {
		return NewShellClient(dir, Auth{})
	},
	"go-git": func(t *testing.T, dir string) Client {
		c, err := NewGoGitClient(dir, Auth{})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return c
	},
}

func TestClient_Lifecycle(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			upstream := t.TempDir()
			initRepo(t, upstream, "main")
			commitFile(t, upstream, "lib/a.txt", "v1\n", "upstream initial")

			local := t.TempDir()
			initRepo(t, local, "main")
			commitFile(t, local, "README.md", "local\n", "local initial")

			client := factory(t, local)

			if err := client.AddOrUpdateRemote(ctx, "upstream", "/nowhere"); err != nil {
				t.Fatalf("add remote: %v", err)
			}
			if err := client.AddOrUpdateRemote(ctx, "upstream", upstream); err != nil {
				t.Fatalf("update remote: %v", err)
			}
			if err := client.AddOrUpdateRemote(ctx, "upstream", upstream); err != nil {
				t.Fatalf("idempotent remote: %v", err)
			}
			if got := gitRun(t, local, "remote", "get-url", "upstream"); got != upstream {
				t.Fatalf("remote url = %q, want %q", got, upstream)
			}

			if err := client.Fetch(ctx, "upstream", "main"); err != nil {
				t.Fatalf("fetch: %v", err)
			}
			want := gitRun(t, upstream, "rev-parse", "HEAD")
			got, err := client.RevParse(ctx, "upstream/main")
			if err != nil {
				t.Fatalf("rev-parse: %v", err)
			}
			if got != want {
				t.Fatalf("upstream/main = %s, want %s", got, want)
			}

			if _, err := client.RevParse(ctx, "no-such-branch"); !errors.Is(err, ErrRefNotFound) {
				t.Fatalf("expected ErrRefNotFound, got %v", err)
			}

			base, err := client.MergeBase(ctx, "main", "upstream/main")
			if err != nil {
				t.Fatalf("merge-base: %v", err)
			}
			if base != "" {
				t.Errorf("unrelated histories should have no merge base, got %s", base)
			}

			branch, err := client.CurrentBranch(ctx)
			if err != nil || branch != "main" {
				t.Fatalf("current branch = %q, %v", branch, err)
			}

			if err := client.CheckoutNewBranch(ctx, "slicesync/tmp-test", "upstream/main"); err != nil {
				t.Fatalf("checkout temp: %v", err)
			}
			if _, err := os.Stat(filepath.Join(local, "lib", "a.txt")); err != nil {
				t.Fatalf("upstream file missing on temp branch: %v", err)
			}
			if err := client.Checkout(ctx, "main"); err != nil {
				t.Fatalf("checkout main: %v", err)
			}
			if _, err := os.Stat(filepath.Join(local, "lib", "a.txt")); !os.IsNotExist(err) {
				t.Fatalf("upstream tree leaked onto main: %v", err)
			}
			if err := client.DeleteBranch(ctx, "slicesync/tmp-test"); err != nil {
				t.Fatalf("delete branch: %v", err)
			}
			if _, err := client.RevParse(ctx, "slicesync/tmp-test"); !errors.Is(err, ErrRefNotFound) {
				t.Fatalf("temp branch still resolves: %v", err)
			}

			if err := client.CreateBranch(ctx, "feature", "main"); err != nil {
				t.Fatalf("create branch: %v", err)
			}
			mainHash, _ := client.RevParse(ctx, "main")
			featureHash, _ := client.RevParse(ctx, "feature")
			if mainHash != featureHash {
				t.Errorf("feature = %s, want %s", featureHash, mainHash)
			}

			if err := os.MkdirAll(filepath.Join(local, "vendor"), 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(local, "vendor", "x.txt"), []byte("x\n"), 0644); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(local, "other.txt"), []byte("o\n"), 0644); err != nil {
				t.Fatal(err)
			}

			entries, err := client.Status(ctx, "vendor")
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if len(entries) != 1 || entries[0].Path != "vendor/x.txt" || entries[0].Code != "??" {
				t.Fatalf("unexpected status %+v", entries)
			}

			if err := client.Add(ctx, "vendor"); err != nil {
				t.Fatalf("add: %v", err)
			}
			hash, err := client.Commit(ctx, "sync vendor", Signature{Name: "slicesync", Email: "slicesync@localhost"})
			if err != nil {
				t.Fatalf("commit: %v", err)
			}
			if head, _ := client.RevParse(ctx, "HEAD"); head != hash {
				t.Errorf("HEAD = %s, commit returned %s", head, hash)
			}
			if entries, _ := client.Status(ctx, "vendor"); len(entries) != 0 {
				t.Errorf("vendor should be clean after commit, got %+v", entries)
			}

			if err := os.Remove(filepath.Join(local, "vendor", "x.txt")); err != nil {
				t.Fatal(err)
			}
			if err := client.Add(ctx, "vendor"); err != nil {
				t.Fatalf("add deletion: %v", err)
			}
			if _, err := client.Commit(ctx, "drop vendor file", Signature{Name: "slicesync", Email: "slicesync@localhost"}); err != nil {
				t.Fatalf("commit deletion: %v", err)
			}
			if files := gitRun(t, local, "ls-files", "vendor"); files != "" {
				t.Errorf("deleted file still tracked: %q", files)
			}

			bare := filepath.Join(t.TempDir(), "origin.git")
			gitRun(t, "", "init", "--bare", "-b", "main", bare)
			if err := client.AddOrUpdateRemote(ctx, "origin", bare); err != nil {
				t.Fatalf("add origin: %v", err)
			}
			if err := client.Push(ctx, "origin", "main"); err != nil {
				t.Fatalf("push: %v", err)
			}
			localHead := gitRun(t, local, "rev-parse", "main")
			if pushed := gitRun(t, bare, "rev-parse", "main"); pushed != localHead {
				t.Errorf("pushed main = %s, want %s", pushed, localHead)
			}
		})
	}
}

func TestClient_MergeBaseSharedHistory(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			upstream := t.TempDir()
			initRepo(t, upstream, "main")
			commitFile(t, upstream, "a.txt", "1\n", "first")

			local := filepath.Join(t.TempDir(), "clone")
			gitRun(t, "", "clone", upstream, local)
			commitFile(t, upstream, "a.txt", "2\n", "second")

			client := factory(t, local)
			if err := client.AddOrUpdateRemote(ctx, "upstream", upstream); err != nil {
				t.Fatal(err)
			}
			if err := client.Fetch(ctx, "upstream", "main"); err != nil {
				t.Fatal(err)
			}
			base, err := client.MergeBase(ctx, "main", "upstream/main")
			if err != nil {
				t.Fatal(err)
			}
			if want := gitRun(t, local, "rev-parse", "main"); base != want {
				t.Errorf("merge base = %s, want %s", base, want)
			}
		})
	}
}

func TestShellClient_ConfigureAuth(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenFile, []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	passwordFile := filepath.Join(dir, "password")
	if err := os.WriteFile(passwordFile, []byte("hunter2"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		auth    Auth
		url     string
		wantEnv []string
		helper  bool
	}{
		{
			name:    "ssh key for ssh url",
			auth:    Auth{SSHKeyFile: "/keys/id's"},
			url:     "git@github.com:org/repo.git",
			wantEnv: []string{`GIT_SSH_COMMAND=ssh -i '/keys/id'\''s' -o StrictHostKeyChecking=accept-new -F /dev/null`},
		},
		{
			name:    "token for https",
			auth:    Auth{TokenFile: tokenFile},
			url:     "https://github.com/org/repo.git",
			wantEnv: []string{"SLICESYNC_GIT_USERNAME=x-access-token", "SLICESYNC_GIT_PASSWORD=s3cret"},
			helper:  true,
		},
		{
			name:    "username and password for https",
			auth:    Auth{Username: "bob", PasswordFile: passwordFile},
			url:     "https://example.com/repo.git",
			wantEnv: []string{"SLICESYNC_GIT_USERNAME=bob", "SLICESYNC_GIT_PASSWORD=hunter2"},
			helper:  true,
		},
		{
			name: "token ignored for ssh url",
			auth: Auth{TokenFile: tokenFile},
			url:  "ssh://git@example.com/repo.git",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewShellClient(dir, tt.auth)
			cmd := c.command(context.Background(), "fetch", "origin")
			base := len(cmd.Env)
			if err := c.configureAuth(cmd, tt.url); err != nil {
				t.Fatalf("configureAuth: %v", err)
			}
			added := cmd.Env[base:]
			if fmt.Sprint(added) != fmt.Sprint(tt.wantEnv) && !(len(added) == 0 && len(tt.wantEnv) == 0) {
				t.Errorf("env = %v, want %v", added, tt.wantEnv)
			}
			hasHelper := strings.Contains(strings.Join(cmd.Args, " "), "credential.helper=")
			if hasHelper != tt.helper {
				t.Errorf("credential helper present = %v, want %v", hasHelper, tt.helper)
			}
		})
	}
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "dns", err: errors.New("fatal: unable to access 'https://x/': Could not resolve host: x"), want: true},
		{name: "hung up", err: errors.New("fatal: the remote end hung up unexpectedly"), want: true},
		{name: "auth", err: errors.New("Permission denied (publickey).\nfatal: Could not read from remote repository."), want: false},
		{name: "kind", err: syncerr.New(syncerr.KindNetwork, "down"), want: true},
		{name: "unrelated", err: errors.New("pathspec 'x' did not match any files"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetworkError(tt.err); got != tt.want {
				t.Errorf("IsNetworkError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrap_Kinds(t *testing.T) {
	if k := syncerr.KindOf(wrap(errors.New("fatal: Authentication failed for 'https://x'"), "push")); k != syncerr.KindAuthentication {
		t.Errorf("auth failure kind = %s", k)
	}
	if k := syncerr.KindOf(wrap(errors.New("Could not resolve host: x"), "fetch")); k != syncerr.KindNetwork {
		t.Errorf("network failure kind = %s", k)
	}
	if k := syncerr.KindOf(wrap(errors.New("not a git repository"), "status")); k != syncerr.KindVcs {
		t.Errorf("vcs failure kind = %s", k)
	}
	if wrap(nil, "noop") != nil {
		t.Error("wrap(nil) must be nil")
	}
}

func TestParsePorcelain(t *testing.T) {
	out := " M vendor/a.go\n?? vendor/new file.txt\nR  old.go -> vendor/renamed.go\nD  gone.go\n"
	got := parsePorcelain(out)
	want := []StatusEntry{
		{Path: "vendor/a.go", Code: " M"},
		{Path: "vendor/new file.txt", Code: "??"},
		{Path: "vendor/renamed.go", Code: "R "},
		{Path: "gone.go", Code: "D "},
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("parsePorcelain = %+v, want %+v", got, want)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/home/user/.ssh/key", want: "'/home/user/.ssh/key'"},
		{name: "path with spaces", input: "/home/my user/key", want: "'/home/my user/key'"},
		{name: "path with single quote", input: "/home/user's/key", want: "'/home/user'\\''s/key'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shellQuote(tt.input)
			if got != tt.want {
				t.Errorf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInsertGitFlags(t *testing.T) {
	got := insertGitFlags([]string{"git", "-C", "/dir", "fetch", "origin"}, "-c", "cred=helper")
	want := []string{"git", "-c", "cred=helper", "-C", "/dir", "fetch", "origin"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("insertGitFlags() = %v, want %v", got, want)
	}
	if got := insertGitFlags(nil, "-c", "k=v"); fmt.Sprint(got) != "[-c k=v]" {
		t.Errorf("insertGitFlags(nil) = %v", got)
	}
}
