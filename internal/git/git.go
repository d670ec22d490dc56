// Package git wraps the version control operations a sync session needs.
// Two backends implement Client: ShellClient runs the git binary and
// GoGitClient uses go-git in process.
package git

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// ErrRefNotFound is returned by RevParse when the revision does not exist.
var ErrRefNotFound = errors.New("reference not found")

// Client provides git operations on one local repository.
type Client interface {
	// AddOrUpdateRemote adds the remote or rewrites its URL.
	AddOrUpdateRemote(ctx context.Context, name, url string) error
	// Fetch updates refs/remotes/<remote>/<branch>.
	Fetch(ctx context.Context, remote, branch string) error
	// RevParse resolves a revision to a commit hash.
	RevParse(ctx context.Context, rev string) (string, error)
	// MergeBase returns the best common ancestor, or "" when the histories
	// are unrelated.
	MergeBase(ctx context.Context, a, b string) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, name, startPoint string) error
	CheckoutNewBranch(ctx context.Context, name, startPoint string) error
	Checkout(ctx context.Context, branch string) error
	DeleteBranch(ctx context.Context, name string) error
	// Add stages every change (including deletions) under paths.
	Add(ctx context.Context, paths ...string) error
	// Status lists changed entries, restricted to paths when given.
	Status(ctx context.Context, paths ...string) ([]StatusEntry, error)
	Commit(ctx context.Context, message string, author Signature) (string, error)
	Push(ctx context.Context, remote, branch string) error
}

// Auth holds the credentials for remote operations. At most one of SSH key,
// username/password or token is set.
type Auth struct {
	SSHKeyFile   string
	Username     string
	PasswordFile string
	TokenFile    string
}

// Signature identifies a commit author.
type Signature struct {
	Name  string
	Email string
}

// StatusEntry is one changed path. Code is the two-letter porcelain code.
type StatusEntry struct {
	Path string
	Code string
}

// networkMarkers are fragments git and go-git print for transient transport
// failures.
var networkMarkers = []string{
	"could not resolve host",
	"connection refused",
	"connection reset",
	"connection timed out",
	"network is unreachable",
	"operation timed out",
	"unable to access",
	"could not read from remote repository",
	"early eof",
	"the remote end hung up unexpectedly",
	"tls handshake timeout",
	"i/o timeout",
	"no such host",
}

var authMarkers = []string{
	"authentication failed",
	"authentication required",
	"permission denied (publickey",
	"invalid username or password",
	"terminal prompts disabled",
}

// IsNetworkError reports whether err looks like a transient network failure
// worth retrying. Rejected credentials never count.
func IsNetworkError(err error) bool {
	if err == nil || isAuthError(err) || syncerr.Is(err, syncerr.KindAuthentication) {
		return false
	}
	if syncerr.Is(err, syncerr.KindNetwork) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return containsAny(err.Error(), networkMarkers)
}

func isAuthError(err error) bool {
	return err != nil && containsAny(err.Error(), authMarkers)
}

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// wrap tags a git failure with the matching error kind.
func wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	kind := syncerr.KindVcs
	switch {
	case isAuthError(err):
		kind = syncerr.KindAuthentication
	case IsNetworkError(err):
		kind = syncerr.KindNetwork
	case errors.Is(err, context.DeadlineExceeded):
		kind = syncerr.KindTimeout
	}
	return syncerr.Wrapf(err, kind, format, args...)
}

// New opens dir with the named backend: "shell" (the default) or "go-git".
func New(backend, dir string, auth Auth) (Client, error) {
	switch backend {
	case "", "shell":
		return NewShellClient(dir, auth), nil
	case "go-git":
		return NewGoGitClient(dir, auth)
	default:
		return nil, syncerr.Newf(syncerr.KindConfig, "unknown git backend %q", backend)
	}
}
