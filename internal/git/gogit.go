package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GoGitClient implements Client in process with go-git.
type GoGitClient struct {
	repo     *gogit.Repository
	worktree *gogit.Worktree
	auth     Auth
}

// NewGoGitClient opens the repository containing dir.
func NewGoGitClient(dir string, auth Auth) (*GoGitClient, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, wrap(err, "open repository %s", dir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, wrap(err, "open worktree %s", dir)
	}
	return &GoGitClient{repo: repo, worktree: wt, auth: auth}, nil
}

// AddOrUpdateRemote adds the remote or recreates it with the new URL.
func (c *GoGitClient) AddOrUpdateRemote(_ context.Context, name, url string) error {
	remote, err := c.repo.Remote(name)
	switch {
	case err == nil:
		urls := remote.Config().URLs
		if len(urls) == 1 && urls[0] == url {
			return nil
		}
		if err := c.repo.DeleteRemote(name); err != nil {
			return wrap(err, "update remote %s", name)
		}
	case !errors.Is(err, gogit.ErrRemoteNotFound):
		return wrap(err, "read remote %s", name)
	}
	_, err = c.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
	return wrap(err, "add remote %s", name)
}

// Fetch fetches one branch from remote.
func (c *GoGitClient) Fetch(ctx context.Context, remote, branch string) error {
	auth, err := c.authMethod(remote)
	if err != nil {
		return err
	}
	refspec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remote, branch))
	err = c.repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{refspec},
		Auth:       auth,
		Tags:       gogit.NoTags,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return wrap(err, "fetch %s/%s", remote, branch)
	}
	return nil
}

// RevParse resolves rev to a commit hash.
func (c *GoGitClient) RevParse(_ context.Context, rev string) (string, error) {
	hash, err := c.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, plumbing.ErrObjectNotFound) {
			return "", ErrRefNotFound
		}
		return "", wrap(err, "rev-parse %s", rev)
	}
	return hash.String(), nil
}

// MergeBase returns the common ancestor of a and b, or "" if there is none.
func (c *GoGitClient) MergeBase(ctx context.Context, a, b string) (string, error) {
	ca, err := c.commit(ctx, a)
	if err != nil {
		return "", err
	}
	cb, err := c.commit(ctx, b)
	if err != nil {
		return "", err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return "", wrap(err, "merge-base %s %s", a, b)
	}
	if len(bases) == 0 {
		return "", nil
	}
	return bases[0].Hash.String(), nil
}

func (c *GoGitClient) commit(ctx context.Context, rev string) (*object.Commit, error) {
	h, err := c.RevParse(ctx, rev)
	if err != nil {
		return nil, err
	}
	commit, err := c.repo.CommitObject(plumbing.NewHash(h))
	if err != nil {
		return nil, wrap(err, "read commit %s", rev)
	}
	return commit, nil
}

// CurrentBranch returns the checked out branch name.
func (c *GoGitClient) CurrentBranch(context.Context) (string, error) {
	head, err := c.repo.Head()
	if err != nil {
		return "", wrap(err, "read HEAD")
	}
	if !head.Name().IsBranch() {
		return "", wrap(errors.New("HEAD is detached"), "read current branch")
	}
	return head.Name().Short(), nil
}

// CreateBranch creates a branch at startPoint without checking it out.
func (c *GoGitClient) CreateBranch(ctx context.Context, name, startPoint string) error {
	h, err := c.RevParse(ctx, startPoint)
	if err != nil {
		return wrap(err, "create branch %s", name)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), plumbing.NewHash(h))
	return wrap(c.repo.Storer.SetReference(ref), "create branch %s", name)
}

// CheckoutNewBranch creates or resets a branch at startPoint and checks it out.
func (c *GoGitClient) CheckoutNewBranch(ctx context.Context, name, startPoint string) error {
	if err := c.CreateBranch(ctx, name, startPoint); err != nil {
		return err
	}
	return c.Checkout(ctx, name)
}

// Checkout switches to an existing branch. Unstaged changes abort it.
func (c *GoGitClient) Checkout(_ context.Context, branch string) error {
	err := c.worktree.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
	})
	return wrap(err, "checkout %s", branch)
}

// DeleteBranch removes a local branch reference.
func (c *GoGitClient) DeleteBranch(_ context.Context, name string) error {
	return wrap(c.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)), "delete branch %s", name)
}

// Add stages all changes under paths, including deletions.
func (c *GoGitClient) Add(ctx context.Context, paths ...string) error {
	entries, err := c.Status(ctx, paths...)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Code[1] == byte(gogit.Deleted) {
			if _, err := c.worktree.Remove(e.Path); err != nil {
				return wrap(err, "stage removal of %s", e.Path)
			}
			continue
		}
		if _, err := c.worktree.Add(e.Path); err != nil {
			return wrap(err, "add %s", e.Path)
		}
	}
	return nil
}

// Status returns changed entries, restricted to paths when given. Codes use
// the porcelain letters.
func (c *GoGitClient) Status(_ context.Context, paths ...string) ([]StatusEntry, error) {
	st, err := c.worktree.Status()
	if err != nil {
		return nil, wrap(err, "status")
	}
	var entries []StatusEntry
	for path, fs := range st {
		if fs.Staging == gogit.Unmodified && fs.Worktree == gogit.Unmodified {
			continue
		}
		if !underAny(path, paths) {
			continue
		}
		entries = append(entries, StatusEntry{Path: path, Code: string([]byte{byte(fs.Staging), byte(fs.Worktree)})})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func underAny(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		p = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(p)), "/")
		if p == "." || path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Commit records the staged changes and returns the new commit hash.
func (c *GoGitClient) Commit(_ context.Context, message string, author Signature) (string, error) {
	sig := &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()}
	hash, err := c.worktree.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", wrap(err, "commit")
	}
	return hash.String(), nil
}

// Push pushes branch to remote.
func (c *GoGitClient) Push(ctx context.Context, remote, branch string) error {
	auth, err := c.authMethod(remote)
	if err != nil {
		return err
	}
	refspec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = c.repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{refspec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return wrap(err, "push %s to %s", branch, remote)
	}
	return nil
}

// authMethod picks credentials for the remote's URL scheme.
func (c *GoGitClient) authMethod(remote string) (transport.AuthMethod, error) {
	r, err := c.repo.Remote(remote)
	if err != nil {
		return nil, wrap(err, "read remote %s", remote)
	}
	urls := r.Config().URLs
	if len(urls) == 0 {
		return nil, nil
	}
	url := urls[0]

	if c.auth.SSHKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		keys, err := ssh.NewPublicKeysFromFile("git", c.auth.SSHKeyFile, "")
		if err != nil {
			return nil, wrap(err, "load ssh key")
		}
		return keys, nil
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return nil, nil
	}
	switch {
	case c.auth.TokenFile != "":
		token, err := readSecret(c.auth.TokenFile)
		if err != nil {
			return nil, wrap(err, "read token file")
		}
		return &http.BasicAuth{Username: "x-access-token", Password: token}, nil
	case c.auth.Username != "" && c.auth.PasswordFile != "":
		pw, err := readSecret(c.auth.PasswordFile)
		if err != nil {
			return nil, wrap(err, "read password file")
		}
		return &http.BasicAuth{Username: c.auth.Username, Password: pw}, nil
	}
	return nil, nil
}

var _ Client = (*GoGitClient)(nil)
