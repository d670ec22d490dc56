package conflict

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Kind names the dimension in which a source and target diverge.
type Kind string

// Conflict kinds.
const (
	KindContent    Kind = "content"
	KindType       Kind = "type"
	KindRename     Kind = "rename"
	KindVersion    Kind = "version"
	KindPermission Kind = "permission"
	KindLock       Kind = "lock"
	KindSymlink    Kind = "symlink"
)

// Strategy is a resolution policy.
type Strategy string

// Resolution strategies.
const (
	UseSource  Strategy = "use-source"
	KeepTarget Strategy = "keep-target"
	AutoMerge  Strategy = "auto-merge"
	PromptUser Strategy = "prompt-user"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.TrimSpace(s)) {
	case UseSource, KeepTarget, AutoMerge, PromptUser:
		return Strategy(strings.TrimSpace(s)), nil
	}
	return "", fmt.Errorf("unknown resolution strategy %q (must be use-source, keep-target, auto-merge or prompt-user)", s)
}

// EntryType tags one side of a type conflict.
type EntryType string

// Entry types.
const (
	TypeFile      EntryType = "file"
	TypeDirectory EntryType = "directory"
)

func entryType(fi os.FileInfo) EntryType {
	if fi.IsDir() {
		return TypeDirectory
	}
	return TypeFile
}

// Outcome reports how a conflict was handled.
type Outcome struct {
	Kind     Kind     `json:"kind"`
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Strategy Strategy `json:"strategy"`
	Resolved bool     `json:"resolved"`
	Detail   string   `json:"detail,omitempty"`
}

// Conflict is one divergence between a source path and a target path. Each
// kind is its own type and carries only the payload relevant to it.
type Conflict interface {
	Kind() Kind
	SourcePath() string
	TargetPath() string
	// Resolve applies a concrete strategy. PromptUser is never passed here;
	// the Resolver turns it into a concrete choice first.
	Resolve(ctx context.Context, r *Resolver, s Strategy) (Outcome, error)
}

// Paths is embedded by every conflict type.
type Paths struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// SourcePath returns the upstream side.
func (p Paths) SourcePath() string { return p.Source }

// TargetPath returns the local side.
func (p Paths) TargetPath() string { return p.Target }

func (p Paths) outcome(k Kind, s Strategy, resolved bool, detail string) Outcome {
	return Outcome{Kind: k, Source: p.Source, Target: p.Target, Strategy: s, Resolved: resolved, Detail: detail}
}

// ContentConflict: both sides are regular files with different bytes.
type ContentConflict struct {
	Paths
	SourceDigest string
	TargetDigest string
}

// Kind implements Conflict.
func (c *ContentConflict) Kind() Kind { return KindContent }

// Resolve implements Conflict.
func (c *ContentConflict) Resolve(ctx context.Context, r *Resolver, s Strategy) (Outcome, error) {
	switch s {
	case UseSource:
		if err := r.copyOver(c.Source, c.Target); err != nil {
			return c.outcome(KindContent, s, false, ""), err
		}
		return c.outcome(KindContent, s, true, "target replaced with source"), nil
	case KeepTarget:
		return c.outcome(KindContent, s, true, "target kept"), nil
	case AutoMerge:
		if !r.mergeable(c.Target) {
			return r.fallback(ctx, c, "extension not mergeable")
		}
		clean, err := r.merge(c.Source, c.Target)
		if err != nil {
			return c.outcome(KindContent, s, false, ""), err
		}
		if !clean {
			return c.outcome(KindContent, s, false, "overlapping edits, conflict markers written"), nil
		}
		return c.outcome(KindContent, s, true, "lines reconciled"), nil
	}
	return c.outcome(KindContent, s, false, ""), fmt.Errorf("unsupported strategy %q", s)
}

// TypeConflict: one side is a file, the other a directory.
type TypeConflict struct {
	Paths
	SourceType EntryType
	TargetType EntryType
}

// Kind implements Conflict.
func (c *TypeConflict) Kind() Kind { return KindType }

// Resolve implements Conflict.
func (c *TypeConflict) Resolve(ctx context.Context, r *Resolver, s Strategy) (Outcome, error) {
	switch s {
	case UseSource:
		if err := r.fs.RemoveAll(c.Target); err != nil {
			return c.outcome(KindType, s, false, ""), err
		}
		if _, err := r.fs.CopyTree(c.Source, c.Target, true); err != nil {
			return c.outcome(KindType, s, false, ""), err
		}
		return c.outcome(KindType, s, true, fmt.Sprintf("target %s replaced by source %s", c.TargetType, c.SourceType)), nil
	case KeepTarget:
		return c.outcome(KindType, s, true, "target kept"), nil
	case AutoMerge:
		return r.fallback(ctx, c, "type conflicts cannot be merged")
	}
	return c.outcome(KindType, s, false, ""), fmt.Errorf("unsupported strategy %q", s)
}

// RenameConflict: the source has a file at a path the target lacks, while the
// target holds identical bytes at a path the source lacks. Destination is the
// target-tree location that mirrors Source.
type RenameConflict struct {
	Paths
	Destination string
	Digest      string
}

// Kind implements Conflict.
func (c *RenameConflict) Kind() Kind { return KindRename }

// Resolve implements Conflict.
func (c *RenameConflict) Resolve(ctx context.Context, r *Resolver, s Strategy) (Outcome, error) {
	switch s {
	case UseSource:
		if err := r.fs.Rename(c.Target, c.Destination); err != nil {
			return c.outcome(KindRename, s, false, ""), err
		}
		return c.outcome(KindRename, s, true, "moved to "+c.Destination), nil
	case KeepTarget:
		return c.outcome(KindRename, s, true, "target kept"), nil
	case AutoMerge:
		return r.fallback(ctx, c, "renames cannot be merged")
	}
	return c.outcome(KindRename, s, false, ""), fmt.Errorf("unsupported strategy %q", s)
}

// VersionConflict: both files carry version metadata and it differs.
type VersionConflict struct {
	Paths
	SourceVersion string
	TargetVersion string
	// Newer is "source", "target" or "" when the versions are not comparable.
	Newer string
}

// Kind implements Conflict.
func (c *VersionConflict) Kind() Kind { return KindVersion }

// Resolve implements Conflict.
func (c *VersionConflict) Resolve(ctx context.Context, r *Resolver, s Strategy) (Outcome, error) {
	switch s {
	case UseSource:
		if err := r.copyOver(c.Source, c.Target); err != nil {
			return c.outcome(KindVersion, s, false, ""), err
		}
		return c.outcome(KindVersion, s, true, fmt.Sprintf("version %s -> %s", c.TargetVersion, c.SourceVersion)), nil
	case KeepTarget:
		return c.outcome(KindVersion, s, true, "kept version "+c.TargetVersion), nil
	case AutoMerge:
		return r.fallback(ctx, c, "version conflicts cannot be merged")
	}
	return c.outcome(KindVersion, s, false, ""), fmt.Errorf("unsupported strategy %q", s)
}

// PermissionConflict: identical content, different permission bits.
type PermissionConflict struct {
	Paths
	SourceMode os.FileMode
	TargetMode os.FileMode
}

// Kind implements Conflict.
func (c *PermissionConflict) Kind() Kind { return KindPermission }

// Resolve implements Conflict.
func (c *PermissionConflict) Resolve(ctx context.Context, r *Resolver, s Strategy) (Outcome, error) {
	switch s {
	case UseSource:
		if err := r.fs.Chmod(c.Target, c.SourceMode.Perm()); err != nil {
			return c.outcome(KindPermission, s, false, ""), err
		}
		return c.outcome(KindPermission, s, true, fmt.Sprintf("mode %#o -> %#o", c.TargetMode.Perm(), c.SourceMode.Perm())), nil
	case KeepTarget:
		return c.outcome(KindPermission, s, true, "target mode kept"), nil
	case AutoMerge:
		return r.fallback(ctx, c, "permissions cannot be merged")
	}
	return c.outcome(KindPermission, s, false, ""), fmt.Errorf("unsupported strategy %q", s)
}

// LockConflict: the target is held by an advisory lock marker and the
// content differs.
type LockConflict struct {
	Paths
	LockPath string
	Owner    string
	PID      int
	Created  time.Time
}

// Kind implements Conflict.
func (c *LockConflict) Kind() Kind { return KindLock }

// Resolve implements Conflict.
func (c *LockConflict) Resolve(ctx context.Context, r *Resolver, s Strategy) (Outcome, error) {
	switch s {
	case UseSource:
		if err := r.fs.RemoveAll(c.LockPath); err != nil {
			return c.outcome(KindLock, s, false, ""), err
		}
		if err := r.copyOver(c.Source, c.Target); err != nil {
			return c.outcome(KindLock, s, false, ""), err
		}
		return c.outcome(KindLock, s, true, "lock held by "+c.Owner+" released, target replaced"), nil
	case KeepTarget:
		return c.outcome(KindLock, s, true, "lock respected"), nil
	case AutoMerge:
		return r.fallback(ctx, c, "locked files cannot be merged")
	}
	return c.outcome(KindLock, s, false, ""), fmt.Errorf("unsupported strategy %q", s)
}

// SymlinkConflict: at least one side is a symlink and the sides disagree. An
// empty link means that side is not a symlink.
type SymlinkConflict struct {
	Paths
	SourceLink string
	TargetLink string
}

// Kind implements Conflict.
func (c *SymlinkConflict) Kind() Kind { return KindSymlink }

// Resolve implements Conflict.
func (c *SymlinkConflict) Resolve(ctx context.Context, r *Resolver, s Strategy) (Outcome, error) {
	switch s {
	case UseSource:
		if err := r.fs.RemoveAll(c.Target); err != nil {
			return c.outcome(KindSymlink, s, false, ""), err
		}
		if c.SourceLink != "" {
			if err := r.fs.Symlink(c.SourceLink, c.Target); err != nil {
				return c.outcome(KindSymlink, s, false, ""), err
			}
			return c.outcome(KindSymlink, s, true, "link now points to "+c.SourceLink), nil
		}
		if _, err := r.fs.CopyTree(c.Source, c.Target, true); err != nil {
			return c.outcome(KindSymlink, s, false, ""), err
		}
		return c.outcome(KindSymlink, s, true, "link replaced by source content"), nil
	case KeepTarget:
		return c.outcome(KindSymlink, s, true, "target kept"), nil
	case AutoMerge:
		return r.fallback(ctx, c, "symlinks cannot be merged")
	}
	return c.outcome(KindSymlink, s, false, ""), fmt.Errorf("unsupported strategy %q", s)
}

var (
	_ Conflict = (*ContentConflict)(nil)
	_ Conflict = (*TypeConflict)(nil)
	_ Conflict = (*RenameConflict)(nil)
	_ Conflict = (*VersionConflict)(nil)
	_ Conflict = (*PermissionConflict)(nil)
	_ Conflict = (*LockConflict)(nil)
	_ Conflict = (*SymlinkConflict)(nil)
)
