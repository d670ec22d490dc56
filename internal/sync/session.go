package sync

import (
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/hashing"
)

// Step names one stage of the pipeline.
type Step string

const (
	// StepConfigureRemote points the upstream remote at the configured URL.
	StepConfigureRemote Step = "configure-remote"
	// StepFetchUpstream fetches the upstream branch, retrying network errors.
	StepFetchUpstream Step = "fetch-upstream"
	// StepEstablishBranch checks out the target branch and checks it is clean.
	StepEstablishBranch Step = "establish-branch"
	// StepCreateTempBranch checks out upstream on a throwaway branch.
	StepCreateTempBranch Step = "create-temp-branch"
	// StepCopyToStaging hashes the mapped sources and stages what changed.
	StepCopyToStaging Step = "copy-to-staging"
	// StepPreviewDiff builds the plan and asks for confirmation.
	StepPreviewDiff Step = "preview-diff"
	// StepApplyChanges resolves conflicts and writes the targets.
	StepApplyChanges Step = "apply-changes"
	// StepCommit commits the targets and persists the hash index.
	StepCommit Step = "commit"
	// StepPush pushes the commit when pushing is enabled.
	StepPush Step = "push"
)

// TempBranchPrefix prefixes every temporary branch a session creates.
const TempBranchPrefix = "slicesync/tmp-"

// History describes how the target branch relates to upstream.
type History string

const (
	// HistoryShared means target and upstream have a merge base.
	HistoryShared History = "shared-history"
	// HistoryUnrelated means they share no commit.
	HistoryUnrelated History = "unrelated"
)

// StepTiming records how long one step ran.
type StepTiming struct {
	Step     Step          `json:"step"`
	Duration time.Duration `json:"duration"`
	Failed   bool          `json:"failed,omitempty"`
}

// Counters accumulate per-session totals.
type Counters struct {
	Hashed    int `json:"hashed"`
	Copied    int `json:"copied"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
	Resolved  int `json:"resolved"`
	Applied   int `json:"applied"`
	Pruned    int `json:"pruned"`
}

// Session is the state of one sync run. Every stage reads and updates it;
// nothing about a run lives outside it.
type Session struct {
	ID             string
	UpstreamURL    string
	UpstreamBranch string
	UpstreamRef    string
	UpstreamCommit string
	TargetBranch   string
	TempBranch     string
	StagingDir     string
	// ResolvedDir holds the reconciled targets when a rollout is used.
	ResolvedDir    string
	Mappings       []config.Mapping
	Concurrency    int
	History        History

	Step     int
	Current  Step
	Started  time.Time
	Timings  []StepTiming
	Counters Counters

	Plan   *Plan
	Commit string
	Pushed bool

	previous hashing.Index
	index    hashing.Index
	// removed lists, per mapping target, the files (relative to the target)
	// that upstream deleted since the previous index.
	removed map[string][]string

	tempCreated bool
	onTemp      bool
}

func newSession(cfg *config.Config, concurrency int) *Session {
	id := uuid.NewString()
	return &Session{
		ID:             id,
		UpstreamURL:    cfg.Upstream.URL,
		UpstreamBranch: cfg.Upstream.Branch,
		UpstreamRef:    cfg.Upstream.Remote + "/" + cfg.Upstream.Branch,
		TargetBranch:   cfg.Repo.TargetBranch,
		TempBranch:     TempBranchPrefix + id,
		Mappings:       cfg.Mappings,
		Concurrency:    concurrency,
		Started:        time.Now(),
		removed:        map[string][]string{},
	}
}

// Targets returns the target directory of every mapping.
func (s *Session) Targets() []string {
	out := make([]string, 0, len(s.Mappings))
	for _, m := range s.Mappings {
		out = append(out, m.Target)
	}
	return out
}

// Elapsed is the time since the session started.
func (s *Session) Elapsed() time.Duration {
	return time.Since(s.Started)
}

// indexKey is the hash index key for rel inside a mapping target.
func indexKey(target, rel string) string {
	return path.Join(targetPrefix(target), rel)
}

func targetPrefix(target string) string {
	return strings.TrimSuffix(filepath.ToSlash(filepath.Clean(target)), "/")
}

// underTarget reports whether an index key belongs to target and returns the
// path relative to it.
func underTarget(key, target string) (string, bool) {
	prefix := targetPrefix(target) + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}
