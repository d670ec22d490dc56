// Package webhook triggers sync sessions from GitHub and GitLab push events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/metrics"
	"github.com/schaermu/slicesync/internal/syncerr"
)

const maxBodySize = 1 << 20

// Platform is the forge that sent a request.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// PushEvent holds the fields both forges send with a push.
type PushEvent struct {
	Ref         string `json:"ref"`
	After       string `json:"after"`
	CheckoutSHA string `json:"checkout_sha"`
	Repository  struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Project struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

// Commit is the pushed head.
func (e PushEvent) Commit() string {
	if e.After != "" {
		return e.After
	}
	return e.CheckoutSHA
}

// Repo names the pushed repository.
func (e PushEvent) Repo() string {
	if e.Repository.FullName != "" {
		return e.Repository.FullName
	}
	return e.Project.PathWithNamespace
}

// Runner executes one sync session for an upstream branch.
type Runner interface {
	Run(ctx context.Context, branch string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, branch string) error

func (f RunnerFunc) Run(ctx context.Context, branch string) error {
	return f(ctx, branch)
}

// Server implements the webhook HTTP server
type Server struct {
	cfg          *config.Config
	runner       Runner
	metrics      *metrics.Metrics
	logger       *slog.Logger
	githubSecret []byte
	gitlabToken  []byte
	running      atomic.Bool
	baseCtx      context.Context
}

// NewServer creates a webhook server. At least one of the GitHub secret and
// the GitLab token must be configured.
func NewServer(cfg *config.Config, runner Runner, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		metrics: m,
		logger:  logger,
		baseCtx: context.Background(),
	}

	var err error
	if s.githubSecret, err = readSecret(cfg.Serve.GitHubWebhookSecretFile); err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindConfig, "failed to read webhook secret")
	}
	if s.gitlabToken, err = readSecret(cfg.Serve.GitLabTokenFile); err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindConfig, "failed to read gitlab token")
	}
	if len(s.githubSecret) == 0 && len(s.gitlabToken) == 0 {
		return nil, syncerr.New(syncerr.KindConfig, "no webhook secret or gitlab token configured")
	}
	return s, nil
}

func readSecret(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

// Handler routes webhook deliveries, metrics and health checks.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Serve.MetricsPath, s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Start performs an initial sync, then serves on ln until ctx is done. A nil
// ln listens on the configured address.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial sync before starting webhook server")
	if err := s.runner.Run(ctx, s.cfg.Upstream.Branch); err != nil {
		s.logger.Error("initial sync failed", "error", err)
	}

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Serve.ListenAddr)
		if err != nil {
			return syncerr.Wrapf(err, syncerr.KindNetwork, "listen on %s", s.cfg.Serve.ListenAddr)
		}
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Syncs run inside the request, so writes are not bounded.
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String(), "metrics", s.cfg.Serve.MetricsPath)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook verifies a push delivery and runs one sync for it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", r.Header.Get("Content-Type"))
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	platform, ok := s.authenticate(r, body)
	if !ok {
		s.logger.Warn("rejecting request with invalid signature", "platform", platform)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := eventHeader(r, platform)
	s.logger.Info("received webhook", "platform", platform, "event", eventType)
	if !allowed(eventType, s.cfg.Serve.AllowedEventTypes) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusAccepted)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !allowed(event.Ref, s.cfg.Serve.AllowedRefs) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusAccepted)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}
	branch, ok := BranchFromRef(event.Ref)
	if !ok {
		s.logger.Info("ignoring push to non-branch ref", "ref", event.Ref)
		w.WriteHeader(http.StatusAccepted)
		_, _ = fmt.Fprintf(w, "Ref is not a branch\n")
		return
	}

	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("sync already in progress, rejecting request", "ref", event.Ref)
		http.Error(w, "Sync already in progress", http.StatusConflict)
		return
	}
	defer s.running.Store(false)

	s.logger.Info("webhook accepted",
		"platform", platform,
		"event", eventType,
		"branch", branch,
		"commit", event.Commit(),
		"repo", event.Repo())

	// The sync outlives a client that hangs up, but not the server.
	if err := s.runner.Run(s.baseCtx, branch); err != nil {
		s.logger.Error("sync failed", "branch", branch, "error", err)
		http.Error(w, fmt.Sprintf("Sync failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync completed\n")
}

// authenticate detects the sending platform from its headers and checks its
// credentials.
func (s *Server) authenticate(r *http.Request, body []byte) (Platform, bool) {
	switch {
	case r.Header.Get("X-Gitlab-Token") != "" || r.Header.Get("X-Gitlab-Event") != "":
		return PlatformGitLab, s.verifyToken(r.Header.Get("X-Gitlab-Token"))
	case r.Header.Get("X-Hub-Signature-256") != "" || r.Header.Get("X-GitHub-Event") != "":
		return PlatformGitHub, s.verifySignature(body, r.Header.Get("X-Hub-Signature-256"))
	}
	return "", false
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if len(s.githubSecret) == 0 || signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.githubSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// verifyToken compares the GitLab token in constant time.
func (s *Server) verifyToken(token string) bool {
	if len(s.gitlabToken) == 0 || token == "" {
		return false
	}
	return hmac.Equal([]byte(token), s.gitlabToken)
}

func eventHeader(r *http.Request, p Platform) string {
	if p == PlatformGitLab {
		return r.Header.Get("X-Gitlab-Event")
	}
	return r.Header.Get("X-GitHub-Event")
}

// allowed reports whether v is in list. An empty list allows everything.
func allowed(v string, list []string) bool {
	if len(list) == 0 {
		return true
	}
	for _, a := range list {
		if v == a {
			return true
		}
	}
	return false
}

// BranchFromRef extracts the branch name from refs/heads/<branch>.
func BranchFromRef(ref string) (string, bool) {
	branch, ok := strings.CutPrefix(ref, "refs/heads/")
	if !ok || branch == "" {
		return "", false
	}
	return branch, true
}
