package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/syncerr"
)

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	origStderr := stderr
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
		stderr = origStderr
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
		debug     bool
		json      bool
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text", debug: true},
		{name: "info/json", logLevel: "info", logFormat: "json", json: true},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			stderr = &buf
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
			if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tc.debug {
				t.Errorf("debug enabled = %v, want %v", got, tc.debug)
			}

			logger.Error("probe")
			if isJSON := strings.HasPrefix(buf.String(), "{"); isJSON != tc.json {
				t.Errorf("json output = %v, want %v: %q", isJSON, tc.json, buf.String())
			}
		})
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	configContent := []byte(`upstream:
  url: "https://github.com/test/mono.git"
  branch: "main"
repo:
  path: "` + filepath.Join(tmpDir, "repo") + `"
mappings:
  - source: "libs/shared"
    target: "vendor/shared"
paths:
  state_dir: "` + filepath.Join(tmpDir, "state") + `"
sync:
  non_interactive: true
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return cfgPath
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = writeConfig(t)
	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Upstream.Branch != "main" || len(cfg.Mappings) != 1 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := loadConfig(quietLogger())
	if !syncerr.Is(err, syncerr.KindConfig) {
		t.Fatalf("expected config error for missing file, got %v", err)
	}
}

func TestSyncOptions(t *testing.T) {
	origDry, origForce, origNI := dryRun, force, nonInteractive
	t.Cleanup(func() {
		dryRun, force, nonInteractive = origDry, origForce, origNI
	})

	cfg := &config.Config{}
	dryRun, force, nonInteractive = true, true, false
	opts := syncOptions(cfg)
	if !opts.PreviewOnly || !opts.Force || opts.NonInteractive || opts.Confirmer == nil {
		t.Errorf("interactive options = %+v", opts)
	}

	nonInteractive = true
	opts = syncOptions(cfg)
	if !opts.NonInteractive || opts.Confirmer != nil {
		t.Errorf("--non-interactive options = %+v", opts)
	}

	nonInteractive = false
	cfg.Sync.NonInteractive = true
	if opts = syncOptions(cfg); !opts.NonInteractive {
		t.Error("sync.non_interactive was ignored")
	}
}

func TestReportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		want string
	}{
		{name: "cancelled", err: syncerr.New(syncerr.KindUserCancelled, "declined"), code: 0, want: "cancelled"},
		{name: "config", err: syncerr.New(syncerr.KindConfig, "bad"), code: 2, want: "--config"},
		{name: "auth", err: syncerr.New(syncerr.KindAuthentication, "denied"), code: 3, want: "auth.ssh_key_file"},
		{name: "validation", err: syncerr.New(syncerr.KindValidation, "exit 1"), code: 4, want: "Sync aborted"},
		{name: "plain", err: errors.New("boom"), code: 1, want: "Error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if code := reportError(&buf, tt.err); code != tt.code {
				t.Errorf("exit code = %d, want %d", code, tt.code)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestServeRequiresWebhookCredentials(t *testing.T) {
	origCfgFile := cfgFile
	origStderr := stderr
	t.Cleanup(func() {
		cfgFile = origCfgFile
		stderr = origStderr
	})
	stderr = &bytes.Buffer{}

	cfgFile = writeConfig(t)
	err := runServe(serveCmd, nil)
	if !syncerr.Is(err, syncerr.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestVersionCmd(t *testing.T) {
	origStdout := stdout
	t.Cleanup(func() { stdout = origStdout })

	var buf bytes.Buffer
	stdout = &buf
	versionCmd.Run(versionCmd, []string{})
	if !strings.HasPrefix(buf.String(), "slicesync dev") {
		t.Errorf("unexpected version output %q", buf.String())
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"sync"},
		{"serve"},
		{"release", "canary"},
		{"release", "full"},
		{"release", "rollback"},
		{"version"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}
	if syncCmd.Flags().Lookup("dry-run") == nil {
		t.Error("sync is missing --dry-run")
	}
	if releaseCanaryCmd.Flags().Lookup("non-interactive") == nil {
		t.Error("release canary is missing --non-interactive")
	}
}
