package release

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/schaermu/slicesync/internal/syncerr"
)

const waitDelay = 5 * time.Second

// Result describes one validation run.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
	// Skipped is set when there was nothing to run.
	Skipped bool
}

// Validator decides whether the tree in dir is healthy.
type Validator interface {
	Validate(ctx context.Context, dir string) (*Result, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, dir string) (*Result, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, dir string) (*Result, error) {
	return f(ctx, dir)
}

// ScriptValidator runs a shell script. A zero exit status passes.
type ScriptValidator struct {
	Script  string
	Timeout time.Duration
	// Shell defaults to sh.
	Shell string
}

// Validate runs the script with dir as working directory and returns its
// combined stdout and stderr.
func (v *ScriptValidator) Validate(ctx context.Context, dir string) (*Result, error) {
	if strings.TrimSpace(v.Script) == "" {
		return &Result{Skipped: true}, nil
	}
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	shell := v.Shell
	if shell == "" {
		shell = "sh"
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", v.Script)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children that outlive a killed shell must not hold Wait open.
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	res := &Result{Output: out.String(), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, syncerr.Newf(syncerr.KindTimeout, "validation script timed out after %s", v.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, syncerr.Newf(syncerr.KindValidation, "validation script exited with status %d", res.ExitCode).
			WithContext("output", tail(res.Output, 2048))
	}
	res.ExitCode = -1
	return res, syncerr.Wrap(err, syncerr.KindValidation, "failed to run validation script")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
