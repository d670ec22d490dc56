package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// Confirmer approves a sync plan before it is applied.
type Confirmer interface {
	Confirm(ctx context.Context, plan *Plan) (bool, error)
}

// TerminalConfirmer prints the plan and reads a yes/no answer.
type TerminalConfirmer struct {
	in  *bufio.Reader
	out io.Writer
	// MaxListed caps the paths printed per category.
	MaxListed int
}

// NewTerminalConfirmer reads answers from in and writes to out.
func NewTerminalConfirmer(in io.Reader, out io.Writer) *TerminalConfirmer {
	return &TerminalConfirmer{in: bufio.NewReader(in), out: out, MaxListed: 20}
}

// Confirm returns true only for an explicit "y" or "yes".
func (c *TerminalConfirmer) Confirm(ctx context.Context, plan *Plan) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, _ = fmt.Fprintf(c.out, "%d path(s) will change:\n", plan.Total())
	c.list("add", plan.Added)
	c.list("update", plan.Changed)
	c.list("replace", plan.TypeChanged)
	c.list("delete", plan.Removed)
	_, _ = fmt.Fprint(c.out, "Apply these changes? [y/N] ")

	line, err := c.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return false, syncerr.New(syncerr.KindUserCancelled, "no answer on input")
		}
		return false, syncerr.Wrap(err, syncerr.KindUserCancelled, "read confirmation")
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (c *TerminalConfirmer) list(label string, paths []string) {
	for i, p := range paths {
		if c.MaxListed > 0 && i == c.MaxListed {
			_, _ = fmt.Fprintf(c.out, "  %-7s ... and %d more\n", label, len(paths)-i)
			return
		}
		_, _ = fmt.Fprintf(c.out, "  %-7s %s\n", label, p)
	}
}
