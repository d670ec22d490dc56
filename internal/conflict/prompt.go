package conflict

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// PromptRequest is what a Prompter is shown. Digests and Preview are only set
// for content conflicts.
type PromptRequest struct {
	Conflict     Conflict
	SourceDigest string
	TargetDigest string
	Preview      string
}

// Prompter turns a prompt-user decision into a concrete strategy.
type Prompter interface {
	Choose(ctx context.Context, req PromptRequest) (Strategy, error)
}

// StaticPrompter always answers with the same strategy.
type StaticPrompter struct {
	Strategy Strategy
}

// Choose implements Prompter.
func (p StaticPrompter) Choose(context.Context, PromptRequest) (Strategy, error) {
	return p.Strategy, nil
}

// TerminalPrompter asks on Out and reads the answer from In.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer

	scanner *bufio.Scanner
}

// NewTerminalPrompter creates a prompter reading from in and writing to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{In: in, Out: out, scanner: bufio.NewScanner(in)}
}

var terminalChoices = map[string]Strategy{
	"s": UseSource, "source": UseSource, string(UseSource): UseSource,
	"t": KeepTarget, "target": KeepTarget, string(KeepTarget): KeepTarget,
	"m": AutoMerge, "merge": AutoMerge, string(AutoMerge): AutoMerge,
}

// Choose implements Prompter. Unrecognised answers are asked again; end of
// input counts as a cancellation.
func (p *TerminalPrompter) Choose(ctx context.Context, req PromptRequest) (Strategy, error) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	c := req.Conflict
	_, _ = fmt.Fprintf(p.Out, "%s conflict: %s\n", c.Kind(), c.TargetPath())
	if req.SourceDigest != "" {
		_, _ = fmt.Fprintf(p.Out, "  source %s\n  target %s\n", short(req.SourceDigest), short(req.TargetDigest))
	}
	if req.Preview != "" {
		_, _ = fmt.Fprint(p.Out, req.Preview)
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		_, _ = fmt.Fprint(p.Out, "[s]ource, [t]arget or [m]erge? ")
		if !p.scanner.Scan() {
			if err := p.scanner.Err(); err != nil {
				return "", syncerr.Wrap(err, syncerr.KindUserCancelled, "read answer")
			}
			return "", syncerr.New(syncerr.KindUserCancelled, "no answer given")
		}
		if s, ok := terminalChoices[strings.ToLower(strings.TrimSpace(p.scanner.Text()))]; ok {
			return s, nil
		}
	}
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
