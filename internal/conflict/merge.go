package conflict

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	markerTarget = "<<<<<<< target\n"
	markerSplit  = "=======\n"
	markerSource = ">>>>>>> source\n"

	previewLines = 40
)

// mergeLines reconciles target and source line by line. Lines present on
// only one side are kept; regions both sides changed are wrapped in conflict
// markers and clean is false.
func mergeLines(target, source string) (merged string, clean bool) {
	a := splitLines(target)
	b := splitLines(source)
	m := difflib.NewMatcher(a, b)

	var sb strings.Builder
	clean = true
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'e', 'd':
			writeLines(&sb, a[op.I1:op.I2], false)
		case 'i':
			writeLines(&sb, b[op.J1:op.J2], false)
		case 'r':
			clean = false
			sb.WriteString(markerTarget)
			writeLines(&sb, a[op.I1:op.I2], true)
			sb.WriteString(markerSplit)
			writeLines(&sb, b[op.J1:op.J2], true)
			sb.WriteString(markerSource)
		}
	}
	return sb.String(), clean
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLines(sb *strings.Builder, lines []string, terminate bool) {
	for _, l := range lines {
		sb.WriteString(l)
		if terminate && !strings.HasSuffix(l, "\n") {
			sb.WriteByte('\n')
		}
	}
}

// merge writes the line merge of source into target and reports whether it
// was clean.
func (r *Resolver) merge(source, target string) (bool, error) {
	src, err := r.fs.ReadFile(source)
	if err != nil {
		return false, err
	}
	dst, err := r.fs.ReadFile(target)
	if err != nil {
		return false, err
	}
	info, err := r.fs.Stat(target)
	if err != nil {
		return false, err
	}
	merged, clean := mergeLines(string(dst), string(src))
	if err := r.fs.WriteFileAtomic(target, []byte(merged), info.Mode().Perm()); err != nil {
		return false, err
	}
	return clean, nil
}

// preview renders a short unified diff from target to source for prompts.
func (r *Resolver) preview(target, source string) string {
	a, err := r.fs.ReadFile(target)
	if err != nil {
		return ""
	}
	b, err := r.fs.ReadFile(source)
	if err != nil {
		return ""
	}
	return UnifiedDiff(string(a), string(b), "target", "source", previewLines)
}

// UnifiedDiff renders a unified diff of a and b, truncated to maxLines when
// maxLines is positive.
func UnifiedDiff(a, b, fromName, toName string, maxLines int) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	if maxLines <= 0 {
		return text
	}
	lines := strings.SplitAfter(text, "\n")
	if len(lines) <= maxLines {
		return text
	}
	return strings.Join(lines[:maxLines], "") + "...\n"
}
