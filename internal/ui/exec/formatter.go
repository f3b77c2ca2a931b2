package exec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chatmrpt/convoy/internal/executor"
	"github.com/chatmrpt/convoy/internal/grouper"
)

// ANSI color codes.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// Formatter formats grouped execution results for terminal display.
type Formatter struct {
	JSON       bool
	ErrorsOnly bool
	Color      bool
}

// NewFormatter creates a Formatter with the given options.
func NewFormatter(jsonOutput, errorsOnly, color bool) *Formatter {
	return &Formatter{
		JSON:       jsonOutput,
		ErrorsOnly: errorsOnly,
		Color:      color,
	}
}

// Format renders grouped results as a human-readable string.
func (f *Formatter) Format(grouped *grouper.GroupedResults) string {
	var b strings.Builder

	succeeded := 0
	nonZero := 0

	for _, g := range grouped.Groups {
		if g.ExitCode != 0 {
			nonZero += len(g.Targets)
		} else {
			succeeded += len(g.Targets)
		}
		// Errors-only mode hides the groups that exited cleanly.
		if !f.ErrorsOnly || g.ExitCode != 0 {
			f.writeGroup(&b, &g, len(grouped.Groups))
			b.WriteString("\n")
		}
	}

	for _, r := range grouped.Unreachable {
		f.writeFailure(&b, r, "unreachable", "unknown error")
		b.WriteString("\n")
	}
	for _, r := range grouped.TimedOut {
		f.writeFailure(&b, r, "timed out", "timeout")
		b.WriteString("\n")
	}

	b.WriteString(f.summaryLine(succeeded, nonZero, len(grouped.Unreachable), len(grouped.TimedOut)))
	b.WriteString("\n")

	return b.String()
}

// FormatJSON serializes results as a JSON array.
func (f *Formatter) FormatJSON(results []*executor.Result) ([]byte, error) {
	type jsonResult struct {
		Target   string `json:"target"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
		Duration string `json:"duration"`
		Error    string `json:"error,omitempty"`
	}

	out := make([]jsonResult, len(results))
	for i, r := range results {
		out[i] = jsonResult{
			Target:   r.Target,
			Stdout:   string(r.Stdout),
			Stderr:   string(r.Stderr),
			ExitCode: r.ExitCode,
			Duration: r.Duration.String(),
		}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}

	return json.MarshalIndent(out, "", "  ")
}

// groupLabel returns the heading for a group and the color it is drawn in.
func groupLabel(g *grouper.OutputGroup, totalGroups int) (string, string) {
	n := len(g.Targets)
	word := "targets"
	if n == 1 {
		word = "target"
	}

	switch {
	case g.ExitCode != 0:
		return fmt.Sprintf(" %d %s exited with code %d:", n, word, g.ExitCode), colorRed
	case g.IsNorm:
		if totalGroups == 1 && n == 1 {
			// "1 target identical" doesn't make sense for a single target.
			return fmt.Sprintf(" %d %s:", n, word), colorGreen
		}
		return fmt.Sprintf(" %d %s identical:", n, word), colorGreen
	default:
		verb := "differ"
		if n == 1 {
			verb = "differs"
		}
		return fmt.Sprintf(" %d %s %s:", n, word, verb), colorYellow
	}
}

func (f *Formatter) writeGroup(b *strings.Builder, g *grouper.OutputGroup, totalGroups int) {
	label, color := groupLabel(g, totalGroups)
	b.WriteString(f.colorize(label, color))
	b.WriteString("\n")

	b.WriteString("   " + f.colorize(strings.Join(g.Targets, ", "), colorCyan))
	b.WriteString("\n")

	f.writeIndented(b, string(g.Stdout), func(line string) string {
		return line
	})
	f.writeIndented(b, string(g.Stderr), func(line string) string {
		return f.colorize("stderr: "+line, colorRed)
	})

	// Outlier groups carry a diff against the norm.
	if !g.IsNorm && g.Diff != "" {
		b.WriteString("\n")
		f.writeIndented(b, g.Diff, f.colorDiffLine)
	}
}

// writeIndented writes text line by line under a three-space indent,
// passing each line through decorate. Empty text writes nothing.
func (f *Formatter) writeIndented(b *strings.Builder, text string, decorate func(string) string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("   ")
		b.WriteString(decorate(line))
		b.WriteString("\n")
	}
}

func (f *Formatter) colorDiffLine(line string) string {
	switch {
	case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
		return f.colorize(line, colorCyan)
	case strings.HasPrefix(line, "+"):
		return f.colorize(line, colorGreen)
	case strings.HasPrefix(line, "-"):
		return f.colorize(line, colorRed)
	default:
		return line
	}
}

// writeFailure renders a target that produced no output to group: kind names
// the failure ("unreachable", "timed out") and fallback stands in when the
// result carries no error.
func (f *Formatter) writeFailure(b *strings.Builder, r *executor.Result, kind, fallback string) {
	b.WriteString(f.colorize(" 1 target "+kind+":", colorRed))
	b.WriteString("\n")

	errMsg := fallback
	if r.Err != nil {
		errMsg = r.Err.Error()
	}
	b.WriteString("   ")
	b.WriteString(f.colorize(r.Target, colorCyan))
	b.WriteString(fmt.Sprintf(" (%s)", errMsg))
	b.WriteString("\n")
}

func (f *Formatter) summaryLine(succeeded, nonZero, unreachable, timedOut int) string {
	parts := []string{
		fmt.Sprintf("%d succeeded", succeeded),
	}
	if nonZero > 0 {
		parts = append(parts, fmt.Sprintf("%d non-zero exit", nonZero))
	}
	if unreachable > 0 {
		parts = append(parts, fmt.Sprintf("%d unreachable", unreachable))
	}
	if timedOut > 0 {
		parts = append(parts, fmt.Sprintf("%d timeout", timedOut))
	}
	return strings.Join(parts, ", ")
}

func (f *Formatter) colorize(text, color string) string {
	if !f.Color {
		return text
	}
	return color + text + colorReset
}
