package deploy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ANSI color codes.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// Formatter renders deployment reports for terminal display.
type Formatter struct {
	JSON  bool
	Color bool
}

// NewFormatter creates a Formatter with the given options.
func NewFormatter(jsonOutput, color bool) *Formatter {
	return &Formatter{JSON: jsonOutput, Color: color}
}

// FormatJSON serializes the report as indented JSON.
func (f *Formatter) FormatJSON(r *Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Format renders the report as a human-readable string: healthy targets
// first, then failures grouped by the phase that broke them, each with the
// diagnostics needed to act without re-running anything.
func (f *Formatter) Format(r *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "deploy %s (%s) run %s\n\n", r.Environment, r.Service, r.RunID)

	var healthy, other []TargetSummary
	byPhase := make(map[Stage][]TargetSummary)
	for _, t := range r.Targets {
		switch {
		case t.Stage.Success():
			healthy = append(healthy, t)
		case t.Stage.Failed():
			byPhase[t.Stage] = append(byPhase[t.Stage], t)
		default:
			other = append(other, t)
		}
	}

	if len(healthy) > 0 {
		label := fmt.Sprintf(" %d %s healthy:", len(healthy), targetWord(len(healthy)))
		b.WriteString(f.colorize(label, colorGreen))
		b.WriteString("\n   ")
		b.WriteString(f.colorize(joinNames(healthy), colorCyan))
		b.WriteString("\n\n")
	}

	for _, stage := range []Stage{StageTransferFailed, StageRestartFailed, StageUnhealthy} {
		targets := byPhase[stage]
		if len(targets) == 0 {
			continue
		}
		label := fmt.Sprintf(" %d %s failed at %s:", len(targets), targetWord(len(targets)), stage.FailurePhase())
		b.WriteString(f.colorize(label, colorRed))
		b.WriteString("\n")
		for _, t := range targets {
			f.writeFailedTarget(&b, t)
		}
		b.WriteString("\n")
	}

	if len(other) > 0 {
		label := fmt.Sprintf(" %d %s did not finish:", len(other), targetWord(len(other)))
		b.WriteString(f.colorize(label, colorYellow))
		b.WriteString("\n   ")
		b.WriteString(f.colorize(joinNames(other), colorCyan))
		b.WriteString("\n\n")
	}

	if r.Aggregate != nil {
		f.writeAggregate(&b, r.Aggregate)
		b.WriteString("\n")
	}

	b.WriteString(f.summaryLine(r))
	b.WriteString("\n")
	return b.String()
}

func (f *Formatter) writeFailedTarget(b *strings.Builder, t TargetSummary) {
	b.WriteString("   ")
	b.WriteString(f.colorize(t.Name, colorCyan))
	if t.Error != "" {
		fmt.Fprintf(b, " (%s)", t.Error)
	}
	b.WriteString("\n")

	switch t.Stage {
	case StageTransferFailed:
		for _, tr := range t.Transfers {
			if tr.Error == "" {
				continue
			}
			fmt.Fprintf(b, "     %s: %s\n", tr.File, tr.Error)
		}
	case StageRestartFailed:
		if t.Restart == nil {
			return
		}
		f.writeTail(b, t.Restart.StdoutTail, "")
		f.writeTail(b, t.Restart.StderrTail, "stderr: ")
	case StageUnhealthy:
		if t.Health == nil {
			return
		}
		if t.Health.StatusCode != 0 {
			fmt.Fprintf(b, "     %s answered %d after %d attempts\n", t.Health.URL, t.Health.StatusCode, t.Health.Attempts)
		} else {
			fmt.Fprintf(b, "     %s gave no response after %d attempts", t.Health.URL, t.Health.Attempts)
			if t.Health.Error != "" {
				fmt.Fprintf(b, " (%s)", t.Health.Error)
			}
			b.WriteString("\n")
		}
	}
}

func (f *Formatter) writeTail(b *strings.Builder, tail, prefix string) {
	if tail == "" {
		return
	}
	for _, line := range strings.Split(tail, "\n") {
		b.WriteString("     ")
		if prefix != "" {
			b.WriteString(f.colorize(prefix+line, colorRed))
		} else {
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
}

func (f *Formatter) writeAggregate(b *strings.Builder, agg *HealthSummary) {
	if agg.Healthy {
		b.WriteString(f.colorize(" aggregate healthy:", colorGreen))
	} else {
		b.WriteString(f.colorize(" aggregate unhealthy:", colorRed))
	}
	fmt.Fprintf(b, " %s", agg.URL)
	if agg.StatusCode != 0 {
		fmt.Fprintf(b, " (%d, %d %s)", agg.StatusCode, agg.Attempts, attemptWord(agg.Attempts))
	} else {
		fmt.Fprintf(b, " (no response, %d %s)", agg.Attempts, attemptWord(agg.Attempts))
	}
	b.WriteString("\n")
}

func (f *Formatter) summaryLine(r *Report) string {
	healthy := 0
	counts := map[Stage]int{}
	for _, t := range r.Targets {
		if t.Stage.Success() {
			healthy++
		} else {
			counts[t.Stage]++
		}
	}

	parts := []string{fmt.Sprintf("%d healthy", healthy)}
	for _, stage := range []Stage{StageTransferFailed, StageRestartFailed, StageUnhealthy} {
		if n := counts[stage]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, stage))
		}
	}
	leftover := len(r.Targets) - healthy - counts[StageTransferFailed] - counts[StageRestartFailed] - counts[StageUnhealthy]
	if leftover > 0 {
		parts = append(parts, fmt.Sprintf("%d unfinished", leftover))
	}

	line := strings.Join(parts, ", ")
	if r.Success() {
		return f.colorize(line, colorGreen)
	}
	return f.colorize(line, colorRed)
}

func (f *Formatter) colorize(text, color string) string {
	if !f.Color {
		return text
	}
	return color + text + colorReset
}

func joinNames(targets []TargetSummary) string {
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name
	}
	return strings.Join(names, ", ")
}

func targetWord(n int) string {
	if n == 1 {
		return "target"
	}
	return "targets"
}

func attemptWord(n int) string {
	if n == 1 {
		return "attempt"
	}
	return "attempts"
}
