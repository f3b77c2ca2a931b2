package remote

import (
	"fmt"
	"path"
	"strings"
)

// Step is one command in a post-transfer sequence. Non-fatal steps behave
// like the usual "|| true" cache clears: a failure is recorded but does not
// stop the sequence.
type Step struct {
	Name    string
	Command string
	Fatal   bool
}

// Sequence is an ordered list of steps executed on a target in one SSH
// round-trip.
type Sequence struct {
	Steps []Step
}

// RestartSequence builds the standard post-transfer sequence for one target:
// make sure the remote root exists, clear configured caches (best effort),
// restart the service unit, then ask the process manager whether the unit
// came back. Cache paths may be absolute or relative to the remote root.
func RestartSequence(service, remoteRoot string, cachePaths []string) Sequence {
	steps := []Step{
		{
			Name:    "ensure-root",
			Command: "mkdir -p -- " + shellQuote(remoteRoot),
			Fatal:   true,
		},
	}

	for _, cache := range cachePaths {
		p := cache
		if !path.IsAbs(p) {
			p = path.Join(remoteRoot, p)
		}
		steps = append(steps, Step{
			Name:    "clear-cache",
			Command: "rm -rf -- " + shellQuote(p),
		})
	}

	steps = append(steps,
		Step{
			Name:    "restart",
			Command: "systemctl restart " + shellQuote(service),
			Fatal:   true,
		},
		Step{
			Name:    "status",
			Command: "systemctl is-active " + shellQuote(service),
			Fatal:   true,
		},
	)

	return Sequence{Steps: steps}
}

// Script compiles the sequence into a single POSIX sh script. Each step's
// output is bracketed by sentinel markers carrying its index and exit code,
// so one round-trip reports every step. A fatal step that fails exits the
// script with that step's code, skipping the rest.
func (s Sequence) Script() string {
	var b strings.Builder
	b.WriteString("set -u\n")
	for i, step := range s.Steps {
		fmt.Fprintf(&b, "printf '%%s\\n' %s\n", shellQuote(beginMarker(i)))
		b.WriteString(step.Command)
		b.WriteString("\n")
		b.WriteString("__convoy_rc=$?\n")
		fmt.Fprintf(&b, "printf '%%s\\n' %s\"$__convoy_rc\"\n", shellQuote(exitMarkerPrefix(i)))
		if step.Fatal {
			b.WriteString("if [ \"$__convoy_rc\" -ne 0 ]; then exit \"$__convoy_rc\"; fi\n")
		}
	}
	b.WriteString("exit 0\n")
	return b.String()
}

func beginMarker(i int) string {
	return fmt.Sprintf(":::convoy:step:%d:begin", i)
}

func exitMarkerPrefix(i int) string {
	return fmt.Sprintf(":::convoy:step:%d:exit:", i)
}

// shellQuote wraps s in single quotes for POSIX sh, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
