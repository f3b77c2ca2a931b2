package deploy

import (
	"fmt"
	"strings"

	"github.com/chatmrpt/convoy/internal/inventory"
	"github.com/chatmrpt/convoy/internal/manifest"
	"github.com/chatmrpt/convoy/internal/remote"
)

// Plan is the dry-run view of a deployment: which files would land on which
// targets and which commands would run. Building and rendering a Plan makes
// no connections.
type Plan struct {
	Environment string
	Service     string
	CachePaths  []string
	Targets     []inventory.Target
	Entries     []manifest.Entry
	TotalBytes  int64
}

// NewPlan assembles the dry-run plan for a fleet and manifest.
func NewPlan(fleet *inventory.Fleet, man *manifest.Manifest) *Plan {
	return &Plan{
		Environment: fleet.Environment,
		Service:     fleet.Service,
		CachePaths:  fleet.CachePaths,
		Targets:     fleet.Targets,
		Entries:     man.Entries,
		TotalBytes:  man.TotalBytes(),
	}
}

// Render returns the plan as printable text.
func (p *Plan) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "dry run: %s (%s), %d %s, %d %s (%s)\n\n",
		p.Environment, p.Service,
		len(p.Targets), targetWord(len(p.Targets)),
		len(p.Entries), fileWord(len(p.Entries)),
		formatBytes(p.TotalBytes))

	b.WriteString(" targets:\n")
	for _, t := range p.Targets {
		fmt.Fprintf(&b, "   %s (%s", t.Name, t.Addr())
		if t.Via != "" {
			fmt.Fprintf(&b, " via %s", t.Via)
		}
		fmt.Fprintf(&b, ") -> %s\n", t.RemoteRoot)
	}

	b.WriteString("\n files:\n")
	for _, e := range p.Entries {
		fmt.Fprintf(&b, "   %s -> %s (%s)\n", e.LocalPath, e.RemoteRel, formatBytes(e.Size))
	}

	for _, root := range p.distinctRoots() {
		fmt.Fprintf(&b, "\n commands under %s:\n", root)
		for _, step := range remote.RestartSequence(p.Service, root, p.CachePaths).Steps {
			fmt.Fprintf(&b, "   [%s] %s\n", step.Name, step.Command)
		}
	}

	return b.String()
}

// distinctRoots returns each remote root once, in target order. Most fleets
// share a single root, but per-target overrides are allowed.
func (p *Plan) distinctRoots() []string {
	seen := make(map[string]bool, 1)
	var roots []string
	for _, t := range p.Targets {
		if !seen[t.RemoteRoot] {
			seen[t.RemoteRoot] = true
			roots = append(roots, t.RemoteRoot)
		}
	}
	return roots
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
