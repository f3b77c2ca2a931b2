// Package grouper collapses per-target command output into groups of
// identical results, so a hundred targets that agree read as one block and
// the outliers stand out with a diff against the majority.
package grouper

import (
	"context"
	"crypto/sha256"
	"errors"
	"net"
	"sort"
	"strings"

	"github.com/chatmrpt/convoy/internal/executor"
)

// OutputGroup is a set of targets that produced identical output and exit
// code.
type OutputGroup struct {
	Targets  []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	IsNorm   bool   // largest (majority) group
	Diff     string // unified diff vs the norm group; empty for the norm
}

// GroupedResults categorizes the results of a fleet-wide command.
type GroupedResults struct {
	Groups      []OutputGroup
	Unreachable []*executor.Result // connection errors
	TimedOut    []*executor.Result
}

// Group buckets results by identical output and exit code, marks the
// largest bucket as the norm, and attaches a diff to each outlier bucket.
// Results with the same output but different exit codes land in separate
// buckets.
func Group(results []*executor.Result) *GroupedResults {
	gr := &GroupedResults{}

	buckets := make(map[[sha256.Size]byte]*OutputGroup)
	var order [][sha256.Size]byte

	for _, r := range results {
		if r.Err != nil {
			if isTimeout(r.Err) {
				gr.TimedOut = append(gr.TimedOut, r)
			} else {
				gr.Unreachable = append(gr.Unreachable, r)
			}
			continue
		}

		key := outputKey(r)
		g, ok := buckets[key]
		if !ok {
			g = &OutputGroup{
				Stdout:   r.Stdout,
				Stderr:   r.Stderr,
				ExitCode: r.ExitCode,
			}
			buckets[key] = g
			order = append(order, key)
		}
		g.Targets = append(g.Targets, r.Target)
	}

	if len(order) == 0 {
		return gr
	}

	// The norm is the largest bucket; first-seen wins a tie.
	norm := order[0]
	for _, key := range order[1:] {
		if len(buckets[key].Targets) > len(buckets[norm].Targets) {
			norm = key
		}
	}

	normGroup := buckets[norm]
	normGroup.IsNorm = true
	sort.Strings(normGroup.Targets)
	gr.Groups = append(gr.Groups, *normGroup)

	for _, key := range order {
		if key == norm {
			continue
		}
		g := buckets[key]
		sort.Strings(g.Targets)
		g.Diff = unifiedDiff(string(normGroup.Stdout), string(g.Stdout))
		gr.Groups = append(gr.Groups, *g)
	}

	return gr
}

// outputKey hashes stdout, stderr, and the exit code. NUL separators keep
// boundary-shifted outputs from colliding.
func outputKey(r *executor.Result) [sha256.Size]byte {
	h := sha256.New()
	h.Write(r.Stdout)
	h.Write([]byte{0})
	h.Write(r.Stderr)
	h.Write([]byte{0, byte(r.ExitCode >> 24), byte(r.ExitCode >> 16), byte(r.ExitCode >> 8), byte(r.ExitCode)})
	var key [sha256.Size]byte
	h.Sum(key[:0])
	return key
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// maxDiffLines bounds the LCS computation; beyond it the diff degrades to a
// full removal/addition listing instead of an O(n*m) table.
const maxDiffLines = 500

// unifiedDiff renders a minimal unified diff between the norm output and an
// outlier's output.
func unifiedDiff(norm, outlier string) string {
	a := splitLines(norm)
	b := splitLines(outlier)

	var out strings.Builder
	out.WriteString("--- norm\n")
	out.WriteString("+++ outlier\n")

	if len(a) > maxDiffLines || len(b) > maxDiffLines {
		writeLines(&out, "-", a)
		writeLines(&out, "+", b)
		return out.String()
	}

	common := longestCommonLines(a, b)
	ai, bi := 0, 0
	for _, line := range common {
		for ai < len(a) && a[ai] != line {
			out.WriteString("-" + a[ai] + "\n")
			ai++
		}
		for bi < len(b) && b[bi] != line {
			out.WriteString("+" + b[bi] + "\n")
			bi++
		}
		out.WriteString(" " + line + "\n")
		ai++
		bi++
	}
	writeLines(&out, "-", a[ai:])
	writeLines(&out, "+", b[bi:])

	return out.String()
}

func writeLines(out *strings.Builder, prefix string, lines []string) {
	for _, line := range lines {
		out.WriteString(prefix + line + "\n")
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// longestCommonLines returns the longest common subsequence of two line
// slices.
func longestCommonLines(a, b []string) []string {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch {
			case a[i-1] == b[j-1]:
				dp[i][j] = dp[i-1][j-1] + 1
			case dp[i-1][j] >= dp[i][j-1]:
				dp[i][j] = dp[i-1][j]
			default:
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	lcs := make([]string, 0, dp[m][n])
	for i, j := m, n; i > 0 && j > 0; {
		switch {
		case a[i-1] == b[j-1]:
			lcs = append(lcs, a[i-1])
			i--
			j--
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	for l, r := 0, len(lcs)-1; l < r; l, r = l+1, r-1 {
		lcs[l], lcs[r] = lcs[r], lcs[l]
	}
	return lcs
}
