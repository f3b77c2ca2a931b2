package watch

import (
	"fmt"

	"charm.land/lipgloss/v2"
)

// renderStatusBar builds the bottom bar: run identity on the left, progress
// counts in the middle, keybind hints on the right.
func renderStatusBar(m *Model) string {
	runID := m.runID
	if len(runID) > 8 {
		runID = runID[:8]
	}
	left := fmt.Sprintf(" %s (%s) │ run %s", m.env, m.service, runID)

	done, healthy, failed := m.table.Counts()
	progress := fmt.Sprintf("%d/%d done", done, len(m.table.entries))
	if healthy > 0 {
		progress += " │ " + statusHealthy.Render(fmt.Sprintf("%d healthy", healthy))
	}
	if failed > 0 {
		progress += " │ " + statusFailed.Render(fmt.Sprintf("%d failed", failed))
	}
	if m.cancelling {
		progress += " │ " + statusCancelling.Render("cancelling")
	}
	left += " │ " + progress

	right := helpKeyStyle.Render("j/k") + helpDescStyle.Render(" scroll") +
		"  " + helpKeyStyle.Render("q") + helpDescStyle.Render(" cancel") + " "

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	middle := fmt.Sprintf("%*s", gap, "")

	return statusBarStyle.Width(m.width).Render(left + middle + right)
}
