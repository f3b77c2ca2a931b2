package watch

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/table"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/chatmrpt/convoy/internal/deploy"
)

// targetEntry tracks one target's progress through the pipeline.
type targetEntry struct {
	Name     string
	Stage    deploy.Stage
	Detail   string
	Started  time.Time
	Finished time.Time
}

// runTable wraps a bubbles/table with per-target deployment state.
type runTable struct {
	table   table.Model
	entries []targetEntry
	index   map[string]int
	width   int
	height  int
	detailW int
}

func newRunTable(targets []string, width, height int) runTable {
	entries := make([]targetEntry, len(targets))
	index := make(map[string]int, len(targets))
	for i, name := range targets {
		entries[i] = targetEntry{Name: name, Stage: deploy.StagePending}
		index[name] = i
	}

	// Subtract 2 for the outer pane border so rows fit inside the content area.
	contentWidth := width - 2

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Target", Width: 20},
			{Title: "Stage", Width: 16},
			{Title: "Time", Width: 8},
			{Title: "Detail", Width: 24},
		}),
		table.WithFocused(true),
		table.WithWidth(contentWidth),
		table.WithHeight(height-3), // account for border + header border-bottom
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorSubtle).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	// The default keymap binds letters we want free for global shortcuts.
	km := table.DefaultKeyMap()
	km.PageDown = key.NewBinding(key.WithKeys("pgdown"))
	km.PageUp = key.NewBinding(key.WithKeys("pgup"))
	km.HalfPageDown = key.NewBinding(key.WithKeys("ctrl+d"))
	km.HalfPageUp = key.NewBinding(key.WithKeys("ctrl+u"))
	km.GotoTop = key.NewBinding(key.WithKeys("home"))
	km.GotoBottom = key.NewBinding(key.WithKeys("end"))
	t.KeyMap = km

	rt := runTable{
		table:   t,
		entries: entries,
		index:   index,
		width:   contentWidth,
		height:  height,
	}
	rt.resizeColumns()
	rt.refresh(time.Now())
	return rt
}

func (r *runTable) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	r.table, cmd = r.table.Update(msg)
	return cmd
}

func (r *runTable) View() string {
	return r.table.View()
}

// Apply records a stage change and rebuilds the rows.
func (r *runTable) Apply(ev deploy.Event) {
	i, ok := r.index[ev.Target]
	if !ok {
		return
	}
	e := &r.entries[i]
	e.Stage = ev.Stage
	e.Detail = ev.Detail
	if e.Started.IsZero() && ev.Stage != deploy.StagePending {
		e.Started = ev.Time
	}
	if ev.Stage.Terminal() {
		e.Finished = ev.Time
	}
	r.refresh(time.Now())
}

// Refresh re-renders the rows so in-flight elapsed times advance.
func (r *runTable) Refresh(now time.Time) {
	r.refresh(now)
}

func (r *runTable) refresh(now time.Time) {
	rows := make([]table.Row, len(r.entries))
	for i, e := range r.entries {
		rows[i] = table.Row{
			e.Name,
			string(e.Stage),
			e.elapsed(now),
			truncate(e.Detail, r.detailW),
		}
	}
	r.table.SetRows(rows)
}

// Counts returns how many targets have finished, and of those how many
// ended healthy versus failed.
func (r *runTable) Counts() (done, healthy, failed int) {
	for _, e := range r.entries {
		if !e.Stage.Terminal() {
			continue
		}
		done++
		if e.Stage.Success() {
			healthy++
		} else {
			failed++
		}
	}
	return done, healthy, failed
}

func (r *runTable) Resize(width, height int) {
	r.width = width - 2
	r.height = height
	r.table.SetWidth(r.width)
	r.table.SetHeight(height - 3)
	r.resizeColumns()
	r.refresh(time.Now())
}

func (r *runTable) resizeColumns() {
	// Available width for column content (subtract cell padding: 1 left +
	// 1 right per column × 4 cols).
	w := r.width - 8
	if w < 40 {
		w = 40
	}

	stageW := 16
	timeW := 7
	remaining := w - stageW - timeW
	if remaining < 16 {
		remaining = 16
	}
	targetW := remaining * 40 / 100
	detailW := remaining - targetW
	if targetW < 8 {
		targetW = 8
	}
	if detailW < 8 {
		detailW = 8
	}
	r.detailW = detailW

	r.table.SetColumns([]table.Column{
		{Title: "Target", Width: targetW},
		{Title: "Stage", Width: stageW},
		{Title: "Time", Width: timeW},
		{Title: "Detail", Width: detailW},
	})
}

func (e *targetEntry) elapsed(now time.Time) string {
	if e.Started.IsZero() {
		return ""
	}
	end := now
	if !e.Finished.IsZero() {
		end = e.Finished
	}
	return formatDuration(end.Sub(e.Started))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < 0:
		return ""
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return s[:max-1] + "…"
}
