// Package watch renders live per-target progress for a deployment run as a
// full-screen terminal table.
package watch

import (
	"context"
	"time"

	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/chatmrpt/convoy/internal/deploy"
)

// Config holds the parameters needed to create a watch Model.
type Config struct {
	Targets     []string
	Environment string
	Service     string
	RunID       string

	// Cancel stops the deployment when the user quits mid-run. The model
	// keeps running until DoneMsg arrives so the final stages still render.
	Cancel context.CancelFunc
}

// Model is the root Bubble Tea model for deploy --watch.
type Model struct {
	env     string
	service string
	runID   string
	cancel  context.CancelFunc

	table      runTable
	done       bool
	cancelling bool

	width  int
	height int
}

// New creates a watch Model covering the given targets.
func New(cfg Config) Model {
	return Model{
		env:     cfg.Environment,
		service: cfg.Service,
		runID:   cfg.RunID,
		cancel:  cfg.Cancel,
		table:   newRunTable(cfg.Targets, 80, 24),
	}
}

// Init starts the elapsed-time refresh loop.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles all messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyPressMsg:
		return m.handleKey(msg)

	case EventMsg:
		m.table.Apply(deploy.Event(msg))
		return m, nil

	case DoneMsg:
		m.done = true
		return m, tea.Quit

	case tickMsg:
		m.table.Refresh(time.Time(msg))
		if m.done {
			return m, nil
		}
		return m, tickCmd()
	}

	cmd := m.table.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc", "ctrl+c":
		if m.done {
			return m, tea.Quit
		}
		if !m.cancelling && m.cancel != nil {
			// First press cancels the run; the model quits when DoneMsg
			// arrives. A second press force-quits.
			m.cancelling = true
			m.cancel()
			return m, nil
		}
		return m, tea.Quit
	}

	cmd := m.table.Update(msg)
	return m, cmd
}

func (m *Model) resize() {
	statusHeight := 1
	tableHeight := m.height - statusHeight
	if tableHeight < 5 {
		tableHeight = 5
	}
	m.table.Resize(m.width, tableHeight)
}

// View renders the progress table above the status bar.
func (m Model) View() tea.View {
	if m.width == 0 || m.height == 0 {
		return tea.NewView("Loading...")
	}

	statusHeight := 1
	tableHeight := m.height - statusHeight
	if tableHeight < 5 {
		tableHeight = 5
	}

	tableView := paneStyle.Width(m.width).Height(tableHeight).Render(m.table.View())
	content := lipgloss.JoinVertical(lipgloss.Left, tableView, renderStatusBar(&m))

	v := tea.NewView(content)
	v.AltScreen = true
	return v
}
