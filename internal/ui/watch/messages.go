package watch

import (
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/chatmrpt/convoy/internal/deploy"
)

// EventMsg carries a stage change from the deployment into the model. The
// run loop delivers these with Program.Send from worker goroutines.
type EventMsg deploy.Event

// DoneMsg signals that the deployment run has returned.
type DoneMsg struct{}

// tickMsg refreshes the elapsed-time column while targets are in flight.
type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
