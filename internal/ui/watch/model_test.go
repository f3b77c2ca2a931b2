package watch

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/chatmrpt/convoy/internal/deploy"
)

func newTestModel(t *testing.T, targets ...string) Model {
	t.Helper()
	m := New(Config{
		Targets:     targets,
		Environment: "staging",
		Service:     "chatmrpt",
		RunID:       "0f5a1c2d-4b6e-4f70-9a81-2c3d4e5f6071",
	})
	sized, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return sized.(Model)
}

func event(target string, stage deploy.Stage, detail string) EventMsg {
	return EventMsg{Target: target, Stage: stage, Detail: detail, Time: time.Now()}
}

func TestModelTracksTargetProgress(t *testing.T) {
	m := newTestModel(t, "web-1", "web-2")

	steps := []deploy.Stage{
		deploy.StageTransferring,
		deploy.StageTransferred,
		deploy.StageRestarting,
		deploy.StageRestarted,
		deploy.StageVerifyingHealth,
		deploy.StageHealthy,
	}
	for _, s := range steps {
		updated, _ := m.Update(event("web-1", s, ""))
		m = updated.(Model)
	}

	done, healthy, failed := m.table.Counts()
	if done != 1 || healthy != 1 || failed != 0 {
		t.Fatalf("counts = %d done, %d healthy, %d failed; want 1, 1, 0", done, healthy, failed)
	}

	view := m.View()
	if !strings.Contains(view.Content, "web-1") {
		t.Errorf("expected view to list web-1, got:\n%s", view.Content)
	}
	if !strings.Contains(view.Content, "healthy") {
		t.Errorf("expected view to show healthy stage, got:\n%s", view.Content)
	}
	if !strings.Contains(view.Content, "pending") {
		t.Errorf("expected untouched web-2 to stay pending, got:\n%s", view.Content)
	}
	if !strings.Contains(view.Content, "1/2 done") {
		t.Errorf("expected status bar progress, got:\n%s", view.Content)
	}
}

func TestModelFailureCounts(t *testing.T) {
	m := newTestModel(t, "web-1", "web-2")

	updated, _ := m.Update(event("web-1", deploy.StageTransferring, ""))
	m = updated.(Model)
	updated, _ = m.Update(event("web-1", deploy.StageTransferFailed, "app.py: connection refused"))
	m = updated.(Model)

	done, healthy, failed := m.table.Counts()
	if done != 1 || healthy != 0 || failed != 1 {
		t.Fatalf("counts = %d done, %d healthy, %d failed; want 1, 0, 1", done, healthy, failed)
	}

	view := m.View()
	if !strings.Contains(view.Content, "transfer-failed") {
		t.Errorf("expected failed stage in view, got:\n%s", view.Content)
	}
	if !strings.Contains(view.Content, "1 failed") {
		t.Errorf("expected failure count in status bar, got:\n%s", view.Content)
	}
}

func TestModelQuitsOnDone(t *testing.T) {
	m := newTestModel(t, "web-1")

	updated, cmd := m.Update(DoneMsg{})
	m = updated.(Model)

	if !m.done {
		t.Fatal("expected done after DoneMsg")
	}
	if cmd == nil {
		t.Fatal("expected a quit command after DoneMsg")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected QuitMsg, got %T", cmd())
	}
}

func TestModelCancelThenForceQuit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(Config{
		Targets:     []string{"web-1"},
		Environment: "staging",
		Service:     "chatmrpt",
		RunID:       "run-1",
		Cancel:      cancel,
	})
	sized, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m = sized.(Model)

	press := tea.KeyPressMsg{Code: 'q'}

	// First press cancels the run but keeps the view alive.
	updated, cmd := m.Update(press)
	m = updated.(Model)
	if !m.cancelling {
		t.Fatal("expected cancelling after first q")
	}
	if ctx.Err() == nil {
		t.Fatal("expected run context to be cancelled")
	}
	if cmd != nil {
		t.Fatalf("expected no command on first q, got %T", cmd())
	}
	if !strings.Contains(m.View().Content, "cancelling") {
		t.Error("expected status bar to show cancelling")
	}

	// Second press force-quits.
	_, cmd = m.Update(press)
	if cmd == nil {
		t.Fatal("expected quit command on second q")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected QuitMsg, got %T", cmd())
	}
}

func TestModelTickKeepsClocksMoving(t *testing.T) {
	m := newTestModel(t, "web-1")

	updated, _ := m.Update(event("web-1", deploy.StageTransferring, ""))
	m = updated.(Model)

	updated, cmd := m.Update(tickMsg(time.Now()))
	m = updated.(Model)
	if cmd == nil {
		t.Fatal("expected tick to rearm while running")
	}

	m.done = true
	_, cmd = m.Update(tickMsg(time.Now()))
	if cmd != nil {
		t.Fatal("expected tick loop to stop once done")
	}
}

func TestApplyIgnoresUnknownTarget(t *testing.T) {
	rt := newRunTable([]string{"web-1"}, 80, 20)
	rt.Apply(deploy.Event{Target: "ghost", Stage: deploy.StageHealthy, Time: time.Now()})

	done, _, _ := rt.Counts()
	if done != 0 {
		t.Fatalf("unknown target should not change counts, got %d done", done)
	}
}

func TestEntryElapsed(t *testing.T) {
	now := time.Now()

	e := targetEntry{}
	if got := e.elapsed(now); got != "" {
		t.Errorf("unstarted entry elapsed = %q, want empty", got)
	}

	e = targetEntry{Started: now.Add(-2 * time.Second)}
	if got := e.elapsed(now); got != "2.0s" {
		t.Errorf("running entry elapsed = %q, want 2.0s", got)
	}

	e = targetEntry{Started: now.Add(-10 * time.Second), Finished: now.Add(-7 * time.Second)}
	if got := e.elapsed(now); got != "3.0s" {
		t.Errorf("finished entry elapsed = %q, want 3.0s", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
		{61 * time.Second, "1m01s"},
	}
	for _, tc := range tests {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		s    string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"a longer detail string", 10, "a longer …"},
		{"x", 0, "x"},
	}
	for _, tc := range tests {
		if got := truncate(tc.s, tc.max); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.s, tc.max, got, tc.want)
		}
	}
}
