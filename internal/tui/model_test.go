package tui

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-test-swarm/internal/report"
	"github.com/randomizedcoder/go-test-swarm/internal/stats"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// =============================================================================
// Mock StatusSource
// =============================================================================

type mockSource struct {
	status Status
	calls  int
}

func (m *mockSource) Status() Status {
	m.calls++
	return m.status
}

func sampleStatus() Status {
	start := time.Now().Add(-2 * time.Second)
	r := &report.RunReport{
		Cycle:      3,
		Trigger:    []string{"/src/a.js", "/src/b.js", "/src/c.js", "/src/d.js"},
		StartedAt:  start,
		FinishedAt: start.Add(1200 * time.Millisecond),
		Status:     report.StatusFailure,
		Workers: []report.WorkerResult{
			{
				Name:      "ChromeHeadless",
				Completed: true,
				Tests: []report.TestResult{
					{File: "/base/t1.js", Name: "adds", Outcome: report.OutcomePassed},
					{File: "/base/t2.js", Name: "divides", Outcome: report.OutcomeFailed, Messages: []string{"expected 2\nat t2.js:4"}},
				},
			},
			{
				Name:   "Node",
				Errors: []report.ErrorEntry{{Kind: report.ErrorNoActivity, Worker: "Node", Message: "no activity for 10s"}},
			},
		},
	}
	for i := range r.Workers {
		r.Workers[i].Tally()
	}
	r.ComputeTotals()

	return Status{
		State:   "watching",
		Pending: 2,
		Workers: []worker.Info{
			{Name: "ChromeHeadless", Kind: worker.KindChrome, State: worker.StateIdle, Cycles: 3, LastActivity: time.Now()},
			{Name: "Node", Kind: worker.KindProcess, State: worker.StateStarting},
		},
		Last: r,
		Regression: report.Regression{
			NewlyFailing: []report.Change{{Worker: "ChromeHeadless", Test: "/base/t2.js > divides"}},
		},
		Session: stats.Snapshot{
			Cycles:   3,
			ByStatus: map[report.Status]int{report.StatusSuccess: 2, report.StatusFailure: 1},
			Workers:  []stats.WorkerStats{{Name: "ChromeHeadless", Cycles: 3, Completed: 3, Passed: 5, Failed: 1}},
		},
	}
}

func keyMsg(key string) tea.KeyMsg {
	switch key {
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
}

// =============================================================================
// Tests: New
// =============================================================================

func TestNew(t *testing.T) {
	model := New(Config{Mode: "default", Workers: 2, MetricsAddr: "localhost:9100"})

	if model.workers != 2 {
		t.Errorf("workers = %d, want 2", model.workers)
	}
	if model.refresh != 500*time.Millisecond {
		t.Errorf("refresh = %v, want 500ms", model.refresh)
	}
	if model.width != 80 || model.height != 24 {
		t.Errorf("size = %dx%d, want 80x24", model.width, model.height)
	}
	if model.Init() == nil {
		t.Error("Init() returned nil cmd")
	}
}

// =============================================================================
// Tests: Update - Key Messages
// =============================================================================

func TestModel_Update_QuitKeys(t *testing.T) {
	tests := []struct {
		key      string
		wantQuit bool
	}{
		{"q", true},
		{"ctrl+c", true},
		{"esc", true},
		{"d", false},
		{"x", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			newModel, cmd := New(Config{}).Update(keyMsg(tt.key))
			m := newModel.(Model)

			if m.quitting != tt.wantQuit {
				t.Errorf("quitting = %v, want %v", m.quitting, tt.wantQuit)
			}
			if tt.wantQuit && cmd == nil {
				t.Error("expected tea.Quit cmd")
			}
			if tt.wantQuit && m.View() != "" {
				t.Error("View() after quit should be empty")
			}
		})
	}
}

func TestModel_Update_Rerun(t *testing.T) {
	var calls atomic.Int32
	model := New(Config{OnRerun: func() { calls.Add(1) }})

	_, cmd := model.Update(keyMsg("r"))
	if cmd == nil {
		t.Fatal("r returned nil cmd")
	}
	if calls.Load() != 0 {
		t.Error("OnRerun called inside Update")
	}

	msg := cmd()
	if calls.Load() != 1 {
		t.Errorf("OnRerun calls = %d, want 1", calls.Load())
	}
	rm, ok := msg.(rerunMsg)
	if !ok {
		t.Fatalf("cmd returned %T, want rerunMsg", msg)
	}

	newModel, _ := model.Update(rm)
	if newModel.(Model).lastRerun.IsZero() {
		t.Error("lastRerun not recorded")
	}
}

func TestModel_Update_RerunWithoutHandler(t *testing.T) {
	if _, cmd := New(Config{}).Update(keyMsg("r")); cmd != nil {
		t.Error("r without OnRerun should return nil cmd")
	}
}

func TestModel_Update_ToggleDetailedView(t *testing.T) {
	model := New(Config{})
	newModel, _ := model.Update(keyMsg("d"))
	m := newModel.(Model)
	if !m.detailedView {
		t.Fatal("detailedView should be true after d")
	}
	newModel, _ = m.Update(keyMsg("d"))
	if newModel.(Model).detailedView {
		t.Error("detailedView should be false after second d")
	}
}

// =============================================================================
// Tests: Update - Data Messages
// =============================================================================

func TestModel_Update_TickPullsStatus(t *testing.T) {
	src := &mockSource{status: sampleStatus()}
	model := New(Config{StatusSource: src})

	newModel, cmd := model.Update(TickMsg(time.Now()))
	m := newModel.(Model)

	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}
	if !m.hasStatus || m.status.State != "watching" {
		t.Errorf("status not applied: %+v", m.status.State)
	}
	if cmd == nil {
		t.Error("tick should schedule the next tick")
	}
}

func TestModel_Update_StatusMsg(t *testing.T) {
	newModel, cmd := New(Config{}).Update(StatusMsg{Status: sampleStatus()})
	m := newModel.(Model)

	if m.status.Last == nil || m.status.Last.Cycle != 3 {
		t.Error("StatusMsg not applied")
	}
	if cmd != nil {
		t.Error("StatusMsg should not return a cmd")
	}
}

func TestModel_Update_WindowSize(t *testing.T) {
	newModel, _ := New(Config{}).Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m := newModel.(Model)
	if m.width != 120 || m.height != 40 {
		t.Errorf("size = %dx%d, want 120x40", m.width, m.height)
	}
}

func TestModel_Update_QuitMsg(t *testing.T) {
	newModel, cmd := New(Config{}).Update(QuitMsg{})
	if !newModel.(Model).quitting || cmd == nil {
		t.Error("QuitMsg should quit")
	}
}

// =============================================================================
// Tests: Accessors
// =============================================================================

func TestModel_Accessors(t *testing.T) {
	m := New(Config{})
	if m.PassRate() != 0 || m.AvailableWorkers() != 0 {
		t.Error("empty model should report zero")
	}

	m.status = sampleStatus()
	if got := m.AvailableWorkers(); got != 1 {
		t.Errorf("AvailableWorkers() = %d, want 1", got)
	}
	if got := m.PassRate(); got != 0.5 {
		t.Errorf("PassRate() = %v, want 0.5", got)
	}
}

// =============================================================================
// Tests: View
// =============================================================================

func TestModel_View_Empty(t *testing.T) {
	out := New(Config{Mode: "default", Workers: 2}).View()
	for _, want := range []string{"go-test-swarm", "No live workers", "q: quit", "r: rerun"} {
		if !strings.Contains(out, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestModel_View_Summary(t *testing.T) {
	m := New(Config{Mode: "default", Workers: 2, ServerURL: "http://127.0.0.1:9876", MetricsAddr: ":9100"})
	m.width = 140
	newModel, _ := m.Update(StatusMsg{Status: sampleStatus()})
	out := newModel.(Model).View()

	for _, want := range []string{
		"watching",
		"Workers: 1/2",
		"ChromeHeadless",
		"starting",
		"Pending changes",
		"Cycle 3",
		"FAILURE",
		"1 passed",
		"1 failed",
		"(+1 more)",
		"divides",
		"expected 2",
		"no_activity",
		"newly failing",
		"Session",
		"metrics :9100",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("View() missing %q", want)
		}
	}
	if strings.Contains(out, "at t2.js:4") {
		t.Error("View() should only show the first message line")
	}
}

func TestModel_View_Detailed(t *testing.T) {
	m := New(Config{})
	m.width = 120
	newModel, _ := m.Update(StatusMsg{Status: sampleStatus()})
	newModel, _ = newModel.Update(keyMsg("d"))
	out := newModel.View()

	if !strings.Contains(out, "Per-Worker Totals") {
		t.Error("detailed view missing per-worker table")
	}
	if strings.Contains(out, "Failures") {
		t.Error("detailed view should not show failures")
	}
}

func TestModel_View_DegradedWatcher(t *testing.T) {
	m := New(Config{})
	m.status.WatcherDegraded = true
	if !strings.Contains(m.View(), "polling (degraded)") {
		t.Error("View() should flag degraded watcher")
	}
}

// =============================================================================
// Tests: Formatting Helpers
// =============================================================================

func TestSinceLabel(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "-"},
		{"now", now.Add(-100 * time.Millisecond), "now"},
		{"seconds", now.Add(-5 * time.Second), "5s ago"},
		{"minutes", now.Add(-3 * time.Minute), "3m ago"},
		{"hours", now.Add(-2 * time.Hour), "02:00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sinceLabel(now, tt.t); got != tt.want {
				t.Errorf("sinceLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTriggerLabel(t *testing.T) {
	if got := triggerLabel([]string{"a", "b"}); got != "a, b" {
		t.Errorf("triggerLabel(2) = %q", got)
	}
	if got := triggerLabel([]string{"a", "b", "c", "d", "e"}); got != "a, b, c (+2 more)" {
		t.Errorf("triggerLabel(5) = %q", got)
	}
}
