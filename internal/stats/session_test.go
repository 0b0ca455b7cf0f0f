package stats

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/report"
)

// cycleReport builds a one-worker report whose single test has outcome.
func cycleReport(status report.Status, d time.Duration, outcome report.Outcome) *report.RunReport {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := report.WorkerResult{
		Name:      "Chrome",
		Completed: true,
		Tests:     []report.TestResult{{File: "/base/t1.js", Name: "adds", Outcome: outcome}},
	}
	w.Tally()
	r := &report.RunReport{
		StartedAt:  start,
		FinishedAt: start.Add(d),
		Workers:    []report.WorkerResult{w},
		Status:     status,
	}
	r.ComputeTotals()
	return r
}

// =============================================================================
// Tests: Session
// =============================================================================

func TestSession_Empty(t *testing.T) {
	snap := NewSession().Snapshot()
	if snap.Cycles != 0 || snap.HasLast {
		t.Errorf("empty snapshot = %+v", snap)
	}
	if snap.DurationP50 != 0 || snap.DurationAvg != 0 {
		t.Errorf("empty percentiles = %v / %v", snap.DurationP50, snap.DurationAvg)
	}
}

func TestSession_RecordCycle(t *testing.T) {
	s := NewSession()

	reg := s.RecordCycle(cycleReport(report.StatusSuccess, time.Second, report.OutcomePassed))
	if !reg.Empty() {
		t.Errorf("first cycle regression = %+v, want empty", reg)
	}

	reg = s.RecordCycle(cycleReport(report.StatusFailure, 3*time.Second, report.OutcomeFailed))
	if len(reg.NewlyFailing) != 1 {
		t.Errorf("NewlyFailing = %v, want 1 entry", reg.NewlyFailing)
	}

	reg = s.RecordCycle(cycleReport(report.StatusSuccess, 2*time.Second, report.OutcomePassed))
	if len(reg.Fixed) != 1 {
		t.Errorf("Fixed = %v, want 1 entry", reg.Fixed)
	}

	snap := s.Snapshot()
	if snap.Cycles != 3 {
		t.Errorf("Cycles = %d, want 3", snap.Cycles)
	}
	if snap.ByStatus[report.StatusSuccess] != 2 || snap.ByStatus[report.StatusFailure] != 1 {
		t.Errorf("ByStatus = %v", snap.ByStatus)
	}
	if snap.Tests != 3 || snap.Passed != 2 || snap.Failed != 1 {
		t.Errorf("tests = %d/%d/%d, want 3/2/1", snap.Tests, snap.Passed, snap.Failed)
	}
	if snap.Regressions != 1 || snap.Fixed != 1 {
		t.Errorf("regressions/fixed = %d/%d, want 1/1", snap.Regressions, snap.Fixed)
	}
	if snap.DurationMin != time.Second || snap.DurationMax != 3*time.Second {
		t.Errorf("min/max = %v/%v", snap.DurationMin, snap.DurationMax)
	}
	if snap.DurationAvg != 2*time.Second {
		t.Errorf("avg = %v, want 2s", snap.DurationAvg)
	}
	if !snap.HasLast || snap.LastStatus != report.StatusSuccess {
		t.Errorf("last = %v/%v", snap.HasLast, snap.LastStatus)
	}

	if len(snap.Workers) != 1 {
		t.Fatalf("Workers = %d, want 1", len(snap.Workers))
	}
	w := snap.Workers[0]
	if w.Name != "Chrome" || w.Cycles != 3 || w.Completed != 3 || w.Passed != 2 || w.Failed != 1 {
		t.Errorf("worker stats = %+v", w)
	}
}

func TestSession_Percentiles(t *testing.T) {
	s := NewSession()
	for i := 1; i <= 100; i++ {
		s.RecordCycle(cycleReport(report.StatusSuccess, time.Duration(i)*time.Millisecond, report.OutcomePassed))
	}
	snap := s.Snapshot()

	tests := []struct {
		name     string
		got      time.Duration
		min, max time.Duration
	}{
		{"p50", snap.DurationP50, 40 * time.Millisecond, 60 * time.Millisecond},
		{"p95", snap.DurationP95, 85 * time.Millisecond, 100 * time.Millisecond},
		{"p99", snap.DurationP99, 90 * time.Millisecond, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if tt.got < tt.min || tt.got > tt.max {
			t.Errorf("%s = %v, want within [%v, %v]", tt.name, tt.got, tt.min, tt.max)
		}
	}
	if snap.DurationP50 > snap.DurationP95 || snap.DurationP95 > snap.DurationP99 {
		t.Errorf("percentiles not ordered: %v %v %v", snap.DurationP50, snap.DurationP95, snap.DurationP99)
	}
}

func TestSession_SingleCycleClamped(t *testing.T) {
	s := NewSession()
	s.RecordCycle(cycleReport(report.StatusSuccess, 750*time.Millisecond, report.OutcomePassed))
	snap := s.Snapshot()

	for name, d := range map[string]time.Duration{"p50": snap.DurationP50, "p95": snap.DurationP95, "p99": snap.DurationP99} {
		if d != 750*time.Millisecond {
			t.Errorf("%s = %v, want 750ms", name, d)
		}
	}
}

func TestSession_ErrorsAndLifecycle(t *testing.T) {
	s := NewSession()
	r := cycleReport(report.StatusError, time.Second, report.OutcomePassed)
	r.Errors = []report.ErrorEntry{{Kind: report.ErrorLaunch}, {Kind: report.ErrorLaunch}}
	r.Workers[0].Errors = []report.ErrorEntry{{Kind: report.ErrorNoActivity}}
	s.RecordCycle(r)

	s.RecordLaunch(nil)
	s.RecordLaunch(errors.New("boom"))
	s.RecordRelaunch()
	s.RecordTermination("exited")
	s.RecordTermination("exited")

	snap := s.Snapshot()
	if snap.Errors[report.ErrorLaunch] != 2 || snap.Errors[report.ErrorNoActivity] != 1 {
		t.Errorf("Errors = %v", snap.Errors)
	}
	if snap.Workers[0].Errors != 1 {
		t.Errorf("worker errors = %d, want 1", snap.Workers[0].Errors)
	}
	if snap.Launches != 2 || snap.LaunchFailures != 1 || snap.Relaunches != 1 {
		t.Errorf("lifecycle = %d/%d/%d", snap.Launches, snap.LaunchFailures, snap.Relaunches)
	}
	if snap.Terminations["exited"] != 2 {
		t.Errorf("Terminations = %v", snap.Terminations)
	}
}

func TestSession_SnapshotIsCopy(t *testing.T) {
	s := NewSession()
	s.RecordTermination("stopped")
	snap := s.Snapshot()
	snap.Terminations["stopped"] = 99

	if got := s.Snapshot().Terminations["stopped"]; got != 1 {
		t.Errorf("session mutated through snapshot: %d", got)
	}
}

func TestSession_Concurrent(t *testing.T) {
	s := NewSession()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s.RecordCycle(cycleReport(report.StatusSuccess, time.Millisecond, report.OutcomePassed))
				s.RecordLaunch(nil)
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	if snap.Cycles != 400 || snap.Launches != 400 {
		t.Errorf("cycles/launches = %d/%d, want 400/400", snap.Cycles, snap.Launches)
	}
}
