// Package report defines the per-cycle RunReport and the sinks it is
// emitted to.
package report

import (
	"strings"
	"time"
)

// Status is the overall outcome of a cycle.
type Status int

const (
	// StatusSuccess means every completed worker passed every test.
	StatusSuccess Status = iota

	// StatusFailure means at least one test failed or errored.
	StatusFailure

	// StatusError means no worker completed the cycle.
	StatusError
)

// Exit codes for single-run mode.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitError   = 2
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ExitCode maps the status to a process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess:
		return ExitSuccess
	case StatusFailure:
		return ExitFailure
	default:
		return ExitError
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome is the result of a single test.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// TestResult is one test reported by a worker.
type TestResult struct {
	File     string        `json:"file"`
	Suite    string        `json:"suite,omitempty"`
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Messages []string      `json:"messages,omitempty"`
}

// Key identifies a test across cycles.
func (r TestResult) Key() string {
	return r.File + "\x00" + r.Suite + "\x00" + r.Name
}

// DisplayName joins file, suite and test name for humans.
func (r TestResult) DisplayName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.File, r.Suite, r.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " > ")
}

// ErrorKind classifies errors recorded in a report.
type ErrorKind string

const (
	ErrorLaunch         ErrorKind = "launch_error"
	ErrorCaptureTimeout ErrorKind = "capture_timeout"
	ErrorIdleTimeout    ErrorKind = "idle_timeout"
	ErrorNoActivity     ErrorKind = "no_activity"
	ErrorDisconnected   ErrorKind = "disconnected"
	ErrorNoWorkers      ErrorKind = "no_workers"
	ErrorTest           ErrorKind = "test_error"
	ErrorCancelled      ErrorKind = "cancelled"
)

// ErrorEntry is an error attached to a worker or to the whole cycle.
type ErrorEntry struct {
	Kind     ErrorKind `json:"kind"`
	Worker   string    `json:"worker,omitempty"`
	Message  string    `json:"message"`
	Location string    `json:"location,omitempty"`
}

// WorkerResult holds everything one worker reported during a cycle.
type WorkerResult struct {
	WorkerID  string        `json:"worker_id"`
	Name      string        `json:"name"`
	UserAgent string        `json:"user_agent,omitempty"`
	Seq       int           `json:"seq"`
	Tests     []TestResult  `json:"tests"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Errors    []ErrorEntry  `json:"errors,omitempty"`
	Completed bool          `json:"completed"`
	Pending   []string      `json:"pending,omitempty"` // Included files with no result
	Duration  time.Duration `json:"duration"`
}

// Tally recomputes the pass/fail/skip counters from Tests.
func (w *WorkerResult) Tally() {
	w.Passed, w.Failed, w.Skipped = 0, 0, 0
	for _, t := range w.Tests {
		switch t.Outcome {
		case OutcomePassed:
			w.Passed++
		case OutcomeFailed:
			w.Failed++
		case OutcomeSkipped:
			w.Skipped++
		}
	}
}

// HasTestErrors reports whether the worker recorded a test-level error.
func (w *WorkerResult) HasTestErrors() bool {
	for _, e := range w.Errors {
		if e.Kind == ErrorTest {
			return true
		}
	}
	return false
}

// Totals aggregates counts across workers.
type Totals struct {
	Workers   int `json:"workers"`
	Completed int `json:"completed"`
	Tests     int `json:"tests"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// RunReport is the immutable outcome of one cycle.
type RunReport struct {
	ID         string         `json:"id"`
	Suite      string         `json:"suite"`
	Cycle      int            `json:"cycle"`
	Trigger    []string       `json:"trigger,omitempty"` // changed paths, empty for the initial cycle
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Workers    []WorkerResult `json:"workers"`
	Errors     []ErrorEntry   `json:"errors,omitempty"` // cycle-level and launch errors
	Totals     Totals         `json:"totals"`
	Status     Status         `json:"status"`
	Message    string         `json:"message,omitempty"`
}

// Duration returns the wall-clock time of the cycle.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ComputeTotals sums worker counters into Totals.
func (r *RunReport) ComputeTotals() {
	t := Totals{Workers: len(r.Workers), Errors: len(r.Errors)}
	for i := range r.Workers {
		w := &r.Workers[i]
		if w.Completed {
			t.Completed++
		}
		t.Tests += len(w.Tests)
		t.Passed += w.Passed
		t.Failed += w.Failed
		t.Skipped += w.Skipped
		t.Errors += len(w.Errors)
	}
	r.Totals = t
}

// Failures returns every failed test with the worker that ran it, in report
// order.
func (r *RunReport) Failures() []Failure {
	var out []Failure
	for _, w := range r.Workers {
		for _, t := range w.Tests {
			if t.Outcome == OutcomeFailed {
				out = append(out, Failure{Worker: w.Name, Test: t})
			}
		}
	}
	return out
}

// Failure pairs a failed test with its worker name.
type Failure struct {
	Worker string
	Test   TestResult
}
