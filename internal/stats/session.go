// Package stats aggregates session-wide statistics for go-test-swarm.
//
// A Session accumulates every cycle of a scheduler run:
// - Cycle counts by status
// - Cycle duration percentiles (T-Digest)
// - Test outcome totals
// - Regressions and fixes between consecutive cycles
// - Per-worker totals keyed by worker name
// - Worker lifecycle (launches, relaunches, terminations)
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-test-swarm/internal/report"
)

// WorkerStats holds per-worker totals across the session. Relaunched
// workers share the entry of their spec name.
type WorkerStats struct {
	Name      string
	Cycles    int // cycles the worker took part in
	Completed int
	Passed    int
	Failed    int
	Skipped   int
	Errors    int
}

// Snapshot is a point-in-time copy of a Session.
type Snapshot struct {
	StartTime time.Time
	Elapsed   time.Duration

	Cycles   int
	ByStatus map[report.Status]int

	// Cycle duration distribution
	DurationMin time.Duration
	DurationMax time.Duration
	DurationAvg time.Duration
	DurationP50 time.Duration
	DurationP95 time.Duration
	DurationP99 time.Duration

	Tests   int
	Passed  int
	Failed  int
	Skipped int
	Errors  map[report.ErrorKind]int

	Regressions int
	Fixed       int

	Launches       int
	LaunchFailures int
	Relaunches     int
	Terminations   map[string]int

	Workers    []WorkerStats // sorted by name
	LastStatus report.Status
	HasLast    bool
}

// Session aggregates statistics across cycles.
//
// Thread-safe: all methods can be called concurrently.
type Session struct {
	mu        sync.Mutex
	startTime time.Time

	cycles    int
	byStatus  map[report.Status]int
	durations *tdigest.TDigest
	minDur    time.Duration
	maxDur    time.Duration
	totalDur  time.Duration

	tests, passed, failed, skipped int
	errors                         map[report.ErrorKind]int

	regressions int
	fixed       int

	launches       int
	launchFailures int
	relaunches     int
	terminations   map[string]int

	workers map[string]*WorkerStats
	last    *report.RunReport
}

// NewSession creates an empty session starting now.
func NewSession() *Session {
	return &Session{
		startTime:    time.Now(),
		byStatus:     make(map[report.Status]int),
		durations:    tdigest.NewWithCompression(100),
		errors:       make(map[report.ErrorKind]int),
		terminations: make(map[string]int),
		workers:      make(map[string]*WorkerStats),
	}
}

// RecordCycle folds a finished report into the session and returns the
// regression against the previous cycle.
func (s *Session) RecordCycle(r *report.RunReport) report.Regression {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg := report.Compare(s.last, r)
	s.last = r
	s.regressions += len(reg.NewlyFailing)
	s.fixed += len(reg.Fixed)

	s.cycles++
	s.byStatus[r.Status]++

	d := r.Duration()
	s.durations.Add(float64(d.Nanoseconds()), 1)
	if s.cycles == 1 || d < s.minDur {
		s.minDur = d
	}
	if d > s.maxDur {
		s.maxDur = d
	}
	s.totalDur += d

	s.tests += r.Totals.Tests
	s.passed += r.Totals.Passed
	s.failed += r.Totals.Failed
	s.skipped += r.Totals.Skipped
	for _, e := range r.Errors {
		s.errors[e.Kind]++
	}

	for _, w := range r.Workers {
		ws, ok := s.workers[w.Name]
		if !ok {
			ws = &WorkerStats{Name: w.Name}
			s.workers[w.Name] = ws
		}
		ws.Cycles++
		if w.Completed {
			ws.Completed++
		}
		ws.Passed += w.Passed
		ws.Failed += w.Failed
		ws.Skipped += w.Skipped
		ws.Errors += len(w.Errors)
		for _, e := range w.Errors {
			s.errors[e.Kind]++
		}
	}
	return reg
}

// RecordLaunch counts one launch attempt.
func (s *Session) RecordLaunch(err error) {
	s.mu.Lock()
	s.launches++
	if err != nil {
		s.launchFailures++
	}
	s.mu.Unlock()
}

// RecordRelaunch counts one scheduled replacement.
func (s *Session) RecordRelaunch() {
	s.mu.Lock()
	s.relaunches++
	s.mu.Unlock()
}

// RecordTermination counts a worker reaching a terminal state.
func (s *Session) RecordTermination(reason string) {
	s.mu.Lock()
	s.terminations[reason]++
	s.mu.Unlock()
}

// Last returns the most recent report, or nil before the first cycle.
func (s *Session) Last() *report.RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Snapshot returns a copy of the current aggregates.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		StartTime:      s.startTime,
		Elapsed:        time.Since(s.startTime),
		Cycles:         s.cycles,
		ByStatus:       make(map[report.Status]int, len(s.byStatus)),
		DurationMin:    s.minDur,
		DurationMax:    s.maxDur,
		Tests:          s.tests,
		Passed:         s.passed,
		Failed:         s.failed,
		Skipped:        s.skipped,
		Errors:         make(map[report.ErrorKind]int, len(s.errors)),
		Regressions:    s.regressions,
		Fixed:          s.fixed,
		Launches:       s.launches,
		LaunchFailures: s.launchFailures,
		Relaunches:     s.relaunches,
		Terminations:   make(map[string]int, len(s.terminations)),
		Workers:        make([]WorkerStats, 0, len(s.workers)),
	}
	for k, v := range s.byStatus {
		snap.ByStatus[k] = v
	}
	for k, v := range s.errors {
		snap.Errors[k] = v
	}
	for k, v := range s.terminations {
		snap.Terminations[k] = v
	}
	for _, w := range s.workers {
		snap.Workers = append(snap.Workers, *w)
	}
	sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].Name < snap.Workers[j].Name })

	if s.cycles > 0 {
		snap.DurationAvg = s.totalDur / time.Duration(s.cycles)
		snap.DurationP50 = s.quantile(0.50)
		snap.DurationP95 = s.quantile(0.95)
		snap.DurationP99 = s.quantile(0.99)
	}
	if s.last != nil {
		snap.LastStatus = s.last.Status
		snap.HasLast = true
	}
	return snap
}

// quantile clamps the digest estimate to the observed range; T-Digest
// interpolates between centroids and may overshoot with few samples.
func (s *Session) quantile(q float64) time.Duration {
	d := time.Duration(s.durations.Quantile(q))
	return min(max(d, s.minDur), s.maxDur)
}
