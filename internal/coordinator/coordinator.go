// Package coordinator drives one execute-and-collect cycle across the
// available workers and turns what they report into a RunReport.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-test-swarm/internal/logging"
	"github.com/randomizedcoder/go-test-swarm/internal/manifest"
	"github.com/randomizedcoder/go-test-swarm/internal/report"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// ErrNoWorkers is returned when a cycle starts with no available worker.
var ErrNoWorkers = errors.New("no workers ready")

// Callbacks observe cycles. Every field is optional.
type Callbacks struct {
	OnCycleStart    func(cycle int, workers int)
	OnResult        func(w *worker.Worker, r report.TestResult)
	OnCycleComplete func(r *report.RunReport)
}

// Config configures a Coordinator.
type Config struct {
	// BaseURL is the manifest server address handed to workers.
	BaseURL string

	// NoActivityTimeout bounds the silence between two messages from one
	// worker during a cycle.
	NoActivityTimeout time.Duration

	Suite     string
	Sink      report.Sink
	Logger    *slog.Logger
	Callbacks Callbacks
}

// Coordinator runs cycles. Cycles must not overlap; the caller serializes
// them.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cycle   int
	pending []report.ErrorEntry
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.NoActivityTimeout <= 0 {
		cfg.NoActivityTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Coordinator{cfg: cfg, logger: cfg.Logger}
}

// SetBaseURL changes the address handed to workers.
func (c *Coordinator) SetBaseURL(u string) {
	c.mu.Lock()
	c.cfg.BaseURL = u
	c.mu.Unlock()
}

// RecordLaunchError queues a launch failure; it is reported in the next
// cycle's report.
func (c *Coordinator) RecordLaunchError(workerName string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, report.ErrorEntry{
		Kind:    ErrorKind(err),
		Worker:  workerName,
		Message: err.Error(),
	})
	c.mu.Unlock()
}

// Cycles returns how many cycles have started.
func (c *Coordinator) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycle
}

// RunCycle asks every available worker in the snapshot to execute the
// Included files of m and collects their results. The report is emitted to
// the sink before RunCycle returns. The returned error is ErrNoWorkers when
// nobody could run, the context error if the cycle was cancelled, or a sink
// failure; the report is never nil.
func (c *Coordinator) RunCycle(ctx context.Context, workers []*worker.Worker, m *manifest.Manifest, trigger ...string) (*report.RunReport, error) {
	c.mu.Lock()
	c.cycle++
	cycle := c.cycle
	launchErrs := c.pending
	c.pending = nil
	baseURL := c.cfg.BaseURL
	c.mu.Unlock()

	r := &report.RunReport{
		ID:        uuid.NewString(),
		Suite:     c.cfg.Suite,
		Cycle:     cycle,
		Trigger:   trigger,
		StartedAt: time.Now(),
	}

	var available []*worker.Worker
	for _, w := range workers {
		if w.State().IsAvailable() {
			available = append(available, w)
		} else {
			c.logger.Debug("worker_skipped", "worker_id", w.ID(), "state", w.State())
		}
	}
	sort.SliceStable(available, func(i, j int) bool { return available[i].Seq() < available[j].Seq() })

	if c.cfg.Callbacks.OnCycleStart != nil {
		c.cfg.Callbacks.OnCycleStart(cycle, len(available))
	}

	if len(available) == 0 {
		r.FinishedAt = time.Now()
		r.Status = report.StatusError
		r.Errors = []report.ErrorEntry{{Kind: report.ErrorNoWorkers, Message: ErrNoWorkers.Error()}}
		r.Message = noWorkersMessage(launchErrs)
		r.ComputeTotals()
		c.logger.Warn("cycle_no_workers", "cycle", cycle, "launch_errors", len(launchErrs))
		return r, errors.Join(ErrNoWorkers, c.finish(r))
	}

	files := m.IncludedURLs()
	c.logger.Info("cycle_started",
		"cycle", cycle,
		"run_id", r.ID,
		"workers", len(available),
		"files", len(files),
		"trigger", len(trigger),
	)

	results := make([]report.WorkerResult, len(available))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range available {
		g.Go(func() error {
			results[i] = c.collect(gctx, w, r.ID, baseURL, files)
			return nil
		})
	}
	_ = g.Wait()

	r.Workers = results
	r.Errors = launchErrs
	r.FinishedAt = time.Now()
	r.ComputeTotals()
	r.Status = Status(r)
	if ctx.Err() != nil {
		r.Message = "cycle cancelled"
	}

	c.logger.Info("cycle_complete",
		"cycle", cycle,
		"run_id", r.ID,
		"status", r.Status,
		"tests", r.Totals.Tests,
		"passed", r.Totals.Passed,
		"failed", r.Totals.Failed,
		"errors", r.Totals.Errors,
		"completed", fmt.Sprintf("%d/%d", r.Totals.Completed, r.Totals.Workers),
		"duration", r.Duration(),
	)

	err := c.finish(r)
	if ctx.Err() != nil {
		err = errors.Join(ctx.Err(), err)
	}
	return r, err
}

func (c *Coordinator) finish(r *report.RunReport) error {
	if c.cfg.Callbacks.OnCycleComplete != nil {
		c.cfg.Callbacks.OnCycleComplete(r)
	}
	if c.cfg.Sink == nil {
		return nil
	}
	if err := c.cfg.Sink.Emit(r); err != nil {
		c.logger.Error("report_emit_failed", "cycle", r.Cycle, "error", err)
		return fmt.Errorf("emit report: %w", err)
	}
	return nil
}

// collect runs the cycle on one worker. It returns when the worker sends
// complete, is lost, stays silent for NoActivityTimeout, or ctx is done.
// Results received before any of those are kept.
func (c *Coordinator) collect(ctx context.Context, w *worker.Worker, runID, baseURL string, files []string) report.WorkerResult {
	start := time.Now()
	res := report.WorkerResult{
		WorkerID:  w.ID(),
		Name:      w.Name(),
		Seq:       w.Seq(),
		UserAgent: w.Info().UserAgent,
	}
	addErr := func(kind report.ErrorKind, msg, location string) {
		res.Errors = append(res.Errors, report.ErrorEntry{Kind: kind, Worker: w.Name(), Message: msg, Location: location})
	}

	run, err := w.Execute(runID, baseURL, files)
	if err != nil {
		c.logger.Warn("worker_execute_failed", "worker_id", w.ID(), "error", err)
		addErr(ErrorKind(err), err.Error(), "")
		res.Pending = append([]string(nil), files...)
		res.Duration = time.Since(start)
		return res
	}
	defer w.Finish(run)

	timeout := c.cfg.NoActivityTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	handle := func(msg worker.Message) {
		switch msg.Type {
		case worker.MsgResult:
			if msg.Result == nil {
				return
			}
			res.Tests = append(res.Tests, *msg.Result)
			if c.cfg.Callbacks.OnResult != nil {
				c.cfg.Callbacks.OnResult(w, *msg.Result)
			}
		case worker.MsgError:
			addErr(report.ErrorTest, msg.Message, msg.File)
		case worker.MsgLog:
			c.logger.Debug("worker_log", "worker_id", w.ID(), "message", msg.Message)
		case worker.MsgComplete:
			res.Completed = true
		}
	}

loop:
	for {
		select {
		case msg := <-run.Events():
			timer.Reset(timeout)
			handle(msg)
			if res.Completed {
				break loop
			}

		case <-run.Done():
			// The worker was lost; keep whatever was already queued.
			for drained := false; !drained && !res.Completed; {
				select {
				case msg := <-run.Events():
					handle(msg)
				default:
					drained = true
				}
			}
			if !res.Completed {
				cause := w.Err()
				if cause == nil {
					cause = worker.ErrDisconnected
				}
				c.logger.Warn("worker_lost_mid_cycle", "worker_id", w.ID(), "error", cause)
				addErr(ErrorKind(cause), cause.Error(), "")
			}
			break loop

		case <-timer.C:
			err := fmt.Errorf("%w for %s", worker.ErrNoActivity, timeout)
			c.logger.Warn("worker_no_activity", "worker_id", w.ID(), "timeout", timeout)
			addErr(report.ErrorNoActivity, err.Error(), "")
			w.Terminate(worker.StateDisconnected, err)
			break loop

		case <-ctx.Done():
			addErr(report.ErrorCancelled, "cycle cancelled", "")
			break loop
		}
	}

	sortByFile(res.Tests, files)
	if !res.Completed {
		res.Pending = pending(files, res)
	}
	res.Tally()
	res.Duration = time.Since(start)
	return res
}

// sortByFile orders tests by the position of their file in the Included
// list, keeping arrival order within a file.
func sortByFile(tests []report.TestResult, files []string) {
	index := make(map[string]int, len(files))
	for i, f := range files {
		index[f] = i
	}
	pos := func(f string) int {
		if i, ok := index[f]; ok {
			return i
		}
		return len(files)
	}
	sort.SliceStable(tests, func(i, j int) bool { return pos(tests[i].File) < pos(tests[j].File) })
}

// pending lists files for which nothing was reported.
func pending(files []string, res report.WorkerResult) []string {
	seen := make(map[string]bool)
	for _, t := range res.Tests {
		seen[t.File] = true
	}
	for _, e := range res.Errors {
		if e.Location != "" {
			seen[e.Location] = true
		}
	}
	var out []string
	for _, f := range files {
		if !seen[f] {
			out = append(out, f)
		}
	}
	return out
}

// Status derives the overall status: any failed test or test error is a
// Failure, otherwise a cycle in which no worker completed is an Error.
func Status(r *report.RunReport) report.Status {
	for i := range r.Workers {
		w := &r.Workers[i]
		if w.Failed > 0 || w.HasTestErrors() {
			return report.StatusFailure
		}
	}
	if r.Totals.Completed == 0 {
		return report.StatusError
	}
	return report.StatusSuccess
}

// ErrorKind classifies a worker error for the report.
func ErrorKind(err error) report.ErrorKind {
	var launchErr *worker.LaunchError
	var captureErr *worker.CaptureTimeoutError
	switch {
	case errors.As(err, &captureErr):
		return report.ErrorCaptureTimeout
	case errors.As(err, &launchErr):
		return report.ErrorLaunch
	case errors.Is(err, worker.ErrIdleTimeout):
		return report.ErrorIdleTimeout
	case errors.Is(err, worker.ErrNoActivity):
		return report.ErrorNoActivity
	case errors.Is(err, context.Canceled), errors.Is(err, worker.ErrStopped):
		return report.ErrorCancelled
	default:
		return report.ErrorDisconnected
	}
}

func noWorkersMessage(launchErrs []report.ErrorEntry) string {
	if len(launchErrs) == 0 {
		return "no workers ready"
	}
	msgs := make([]string, len(launchErrs))
	for i, e := range launchErrs {
		msgs[i] = e.Message
	}
	return "no workers ready: " + strings.Join(msgs, "; ")
}
