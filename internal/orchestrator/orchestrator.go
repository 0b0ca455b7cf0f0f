// Package orchestrator wires the file set, the manifest server, the workers
// and the cycle coordinator together, and drives the default (watch) and
// test (single-run) commands.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-test-swarm/internal/config"
	"github.com/randomizedcoder/go-test-swarm/internal/coordinator"
	"github.com/randomizedcoder/go-test-swarm/internal/launcher"
	"github.com/randomizedcoder/go-test-swarm/internal/manifest"
	"github.com/randomizedcoder/go-test-swarm/internal/metrics"
	"github.com/randomizedcoder/go-test-swarm/internal/preflight"
	"github.com/randomizedcoder/go-test-swarm/internal/report"
	"github.com/randomizedcoder/go-test-swarm/internal/stats"
	"github.com/randomizedcoder/go-test-swarm/internal/tui"
	"github.com/randomizedcoder/go-test-swarm/internal/watcher"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// DefaultSuite names the report suite when no reporter sets one.
const DefaultSuite = "go-test-swarm"

// Options carries the dependencies that differ between a real run and a
// test.
type Options struct {
	Version  string
	Output   io.Writer                       // console reports, preflight and summary; default os.Stdout
	Getenv   func(string) string             // default os.Getenv
	Drivers  map[worker.Kind]launcher.Driver // nil = real drivers
	Registry *prometheus.Registry            // nil = fresh registry
}

// Orchestrator coordinates all components for one invocation.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	out    io.Writer
	getenv func(string) string

	drivers       map[worker.Kind]launcher.Driver
	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	session       *stats.Session

	server      *manifest.Server
	launcher    *launcher.Launcher
	coordinator *coordinator.Coordinator
	watcher     *watcher.Watcher
	loop        *Loop
	program     *tea.Program

	rerun chan struct{}
	specs []worker.Spec

	mu         sync.Mutex
	regression report.Regression

	startTime time.Time
}

// New creates a new Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	mode := config.CommandDefault
	if cfg.SingleRun() {
		mode = config.CommandTest
	}
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version: opts.Version,
		Mode:    mode,
		Workers: len(cfg.Browsers),
	}, opts.Registry)
	collector.SetModeState(StateIdle.String(), stateNames())

	return &Orchestrator{
		config:   cfg,
		logger:   logger,
		out:      opts.Output,
		getenv:   opts.Getenv,
		drivers:  opts.Drivers,
		registry: opts.Registry,
		metrics:  collector,
		session:  stats.NewSession(),
		rerun:    make(chan struct{}, 1),
	}
}

// Run executes the configured command and returns the process exit code.
// It blocks until the single cycle finishes (test command) or until ctx is
// done or a signal arrives (default command). A non-nil error means the
// run could not start.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	o.startTime = time.Now()
	cfg := o.config
	single := cfg.SingleRun()

	specs, err := cfg.WorkerSpecs(o.getenv)
	if err != nil {
		return report.ExitError, fmt.Errorf("worker configuration: %w", err)
	}
	o.specs = specs

	// Run preflight checks
	if !cfg.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			BasePath:    cfg.BasePath,
			Specs:       specs,
			ReportFiles: reportFiles(cfg.Reporters),
		})
		preflight.PrintResults(o.out, result)
		if !result.Passed {
			return report.ExitError, errors.New("preflight checks failed (use -skip-preflight to override)")
		}
	}

	sink, err := o.buildSink()
	if err != nil {
		return report.ExitError, err
	}

	m, err := manifest.Resolve(cfg.BasePath, cfg.Files)
	if err != nil {
		return report.ExitError, fmt.Errorf("resolve files: %w", err)
	}
	o.applyManifest(m)

	// Workers and the server that captures them
	o.launcher = launcher.New(launcher.Config{
		Drivers: o.drivers,
		Logger:  o.logger,
		Verbose: cfg.Verbose,
		Callbacks: launcher.Callbacks{
			OnStateChange: o.onWorkerStateChange,
			OnLaunch:      o.onLaunch,
			OnRelaunch:    o.onRelaunch,
		},
		StopGrace:     cfg.ShutdownGrace,
		Relaunch:      !single && cfg.MaxRelaunches > 0,
		MaxRelaunches: cfg.MaxRelaunches,
		Backoff: launcher.BackoffConfig{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiply,
			JitterPct:  0.4,
		},
	})

	o.server = manifest.NewServer(cfg.ListenAddr, o.logger)
	o.server.Handle(worker.CapturePath, worker.NewHub(o.launcher, o.logger))
	o.server.SetManifest(m)
	if err := o.server.Start(); err != nil {
		return report.ExitError, fmt.Errorf("failed to start manifest server: %w", err)
	}
	defer o.shutdownServer("manifest_server", o.server.Shutdown)

	serverURL := o.server.URL()
	o.launcher.SetServerURL(serverURL)

	o.coordinator = coordinator.New(coordinator.Config{
		BaseURL:           serverURL,
		NoActivityTimeout: cfg.NoActivityTimeout,
		Suite:             suiteName(cfg.Reporters),
		Sink:              sink,
		Logger:            o.logger,
		Callbacks: coordinator.Callbacks{
			OnCycleStart: func(int, int) {
				o.metrics.CycleStarted()
			},
			OnResult: func(_ *worker.Worker, r report.TestResult) {
				o.metrics.RecordTest(r.Outcome)
			},
			OnCycleComplete: o.onCycleComplete,
		},
	})

	// Start metrics server
	if cfg.MetricsAddr != "" {
		o.metrics.ObserveManifestServer(o.server.Requests, o.server.NotFound)
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, o.registry, o.logger)
		if err := o.metricsServer.Start(); err != nil {
			return report.ExitError, fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer o.shutdownServer("metrics_server", o.metricsServer.Shutdown)
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	go o.launcher.Monitor(ctx)

	o.logger.Info("launching_workers", "workers", len(specs), "server", serverURL)
	ready := 0
	for _, res := range o.launcher.StartAll(ctx, specs) {
		if res.Err == nil {
			ready++
		}
	}
	o.logger.Info("workers_launched", "ready", ready, "configured", len(specs))
	if o.metricsServer != nil {
		o.metricsServer.SetReady(true)
	}

	var events <-chan watcher.ChangeEvent
	if !single {
		events, err = o.startWatcher(ctx, m)
		if err != nil {
			o.shutdownLauncher()
			return report.ExitError, err
		}
	}

	o.loop = NewLoop(LoopConfig{
		Single:     single,
		RunOnStart: cfg.RunOnStart,
		Cycle:      o.runCycle,
		Events:     events,
		Rerun:      o.rerun,
		Grace:      cfg.ShutdownGrace,
		Logger:     o.logger,
		OnStateChange: func(_, to State) {
			o.metrics.SetModeState(to.String(), stateNames())
		},
	})

	var tuiDone chan struct{}
	if cfg.TUIEnabled && !single {
		tuiDone = o.startTUI(cancel, serverURL)
	}

	last, err := o.loop.Run(ctx)
	cancel()

	if tuiDone != nil {
		tui.SendQuit(o.program)
		<-tuiDone
	}

	code := report.ExitSuccess
	if single {
		switch {
		case last != nil:
			code = last.Status.ExitCode()
		default:
			code = report.ExitError
		}
		if err != nil {
			o.logger.Warn("cycle_error", "error", err)
		}
	}

	o.shutdownLauncher()

	if !single {
		o.printExitSummary(code)
	}
	return code, nil
}

// Rerun requests a cycle without a file change. Requests made while one is
// already queued are merged.
func (o *Orchestrator) Rerun() {
	select {
	case o.rerun <- struct{}{}:
	default:
	}
}

// Status implements tui.StatusSource.
func (o *Orchestrator) Status() tui.Status {
	st := tui.Status{
		Session: o.session.Snapshot(),
		Last:    o.session.Last(),
	}
	if o.loop != nil {
		st.State = o.loop.State().String()
		st.Pending, _ = o.loop.Pending()
	}
	if o.launcher != nil {
		st.Workers = o.launcher.Workers()
	}
	if o.watcher != nil {
		st.WatcherDegraded = o.watcher.Degraded()
	}
	o.mu.Lock()
	st.Regression = o.regression
	o.mu.Unlock()
	return st
}

// Metrics returns the metrics collector.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Session returns the session statistics.
func (o *Orchestrator) Session() *stats.Session {
	return o.session
}

// =============================================================================
// Cycles
// =============================================================================

// runCycle re-resolves the file set so added and removed files are picked
// up, then runs one cycle on every available worker.
func (o *Orchestrator) runCycle(ctx context.Context, trigger watcher.ChangeEvent) (*report.RunReport, error) {
	m, err := manifest.Resolve(o.config.BasePath, o.config.Files)
	if err != nil {
		o.logger.Warn("manifest_resolve_failed", "error", err)
		m = o.server.Manifest()
	} else {
		o.applyManifest(m)
		o.server.SetManifest(m)
	}

	if len(trigger.Paths) > 0 {
		o.logger.Info("cycle_triggered", "paths", len(trigger.Paths), "first", trigger.Paths[0])
	}

	r, err := o.coordinator.RunCycle(ctx, o.launcher.Snapshot(), m, trigger.Paths...)
	if err != nil {
		o.logger.Warn("cycle_error", "error", err)
	}
	return r, err
}

func (o *Orchestrator) onCycleComplete(r *report.RunReport) {
	o.metrics.RecordCycle(r)
	reg := o.session.RecordCycle(r)

	o.mu.Lock()
	o.regression = reg
	o.mu.Unlock()

	for _, c := range reg.NewlyFailing {
		o.logger.Warn("test_newly_failing", "worker", c.Worker, "test", c.Test)
	}
	for _, c := range reg.Fixed {
		o.logger.Info("test_fixed", "worker", c.Worker, "test", c.Test)
	}
}

// =============================================================================
// Callback handlers
// =============================================================================

func (o *Orchestrator) onWorkerStateChange(info worker.Info, from, to worker.State) {
	o.metrics.SetWorkers(o.launcher.Workers())
	if to.IsTerminal() {
		o.metrics.WorkerTerminated(info)
		o.session.RecordTermination(metrics.TerminationReason(info))
	}
	if o.config.Verbose {
		o.logger.Debug("worker_state", "worker_id", info.ID, "from", from.String(), "to", to.String())
	}
}

func (o *Orchestrator) onLaunch(spec worker.Spec, err error) {
	o.metrics.RecordLaunch(spec.Kind, err)
	o.session.RecordLaunch(err)
	if err != nil {
		o.coordinator.RecordLaunchError(spec.Name, err)
	}
}

func (o *Orchestrator) onRelaunch(spec worker.Spec, attempt int, delay time.Duration) {
	o.metrics.WorkerRelaunched()
	o.session.RecordRelaunch()
	if o.config.Verbose {
		o.logger.Debug("worker_relaunch", "name", spec.Name, "attempt", attempt, "delay", delay.String())
	}
}

// =============================================================================
// Components
// =============================================================================

func (o *Orchestrator) buildSink() (report.Sink, error) {
	console := o.out
	if o.config.TUIEnabled && !o.config.SingleRun() {
		console = io.Discard
	}
	var sinks report.Multi
	for _, rc := range o.config.Reporters {
		s, err := report.NewSink(report.SinkConfig{
			Type:       rc.Type,
			OutputFile: rc.OutputFile,
			Suite:      rc.Suite,
		}, console)
		if err != nil {
			return nil, fmt.Errorf("reporter: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func (o *Orchestrator) applyManifest(m *manifest.Manifest) {
	for _, w := range m.Warnings() {
		o.logger.Warn("manifest_warning", "warning", w)
	}
	o.metrics.SetManifest(m)
	counts := m.Counts()
	o.logger.Debug("manifest_resolved",
		"included", counts[manifest.ModeIncluded],
		"served", counts[manifest.ModeServed],
		"watched", counts[manifest.ModeWatched],
	)
}

// startWatcher starts the file watcher and returns a channel of change
// batches that also feeds the change metrics.
func (o *Orchestrator) startWatcher(ctx context.Context, m *manifest.Manifest) (<-chan watcher.ChangeEvent, error) {
	globs := m.WatchGlobs()
	if len(globs) == 0 {
		o.logger.Info("watcher_disabled", "reason", "no watched patterns")
		return nil, nil
	}

	w, err := watcher.New(watcher.Config{
		BasePath:     m.BasePath(),
		Globs:        globs,
		Debounce:     o.config.Debounce,
		PollInterval: o.config.PollInterval,
		ForcePolling: o.config.ForcePolling,
		Logger:       o.logger,
		OnDegraded: func(err error) {
			o.metrics.SetWatcherDegraded(true)
			o.logger.Warn("watcher_degraded", "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("file watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("file watcher: %w", err)
	}
	o.watcher = w

	out := make(chan watcher.ChangeEvent)
	go func() {
		defer close(out)
		for ev := range w.Events() {
			o.metrics.RecordChange(len(ev.Paths))
			o.logger.Info("change_detected", "paths", len(ev.Paths), "patterns", ev.Patterns)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// startTUI runs the dashboard until it quits. Quitting the dashboard stops
// the run.
func (o *Orchestrator) startTUI(cancel context.CancelFunc, serverURL string) chan struct{} {
	model := tui.New(tui.Config{
		Mode:         config.CommandDefault,
		Workers:      len(o.specs),
		ServerURL:    serverURL,
		MetricsAddr:  o.config.MetricsAddr,
		StatusSource: o,
		OnRerun:      o.Rerun,
	})
	o.program = tea.NewProgram(model, tea.WithAltScreen())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := o.program.Run(); err != nil {
			o.logger.Error("tui_failed", "error", err)
		}
		cancel()
	}()
	return done
}

func (o *Orchestrator) shutdownLauncher() {
	if err := o.launcher.Shutdown(o.config.ShutdownGrace); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
	}
	o.metrics.SetWorkers(nil)
}

func (o *Orchestrator) shutdownServer(name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		o.logger.Warn(name+"_shutdown_error", "error", err)
	}
}

// printExitSummary prints the session summary of a watch run.
func (o *Orchestrator) printExitSummary(code int) {
	snap := o.session.Snapshot()
	fmt.Fprint(o.out, stats.FormatExitSummary(&snap, stats.SummaryConfig{
		Mode:               config.CommandDefault,
		Workers:            len(o.specs),
		Duration:           time.Since(o.startTime),
		MetricsAddr:        o.config.MetricsAddr,
		ShowPerWorkerStats: true,
		ExitCode:           code,
	}))
}

// =============================================================================
// Helper Functions
// =============================================================================

func reportFiles(reporters []config.ReporterConfig) []string {
	var files []string
	for _, r := range reporters {
		if r.OutputFile != "" {
			files = append(files, r.OutputFile)
		}
	}
	return files
}

func suiteName(reporters []config.ReporterConfig) string {
	for _, r := range reporters {
		if r.Suite != "" {
			return r.Suite
		}
	}
	return DefaultSuite
}
