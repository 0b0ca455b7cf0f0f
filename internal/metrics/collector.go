// Package metrics provides Prometheus metrics for go-test-swarm.
//
// Metrics are grouped the way a dashboard shows them: overview, workers,
// cycles, watcher and manifest. Every metric is owned by a Collector so
// several collectors can live side by side in tests.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-test-swarm/internal/manifest"
	"github.com/randomizedcoder/go-test-swarm/internal/report"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

const namespace = "test_swarm"

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	Mode    string // default or test
	Workers int    // configured worker slots
}

// Collector manages all Prometheus metrics for the scheduler.
type Collector struct {
	// --- Panel 1: Overview ---
	info              *prometheus.GaugeVec
	configuredWorkers prometheus.Gauge
	modeState         *prometheus.GaugeVec

	// --- Panel 2: Workers ---
	workersByState *prometheus.GaugeVec
	launchesTotal  *prometheus.CounterVec
	relaunches     prometheus.Counter
	terminations   *prometheus.CounterVec
	workerUptime   prometheus.Histogram

	// --- Panel 3: Cycles ---
	cyclesTotal     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	cycleInProgress prometheus.Gauge
	lastStatus      prometheus.Gauge
	testsTotal      *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec

	// --- Panel 4: Watcher ---
	watcherEvents   prometheus.Counter
	watcherPaths    prometheus.Counter
	watcherDegraded prometheus.Gauge

	// --- Panel 5: Manifest ---
	manifestFiles *prometheus.GaugeVec

	registry prometheus.Registerer
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the scheduler (value always 1)",
		}, []string{"version", "mode"}),
		configuredWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "configured_workers",
			Help:      "Worker slots selected by configuration",
		}),
		modeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode_state",
			Help:      "Current mode controller state (1 for the active state)",
		}, []string{"state"}),

		workersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Live workers by state",
		}, []string{"state"}),
		launchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_launches_total",
			Help:      "Worker launch attempts by kind and result",
		}, []string{"kind", "result"}),
		relaunches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_relaunches_total",
			Help:      "Replacement launches scheduled after a worker ended",
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_terminations_total",
			Help:      "Workers that reached a terminal state, by reason",
		}, []string{"reason"}),
		workerUptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_uptime_seconds",
			Help:      "Lifetime of terminated workers",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 4 * 3600},
		}),

		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed cycles by status",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of cycles",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		cycleInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_in_progress",
			Help:      "1 while a cycle is running",
		}),
		lastStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_exit_code",
			Help:      "Exit code the last cycle maps to (0 success, 1 failure, 2 error, -1 none yet)",
		}),
		testsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_total",
			Help:      "Test results received, by outcome",
		}, []string{"outcome"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_errors_total",
			Help:      "Errors recorded in run reports, by kind",
		}, []string{"kind"}),

		watcherEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_events_total",
			Help:      "Debounced change events received",
		}),
		watcherPaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_changed_paths_total",
			Help:      "Changed paths carried by change events",
		}),
		watcherDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watcher_degraded",
			Help:      "1 if file notifications failed and the watcher is polling",
		}),

		manifestFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manifest_files",
			Help:      "Files in the current manifest by mode",
		}, []string{"mode"}),

		registry: registry,
	}

	registry.MustRegister(
		// Panel 1: Overview
		c.info,
		c.configuredWorkers,
		c.modeState,

		// Panel 2: Workers
		c.workersByState,
		c.launchesTotal,
		c.relaunches,
		c.terminations,
		c.workerUptime,

		// Panel 3: Cycles
		c.cyclesTotal,
		c.cycleDuration,
		c.cycleInProgress,
		c.lastStatus,
		c.testsTotal,
		c.errorsTotal,

		// Panel 4: Watcher
		c.watcherEvents,
		c.watcherPaths,
		c.watcherDegraded,

		// Panel 5: Manifest
		c.manifestFiles,
	)

	// Set initial values
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version, cfg.Mode).Set(1)
	c.configuredWorkers.Set(float64(cfg.Workers))
	c.lastStatus.Set(-1)
	c.SetWorkers(nil)

	return c
}

// =============================================================================
// Worker Events
// =============================================================================

// SetWorkers recounts the per-state worker gauges from a snapshot.
func (c *Collector) SetWorkers(infos []worker.Info) {
	counts := make(map[worker.State]int, len(worker.AllStates))
	for _, info := range infos {
		if !info.State.IsTerminal() {
			counts[info.State]++
		}
	}
	for _, s := range worker.AllStates {
		if !s.IsTerminal() {
			c.workersByState.WithLabelValues(s.String()).Set(float64(counts[s]))
		}
	}
}

// WorkerTerminated records a worker reaching a terminal state.
func (c *Collector) WorkerTerminated(info worker.Info) {
	c.terminations.WithLabelValues(TerminationReason(info)).Inc()
	if !info.LaunchedAt.IsZero() {
		c.workerUptime.Observe(time.Since(info.LaunchedAt).Seconds())
	}
}

// RecordLaunch records the outcome of one launch attempt.
func (c *Collector) RecordLaunch(kind worker.Kind, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.launchesTotal.WithLabelValues(string(kind), result).Inc()
}

// WorkerRelaunched records a scheduled replacement launch.
func (c *Collector) WorkerRelaunched() {
	c.relaunches.Inc()
}

// =============================================================================
// Cycle Events
// =============================================================================

// CycleStarted marks a cycle as running.
func (c *Collector) CycleStarted() {
	c.cycleInProgress.Set(1)
}

// RecordTest counts a single test result as it arrives.
func (c *Collector) RecordTest(outcome report.Outcome) {
	c.testsTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordCycle records a finished cycle.
func (c *Collector) RecordCycle(r *report.RunReport) {
	c.cycleInProgress.Set(0)
	c.cyclesTotal.WithLabelValues(r.Status.String()).Inc()
	c.cycleDuration.Observe(r.Duration().Seconds())
	c.lastStatus.Set(float64(r.Status.ExitCode()))

	for _, e := range r.Errors {
		c.errorsTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	for _, w := range r.Workers {
		for _, e := range w.Errors {
			c.errorsTotal.WithLabelValues(string(e.Kind)).Inc()
		}
	}
}

// SetModeState marks the active mode controller state.
func (c *Collector) SetModeState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.modeState.WithLabelValues(s).Set(v)
	}
}

// =============================================================================
// Watcher & Manifest
// =============================================================================

// RecordChange records one debounced change event.
func (c *Collector) RecordChange(paths int) {
	c.watcherEvents.Inc()
	c.watcherPaths.Add(float64(paths))
}

// SetWatcherDegraded flags the watcher as polling after a failure.
func (c *Collector) SetWatcherDegraded(degraded bool) {
	if degraded {
		c.watcherDegraded.Set(1)
	} else {
		c.watcherDegraded.Set(0)
	}
}

// SetManifest publishes per-mode file counts.
func (c *Collector) SetManifest(m *manifest.Manifest) {
	counts := m.Counts()
	for _, mode := range []manifest.Mode{manifest.ModeIncluded, manifest.ModeServed, manifest.ModeWatched} {
		c.manifestFiles.WithLabelValues(mode.String()).Set(float64(counts[mode]))
	}
}

// ObserveManifestServer exposes the manifest server's request counters.
func (c *Collector) ObserveManifestServer(requests, notFound func() int64) {
	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_requests_total",
			Help:      "Requests served by the manifest server",
		}, func() float64 { return float64(requests()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_not_found_total",
			Help:      "Manifest requests answered with 404",
		}, func() float64 { return float64(notFound()) }),
	)
}

// =============================================================================
// Helper Functions
// =============================================================================

// TerminationReason maps why a worker ended onto a low-cardinality label.
func TerminationReason(info worker.Info) string {
	fallback := "disconnected"
	if info.State == worker.StateFailed {
		fallback = "failed"
	}
	return terminationReason(info.Err, fallback)
}

func terminationReason(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	for _, r := range []struct {
		needle, reason string
	}{
		{worker.ErrStopped.Error(), "stopped"},
		{worker.ErrIdleTimeout.Error(), "idle_timeout"},
		{worker.ErrNoActivity.Error(), "no_activity"},
		{"not captured within", "capture_timeout"},
		{worker.ErrProcessExited.Error(), "exited"},
	} {
		if strings.Contains(msg, r.needle) {
			return r.reason
		}
	}
	return fallback
}
