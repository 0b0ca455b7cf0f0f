package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/randomizedcoder/go-test-swarm/internal/manifest"
	"github.com/randomizedcoder/go-test-swarm/internal/report"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// =============================================================================
// Test Helpers
// =============================================================================

// newTestCollector creates a collector with a test registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	c := NewCollectorWithRegistry(CollectorConfig{Version: "test", Mode: "default", Workers: 2}, registry)
	return c, registry
}

// gather returns the named metric family from registry.
func gather(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

// =============================================================================
// Tests: NewCollector
// =============================================================================

func TestNewCollector(t *testing.T) {
	c, registry := newTestCollector(t)

	if got := testutil.ToFloat64(c.info.WithLabelValues("test", "default")); got != 1 {
		t.Errorf("info = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.configuredWorkers); got != 2 {
		t.Errorf("configured_workers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.lastStatus); got != -1 {
		t.Errorf("last_cycle_exit_code = %v, want -1", got)
	}

	// Five non-terminal states are pre-populated.
	if got := len(gather(t, registry, "test_swarm_workers").GetMetric()); got != 5 {
		t.Errorf("workers series = %d, want 5", got)
	}
}

func TestNewCollector_DefaultVersion(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollectorWithRegistry(CollectorConfig{Mode: "test"}, registry)
	if got := testutil.ToFloat64(c.info.WithLabelValues("dev", "test")); got != 1 {
		t.Errorf("info{version=dev} = %v, want 1", got)
	}
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewCollectorWithRegistry(CollectorConfig{}, registry)

	defer func() {
		if recover() == nil {
			t.Error("second registration did not panic")
		}
	}()
	NewCollectorWithRegistry(CollectorConfig{}, registry)
}

// =============================================================================
// Tests: Worker Events
// =============================================================================

func TestCollector_SetWorkers(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetWorkers([]worker.Info{
		{State: worker.StateReady},
		{State: worker.StateIdle},
		{State: worker.StateIdle},
		{State: worker.StateDisconnected},
	})

	want := map[worker.State]float64{
		worker.StateStarting:  0,
		worker.StateCapturing: 0,
		worker.StateReady:     1,
		worker.StateExecuting: 0,
		worker.StateIdle:      2,
	}
	for s, v := range want {
		if got := testutil.ToFloat64(c.workersByState.WithLabelValues(s.String())); got != v {
			t.Errorf("workers{state=%s} = %v, want %v", s, got, v)
		}
	}

	// A later snapshot replaces the counts.
	c.SetWorkers([]worker.Info{{State: worker.StateExecuting}})
	if got := testutil.ToFloat64(c.workersByState.WithLabelValues("idle")); got != 0 {
		t.Errorf("workers{state=idle} = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.workersByState.WithLabelValues("executing")); got != 1 {
		t.Errorf("workers{state=executing} = %v, want 1", got)
	}
}

func TestCollector_WorkerTerminated(t *testing.T) {
	tests := []struct {
		name   string
		info   worker.Info
		reason string
	}{
		{"stopped", worker.Info{State: worker.StateDisconnected, Err: "worker stopped"}, "stopped"},
		{"idle", worker.Info{State: worker.StateDisconnected, Err: "worker idle timeout"}, "idle_timeout"},
		{"no activity", worker.Info{State: worker.StateDisconnected, Err: "cycle 3: no activity from worker"}, "no_activity"},
		{"exited", worker.Info{State: worker.StateDisconnected, Err: "worker process exited: exit status 1"}, "exited"},
		{"capture", worker.Info{State: worker.StateFailed, Err: `worker "Chrome" not captured within 1m0s`}, "capture_timeout"},
		{"plain disconnect", worker.Info{State: worker.StateDisconnected}, "disconnected"},
		{"unknown failure", worker.Info{State: worker.StateFailed, Err: "boom"}, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector(t)
			tt.info.LaunchedAt = time.Now().Add(-time.Minute)
			c.WorkerTerminated(tt.info)

			if got := testutil.ToFloat64(c.terminations.WithLabelValues(tt.reason)); got != 1 {
				t.Errorf("terminations{reason=%s} = %v, want 1", tt.reason, got)
			}
			if got := testutil.CollectAndCount(c.terminations); got != 1 {
				t.Errorf("termination series = %d, want 1", got)
			}
		})
	}
}

func TestCollector_RecordLaunch(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordLaunch(worker.KindChrome, nil)
	c.RecordLaunch(worker.KindChrome, nil)
	c.RecordLaunch(worker.KindProcess, io.EOF)
	c.WorkerRelaunched()

	if got := testutil.ToFloat64(c.launchesTotal.WithLabelValues("chrome", "success")); got != 2 {
		t.Errorf("launches{chrome,success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.launchesTotal.WithLabelValues("process", "failure")); got != 1 {
		t.Errorf("launches{process,failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.relaunches); got != 1 {
		t.Errorf("relaunches = %v, want 1", got)
	}
}

// =============================================================================
// Tests: Cycle Events
// =============================================================================

func TestCollector_RecordCycle(t *testing.T) {
	c, registry := newTestCollector(t)
	start := time.Now()

	c.CycleStarted()
	if got := testutil.ToFloat64(c.cycleInProgress); got != 1 {
		t.Errorf("cycle_in_progress = %v, want 1", got)
	}
	c.RecordTest(report.OutcomePassed)
	c.RecordTest(report.OutcomeFailed)

	c.RecordCycle(&report.RunReport{
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Status:     report.StatusFailure,
		Errors:     []report.ErrorEntry{{Kind: report.ErrorLaunch}},
		Workers: []report.WorkerResult{
			{Errors: []report.ErrorEntry{{Kind: report.ErrorTest}, {Kind: report.ErrorLaunch}}},
		},
	})

	if got := testutil.ToFloat64(c.cycleInProgress); got != 0 {
		t.Errorf("cycle_in_progress = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.cyclesTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("cycles{failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.lastStatus); got != float64(report.ExitFailure) {
		t.Errorf("last_cycle_exit_code = %v, want %d", got, report.ExitFailure)
	}
	if got := testutil.ToFloat64(c.errorsTotal.WithLabelValues("launch_error")); got != 2 {
		t.Errorf("report_errors{launch_error} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.testsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("tests{failed} = %v, want 1", got)
	}

	h := gather(t, registry, "test_swarm_cycle_duration_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 1.5 {
		t.Errorf("cycle_duration count=%d sum=%v, want 1 and 1.5", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestCollector_SetModeState(t *testing.T) {
	c, _ := newTestCollector(t)
	all := []string{"idle", "running", "watching"}

	c.SetModeState("running", all)
	c.SetModeState("watching", all)

	for s, want := range map[string]float64{"idle": 0, "running": 0, "watching": 1} {
		if got := testutil.ToFloat64(c.modeState.WithLabelValues(s)); got != want {
			t.Errorf("mode_state{%s} = %v, want %v", s, got, want)
		}
	}
}

// =============================================================================
// Tests: Watcher & Manifest
// =============================================================================

func TestCollector_Watcher(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordChange(3)
	c.RecordChange(1)
	c.SetWatcherDegraded(true)

	if got := testutil.ToFloat64(c.watcherEvents); got != 2 {
		t.Errorf("watcher_events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.watcherPaths); got != 4 {
		t.Errorf("watcher_changed_paths = %v, want 4", got)
	}
	if got := testutil.ToFloat64(c.watcherDegraded); got != 1 {
		t.Errorf("watcher_degraded = %v, want 1", got)
	}
	c.SetWatcherDegraded(false)
	if got := testutil.ToFloat64(c.watcherDegraded); got != 0 {
		t.Errorf("watcher_degraded = %v, want 0", got)
	}
}

func TestCollector_SetManifest(t *testing.T) {
	base := t.TempDir()
	for _, rel := range []string{"lib/a.js", "test/a.test.js", "test/b.test.js", "fixtures/x.json"} {
		path := filepath.Join(base, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m, err := manifest.Resolve(base, []manifest.Pattern{
		{Glob: "lib/*.js", Included: true, Served: true, Watched: true},
		{Glob: "test/*.test.js", Included: true, Served: true, Watched: true},
		{Glob: "fixtures/*.json", Served: true},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	c, _ := newTestCollector(t)
	c.SetManifest(m)

	counts := m.Counts()
	for _, mode := range []manifest.Mode{manifest.ModeIncluded, manifest.ModeServed, manifest.ModeWatched} {
		if got := testutil.ToFloat64(c.manifestFiles.WithLabelValues(mode.String())); got != float64(counts[mode]) {
			t.Errorf("manifest_files{%s} = %v, want %d", mode, got, counts[mode])
		}
	}
	if counts[manifest.ModeIncluded] != 3 {
		t.Errorf("included = %d, want 3", counts[manifest.ModeIncluded])
	}
}

func TestCollector_ObserveManifestServer(t *testing.T) {
	c, registry := newTestCollector(t)
	var requests, notFound int64 = 7, 2
	c.ObserveManifestServer(func() int64 { return requests }, func() int64 { return notFound })

	expected := `
# HELP test_swarm_manifest_not_found_total Manifest requests answered with 404
# TYPE test_swarm_manifest_not_found_total counter
test_swarm_manifest_not_found_total 2
# HELP test_swarm_manifest_requests_total Requests served by the manifest server
# TYPE test_swarm_manifest_requests_total counter
test_swarm_manifest_requests_total 7
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"test_swarm_manifest_requests_total", "test_swarm_manifest_not_found_total")
	if err != nil {
		t.Error(err)
	}
}

// =============================================================================
// Tests: Thread Safety
// =============================================================================

func TestCollector_ThreadSafety(t *testing.T) {
	c, registry := newTestCollector(t)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.RecordTest(report.OutcomePassed)
				c.RecordChange(i)
				c.SetWorkers([]worker.Info{{State: worker.StateIdle}})
			}
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(c.testsTotal.WithLabelValues("passed")); got != 1000 {
		t.Errorf("tests{passed} = %v, want 1000", got)
	}
	if _, err := registry.Gather(); err != nil {
		t.Errorf("Gather() error = %v", err)
	}
}

// =============================================================================
// Tests: Server
// =============================================================================

func TestServer(t *testing.T) {
	c, registry := newTestCollector(t)
	c.RecordChange(2)

	s := NewServer("127.0.0.1:0", registry, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	base := "http://" + s.Addr()

	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := get("/health"); resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}
	if resp := get("/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz before ready = %d, want 503", resp.StatusCode)
	}
	s.SetReady(true)
	if resp := get("/ready"); resp.StatusCode != http.StatusOK {
		t.Errorf("/ready after ready = %d, want 200", resp.StatusCode)
	}

	resp := get("/metrics")
	want := expfmt.Negotiate(http.Header{})
	if want.FormatType() != expfmt.TypeTextPlain {
		t.Fatalf("default format = %q, want text", want)
	}
	if got := resp.Header.Get("Content-Type"); got != string(want) {
		t.Errorf("/metrics Content-Type = %q, want %q", got, want)
	}

	expected := `
# HELP test_swarm_watcher_changed_paths_total Changed paths carried by change events
# TYPE test_swarm_watcher_changed_paths_total counter
test_swarm_watcher_changed_paths_total 2
`
	if err := testutil.ScrapeAndCompare(base+"/metrics", strings.NewReader(expected), "test_swarm_watcher_changed_paths_total"); err != nil {
		t.Error(err)
	}
}

func TestServer_ListenError(t *testing.T) {
	s := NewServer("256.0.0.1:bad", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Start(); err == nil {
		t.Error("Start() with bad address succeeded")
	}
}
