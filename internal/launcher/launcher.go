package launcher

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

	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("launcher shutting down")

// Callbacks contains optional observers of launcher events.
type Callbacks struct {
	// OnStateChange is called on every worker state change.
	OnStateChange func(info worker.Info, from, to worker.State)

	// OnLaunch is called when a launch attempt settles. err is nil once the
	// worker is Ready.
	OnLaunch func(spec worker.Spec, err error)

	// OnRelaunch is called before a replacement worker is started.
	OnRelaunch func(spec worker.Spec, attempt int, delay time.Duration)
}

// Config holds configuration for creating a Launcher.
type Config struct {
	ServerURL       string
	Drivers         map[worker.Kind]Driver // nil = process, chrome and remote drivers
	Logger          *slog.Logger
	Verbose         bool
	Callbacks       Callbacks
	StopGrace       time.Duration // per-worker SIGTERM → SIGKILL window
	MonitorInterval time.Duration // idle-timeout scan period

	// Relaunch replaces terminated workers under the same spec.
	Relaunch      bool
	MaxRelaunches int
	Backoff       BackoffConfig
	Seed          int64
}

// Result is the outcome of launching one slot.
type Result struct {
	Slot   int
	Spec   worker.Spec
	Worker *worker.Worker
	Err    error
}

type entry struct {
	w    *worker.Worker
	slot int

	mu      sync.Mutex
	session Session
	stopped bool

	stopOnce sync.Once
	stopErr  error
}

func (e *entry) stop(grace time.Duration) error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		s := e.session
		e.mu.Unlock()
		if s != nil {
			e.stopErr = s.Stop(grace)
		}
	})
	return e.stopErr
}

type slotState struct {
	spec       worker.Spec
	backoff    *Backoff
	relaunches int
}

// Launcher owns every worker host. The registry of live workers is only
// mutated here; other components read it through Snapshot.
type Launcher struct {
	cfg    Config
	logger *slog.Logger

	// sessionCtx bounds host lifetimes; relaunchCtx bounds pending relaunches.
	sessionCtx     context.Context
	sessionCancel  context.CancelFunc
	relaunchCtx    context.Context
	relaunchCancel context.CancelFunc

	mu           sync.Mutex
	serverURL    string
	entries      map[string]*entry
	slots        map[int]*slotState
	shuttingDown bool

	wg sync.WaitGroup
}

// New creates a launcher.
func New(cfg Config) *Launcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Drivers == nil {
		cfg.Drivers = map[worker.Kind]Driver{
			worker.KindProcess: &ProcessDriver{Logger: cfg.Logger, Verbose: cfg.Verbose},
			worker.KindChrome:  &ChromeDriver{Logger: cfg.Logger},
			worker.KindRemote:  &RemoteDriver{Logger: cfg.Logger},
		}
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}

	l := &Launcher{
		cfg:       cfg,
		logger:    cfg.Logger,
		serverURL: cfg.ServerURL,
		entries:   make(map[string]*entry),
		slots:     make(map[int]*slotState),
	}
	l.sessionCtx, l.sessionCancel = context.WithCancel(context.Background())
	l.relaunchCtx, l.relaunchCancel = context.WithCancel(context.Background())
	return l
}

// SetServerURL sets the manifest server root handed to new workers.
func (l *Launcher) SetServerURL(url string) {
	l.mu.Lock()
	l.serverURL = url
	l.mu.Unlock()
}

// Lookup implements worker.Registry.
func (l *Launcher) Lookup(id string) (*worker.Worker, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	return e.w, true
}

// StartAll launches every spec concurrently and waits until each one is
// Ready or has failed. Results are in spec order; slot i is spec i.
func (l *Launcher) StartAll(ctx context.Context, specs []worker.Spec) []Result {
	results := make([]Result, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		g.Go(func() error {
			w, err := l.Start(ctx, i, spec)
			results[i] = Result{Slot: i, Spec: spec, Worker: w, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Start launches one worker into a slot and waits for it to register
// within spec.CaptureTimeout. A worker that misses the deadline is
// marked Failed and its host is stopped.
func (l *Launcher) Start(ctx context.Context, slot int, spec worker.Spec) (*worker.Worker, error) {
	id := fmt.Sprintf("%s-%d-%s", slug(spec.Name), slot, uuid.NewString()[:8])
	e := &entry{slot: slot}
	e.w = worker.New(id, slot, spec, l.handleState)

	l.mu.Lock()
	if l.shuttingDown {
		l.mu.Unlock()
		return nil, ErrShuttingDown
	}
	l.entries[id] = e
	if _, ok := l.slots[slot]; !ok {
		l.slots[slot] = &slotState{
			spec:    spec,
			backoff: NewBackoff(slot, l.cfg.Seed, l.cfg.Backoff),
		}
	}
	serverURL := l.serverURL
	l.mu.Unlock()

	w := e.w
	fail := func(err error) (*worker.Worker, error) {
		w.Terminate(worker.StateFailed, err)
		if l.cfg.Callbacks.OnLaunch != nil {
			l.cfg.Callbacks.OnLaunch(spec, err)
		}
		l.logger.Warn("worker_launch_failed", "worker_id", id, "name", spec.Name, "error", err)
		return nil, err
	}

	driver, ok := l.cfg.Drivers[spec.Kind]
	if !ok {
		return fail(&worker.LaunchError{Worker: spec.Name, Err: fmt.Errorf("no driver for kind %q", spec.Kind)})
	}

	l.logger.Info("worker_launching", "worker_id", id, "name", spec.Name, "kind", spec.Kind, "slot", slot)

	// The capture deadline covers the driver start as well as registration.
	var timeout <-chan time.Time
	if spec.CaptureTimeout > 0 {
		timer := time.NewTimer(spec.CaptureTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	started := make(chan startResult, 1)
	go func() {
		s, err := driver.Start(l.sessionCtx, Request{
			ID:         id,
			Spec:       spec,
			ServerURL:  serverURL,
			CaptureURL: worker.CaptureURL(serverURL, id),
		})
		started <- startResult{session: s, err: err}
	}()

	var session Session
	select {
	case res := <-started:
		if res.err != nil {
			return fail(&worker.LaunchError{Worker: spec.Name, Err: res.err})
		}
		session = res.session

	case <-w.Gone():
		go l.stopLate(id, started)
		return fail(&worker.LaunchError{Worker: spec.Name, Err: w.Err()})

	case <-timeout:
		go l.stopLate(id, started)
		return fail(&worker.CaptureTimeoutError{Worker: spec.Name, Timeout: spec.CaptureTimeout})

	case <-ctx.Done():
		go l.stopLate(id, started)
		return fail(&worker.LaunchError{Worker: spec.Name, Err: ctx.Err()})
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		_ = session.Stop(l.cfg.StopGrace)
		return fail(&worker.LaunchError{Worker: spec.Name, Err: w.Err()})
	}
	e.session = session
	e.mu.Unlock()

	w.SetPID(session.PID())
	go l.watchSession(e, session)

	select {
	case <-w.Captured():
		l.logger.Info("worker_ready", "worker_id", id, "name", spec.Name, "pid", session.PID())
		if l.cfg.Callbacks.OnLaunch != nil {
			l.cfg.Callbacks.OnLaunch(spec, nil)
		}
		return w, nil

	case <-w.Gone():
		err := w.Err()
		var le *worker.LaunchError
		if !errors.As(err, &le) {
			err = &worker.LaunchError{Worker: spec.Name, Err: err, Output: session.Output()}
		}
		return fail(err)

	case <-timeout:
		return fail(&worker.CaptureTimeoutError{Worker: spec.Name, Timeout: spec.CaptureTimeout})

	case <-ctx.Done():
		return fail(&worker.LaunchError{Worker: spec.Name, Err: ctx.Err()})
	}
}

type startResult struct {
	session Session
	err     error
}

// stopLate stops a session whose driver returned after Start gave up on it.
func (l *Launcher) stopLate(id string, started <-chan startResult) {
	res := <-started
	if res.err != nil {
		return
	}
	l.logger.Warn("worker_late_session_stopped", "worker_id", id, "pid", res.session.PID())
	_ = res.session.Stop(l.cfg.StopGrace)
}

// watchSession terminates the worker when its host ends on its own.
func (l *Launcher) watchSession(e *entry, s Session) {
	<-s.Done()
	l.sessionEnded(e, s)
}

func (l *Launcher) sessionEnded(e *entry, s Session) {
	w := e.w
	state := w.State()
	if state.IsTerminal() {
		return
	}
	cause := s.Err()
	if cause == nil {
		cause = worker.ErrProcessExited
	}
	if state == worker.StateStarting || state == worker.StateCapturing {
		w.Terminate(worker.StateFailed, &worker.LaunchError{Worker: w.Name(), Err: cause, Output: s.Output()})
		return
	}
	l.logger.Warn("worker_host_exited", "worker_id", w.ID(), "name", w.Name(), "error", cause)
	w.Terminate(worker.StateDisconnected, cause)
}

// Stop tears a worker down. Safe to call repeatedly and on workers that
// already crashed.
func (l *Launcher) Stop(w *worker.Worker) error {
	l.mu.Lock()
	e, ok := l.entries[w.ID()]
	l.mu.Unlock()

	w.Terminate(worker.StateDisconnected, worker.ErrStopped)
	if !ok {
		return nil
	}
	return e.stop(l.cfg.StopGrace)
}

// HealthCheck reconciles a worker with its host and returns its state.
func (l *Launcher) HealthCheck(w *worker.Worker) worker.State {
	l.mu.Lock()
	e, ok := l.entries[w.ID()]
	l.mu.Unlock()
	if ok {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		if s != nil {
			select {
			case <-s.Done():
				l.sessionEnded(e, s)
			default:
			}
		}
	}
	return w.State()
}

// Snapshot returns the live, non-terminal workers in launch (slot) order.
// The slice is a copy; later registry changes do not affect it.
func (l *Launcher) Snapshot() []*worker.Worker {
	l.mu.Lock()
	out := make([]*worker.Worker, 0, len(l.entries))
	for _, e := range l.entries {
		if !e.w.State().IsTerminal() {
			out = append(out, e.w)
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq() != out[j].Seq() {
			return out[i].Seq() < out[j].Seq()
		}
		return out[i].Info().LaunchedAt.Before(out[j].Info().LaunchedAt)
	})
	return out
}

// Workers returns info for every registered worker, in slot order.
func (l *Launcher) Workers() []worker.Info {
	l.mu.Lock()
	infos := make([]worker.Info, 0, len(l.entries))
	for _, e := range l.entries {
		infos = append(infos, e.w.Info())
	}
	l.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Seq != infos[j].Seq {
			return infos[i].Seq < infos[j].Seq
		}
		return infos[i].LaunchedAt.Before(infos[j].LaunchedAt)
	})
	return infos
}

// Monitor enforces idle timeouts until ctx is done. A Ready or Idle worker
// silent for longer than its spec's idle timeout is marked Disconnected and
// its host is stopped.
func (l *Launcher) Monitor(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CheckIdle(time.Now())
		}
	}
}

// CheckIdle runs one idle-timeout scan against now.
func (l *Launcher) CheckIdle(now time.Time) {
	for _, w := range l.Snapshot() {
		if l.HealthCheck(w).IsTerminal() {
			continue
		}
		info := w.Info()
		timeout := w.Spec().IdleTimeout
		if timeout <= 0 || !info.State.IsAvailable() {
			continue
		}
		if silent := now.Sub(info.LastActivity); silent > timeout {
			l.logger.Warn("worker_idle_timeout",
				"worker_id", info.ID,
				"name", info.Name,
				"silent", silent.Round(time.Millisecond).String(),
			)
			w.Terminate(worker.StateDisconnected, worker.ErrIdleTimeout)
		}
	}
}

func (l *Launcher) handleState(w *worker.Worker, from, to worker.State) {
	l.logger.Debug("worker_state_change", "worker_id", w.ID(), "from", from.String(), "to", to.String())
	if l.cfg.Callbacks.OnStateChange != nil {
		l.cfg.Callbacks.OnStateChange(w.Info(), from, to)
	}
	if !to.IsTerminal() {
		return
	}

	l.mu.Lock()
	e, ok := l.entries[w.ID()]
	l.mu.Unlock()
	if !ok {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.release(e)
	}()
}

// release stops the host of a terminated worker, drops it from the
// registry and schedules its replacement.
func (l *Launcher) release(e *entry) {
	if err := e.stop(l.cfg.StopGrace); err != nil {
		l.logger.Warn("worker_stop_error", "worker_id", e.w.ID(), "error", err)
	}

	l.mu.Lock()
	delete(l.entries, e.w.ID())
	l.mu.Unlock()

	if errors.Is(e.w.Err(), worker.ErrStopped) {
		return
	}
	l.scheduleRelaunch(e)
}

func (l *Launcher) scheduleRelaunch(e *entry) {
	l.mu.Lock()
	st := l.slots[e.slot]
	if !l.cfg.Relaunch || l.shuttingDown || st == nil {
		l.mu.Unlock()
		return
	}
	if ShouldReset(time.Since(e.w.Info().LaunchedAt)) {
		st.backoff.Reset()
		st.relaunches = 0
	}
	if st.relaunches >= l.cfg.MaxRelaunches {
		l.mu.Unlock()
		l.logger.Warn("max_relaunches_reached", "name", st.spec.Name, "slot", e.slot, "max", l.cfg.MaxRelaunches)
		return
	}
	st.relaunches++
	attempt := st.relaunches
	delay := st.backoff.Next()
	spec := st.spec
	l.wg.Add(1)
	l.mu.Unlock()

	if l.cfg.Callbacks.OnRelaunch != nil {
		l.cfg.Callbacks.OnRelaunch(spec, attempt, delay)
	}
	l.logger.Info("worker_relaunch_scheduled", "name", spec.Name, "slot", e.slot, "attempt", attempt, "delay", delay.String())

	go func() {
		defer l.wg.Done()
		select {
		case <-l.relaunchCtx.Done():
			return
		case <-time.After(delay):
		}
		if _, err := l.Start(l.relaunchCtx, e.slot, spec); err != nil && !errors.Is(err, ErrShuttingDown) {
			l.logger.Warn("worker_relaunch_failed", "name", spec.Name, "slot", e.slot, "error", err)
		}
	}()
}

// Shutdown stops every worker, giving each host grace to exit before it is
// killed, and waits for pending relaunches to be abandoned.
func (l *Launcher) Shutdown(grace time.Duration) error {
	l.mu.Lock()
	if l.shuttingDown {
		l.mu.Unlock()
		return nil
	}
	l.shuttingDown = true
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.Unlock()

	l.relaunchCancel()
	l.logger.Info("launcher_shutting_down", "workers", len(entries), "grace", grace.String())

	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			e.w.Terminate(worker.StateDisconnected, worker.ErrStopped)
			if err := e.stop(grace); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", e.w.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	l.wg.Wait()
	l.sessionCancel()
	return errors.Join(errs...)
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "worker"
	}
	return b.String()
}
