package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/logging"
	"github.com/randomizedcoder/go-test-swarm/internal/report"
	"github.com/randomizedcoder/go-test-swarm/internal/watcher"
)

// ErrLoopStarted is returned when a Loop is run twice.
var ErrLoopStarted = errors.New("loop already started")

// State is the mode controller state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateWatching
	StateTerminated
)

// AllStates lists every controller state, in order.
var AllStates = []State{StateIdle, StateRunning, StateWatching, StateTerminated}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateWatching:
		return "watching"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// stateNames returns the String form of every state.
func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}
	return names
}

// CycleFunc runs one test cycle. trigger is empty for the initial cycle and
// for manual reruns.
type CycleFunc func(ctx context.Context, trigger watcher.ChangeEvent) (*report.RunReport, error)

// LoopConfig configures a Loop.
type LoopConfig struct {
	// Single runs exactly one cycle and then terminates.
	Single bool

	// RunOnStart runs a cycle before waiting for changes. Ignored when
	// Single is set.
	RunOnStart bool

	Cycle  CycleFunc
	Events <-chan watcher.ChangeEvent // nil in single-run mode
	Rerun  <-chan struct{}            // manual rerun requests

	// Grace is how long an in-flight cycle may keep running after the
	// loop's context is done before it is cancelled.
	Grace time.Duration

	Logger *slog.Logger

	// OnStateChange is called on every state change, outside the loop's
	// lock.
	OnStateChange func(from, to State)
}

// Loop drives cycles. At most one cycle runs at a time; changes that arrive
// while a cycle runs are merged into one pending trigger that runs next.
type Loop struct {
	cfg    LoopConfig
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	pending    watcher.ChangeEvent
	hasPending bool
	cycles     int
	started    bool
}

// NewLoop creates a loop in the Idle state.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	return &Loop{cfg: cfg, logger: cfg.Logger}
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Pending returns the number of changed paths waiting for the next cycle,
// and whether a cycle is queued at all.
func (l *Loop) Pending() (paths int, queued bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending.Paths), l.hasPending
}

// Cycles returns the number of cycles started.
func (l *Loop) Cycles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycles
}

func (l *Loop) setState(to State) {
	l.mu.Lock()
	from := l.state
	l.state = to
	l.mu.Unlock()
	if from == to {
		return
	}
	l.logger.Info("mode_state_change", "from", from.String(), "to", to.String())
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(from, to)
	}
}

func (l *Loop) queue(ev watcher.ChangeEvent) {
	l.mu.Lock()
	if l.hasPending {
		l.pending = l.pending.Merge(ev)
	} else {
		l.pending = ev
		l.hasPending = true
	}
	n := len(l.pending.Paths)
	l.mu.Unlock()
	l.logger.Debug("cycle_queued", "pending_paths", n)
}

func (l *Loop) take() (watcher.ChangeEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasPending {
		return watcher.ChangeEvent{}, false
	}
	ev := l.pending
	l.pending = watcher.ChangeEvent{}
	l.hasPending = false
	return ev, true
}

type cycleResult struct {
	report *report.RunReport
	err    error
}

// Run drives cycles until ctx is done (watch mode) or the single cycle
// finishes. It returns the last report produced and the error of the last
// cycle.
func (l *Loop) Run(ctx context.Context) (*report.RunReport, error) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil, ErrLoopStarted
	}
	l.started = true
	l.mu.Unlock()

	// Cycles outlive ctx by up to Grace.
	cycleCtx, cancelCycles := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCycles()

	var (
		done     chan cycleResult // nil while no cycle is in flight
		last     *report.RunReport
		lastErr  error
		stopping bool
		ctxDone  = ctx.Done()
		events   = l.cfg.Events
		rerun    = l.cfg.Rerun
		grace    <-chan time.Time
	)
	if l.cfg.Single {
		events, rerun = nil, nil
	}

	start := func(ev watcher.ChangeEvent) {
		l.mu.Lock()
		l.cycles++
		l.mu.Unlock()
		l.setState(StateRunning)
		ch := make(chan cycleResult, 1)
		done = ch
		go func() {
			r, err := l.cfg.Cycle(cycleCtx, ev)
			ch <- cycleResult{report: r, err: err}
		}()
	}

	if l.cfg.Single || l.cfg.RunOnStart {
		start(watcher.ChangeEvent{At: time.Now()})
	} else {
		l.setState(StateWatching)
	}

	for {
		if done == nil {
			if stopping || l.cfg.Single || ctx.Err() != nil {
				break
			}
			if ev, ok := l.take(); ok {
				start(ev)
				continue
			}
		}

		select {
		case <-ctxDone:
			ctxDone = nil
			stopping = true
			if done != nil {
				l.logger.Info("cycle_grace_started", "grace", l.cfg.Grace.String())
				timer := time.NewTimer(l.cfg.Grace)
				defer timer.Stop()
				grace = timer.C
			}

		case <-grace:
			grace = nil
			l.logger.Warn("cycle_cancelled", "reason", "shutdown grace elapsed")
			cancelCycles()

		case res := <-done:
			done = nil
			if res.report != nil {
				last = res.report
			}
			lastErr = res.err
			if !stopping && !l.cfg.Single {
				l.setState(StateWatching)
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				l.logger.Debug("change_events_closed")
				continue
			}
			l.queue(ev)

		case <-rerun:
			l.logger.Info("rerun_requested")
			l.queue(watcher.ChangeEvent{At: time.Now()})
		}
	}

	l.setState(StateTerminated)
	return last, lastErr
}
