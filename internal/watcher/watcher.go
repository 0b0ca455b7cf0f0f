// Package watcher turns filesystem notifications for a set of globs into
// debounced ChangeEvents.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/logging"
	"github.com/randomizedcoder/go-test-swarm/internal/manifest"
)

// ErrStarted is returned by Start on a watcher that already ran.
var ErrStarted = errors.New("watcher already started")

// Config controls a Watcher.
type Config struct {
	BasePath string
	Globs    []string

	// Debounce is the quiet period after the last notification before a
	// batch is emitted.
	Debounce time.Duration

	// MaxWait caps how long a continuous stream of notifications can delay
	// a batch. Zero means four debounce windows.
	MaxWait time.Duration

	// PollInterval is used when notifications are unavailable.
	PollInterval time.Duration
	ForcePolling bool

	Logger *slog.Logger

	// OnDegraded is called once if the watcher falls back to polling.
	OnDegraded func(err error)
}

// ChangeEvent is one debounced batch of changes.
type ChangeEvent struct {
	Paths    []string  // absolute, sorted, unique
	Patterns []string  // globs that matched, sorted, unique
	At       time.Time // time the batch was emitted
}

// Merge returns the union of two events.
func (e ChangeEvent) Merge(o ChangeEvent) ChangeEvent {
	out := ChangeEvent{
		Paths:    union(e.Paths, o.Paths),
		Patterns: union(e.Patterns, o.Patterns),
		At:       e.At,
	}
	if o.At.After(out.At) {
		out.At = o.At
	}
	return out
}

// Watcher watches the configured globs. A Watcher runs once: after its
// context is cancelled the Events channel is closed and it cannot be
// started again.
type Watcher struct {
	cfg     Config
	matcher *manifest.Matcher
	logger  *slog.Logger
	events  chan ChangeEvent

	started  atomic.Bool
	degraded atomic.Bool
	polling  atomic.Bool
}

// New validates the globs and prepares a watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 4 * cfg.Debounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	m, err := manifest.NewMatcher(cfg.BasePath, cfg.Globs)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:     cfg,
		matcher: m,
		logger:  cfg.Logger,
		events:  make(chan ChangeEvent),
	}, nil
}

// Watch is a shorthand for New followed by Start.
func Watch(ctx context.Context, cfg Config) (<-chan ChangeEvent, error) {
	w, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w.Events(), nil
}

// Events returns the channel of debounced change batches. It is closed when
// the context passed to Start is done.
func (w *Watcher) Events() <-chan ChangeEvent { return w.events }

// Degraded reports whether notifications failed and the watcher is polling.
func (w *Watcher) Degraded() bool { return w.degraded.Load() }

// Polling reports whether the watcher is polling, forced or degraded.
func (w *Watcher) Polling() bool { return w.polling.Load() }

// Start begins watching in the background.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrStarted
	}

	roots := w.matcher.Roots()
	raw := make(chan string, 256)
	poll := newPollSource(roots, w.match, w.cfg.PollInterval, w.logger)

	var notify *notifySource
	if w.cfg.ForcePolling {
		w.polling.Store(true)
	} else {
		n, err := newNotifySource(roots, w.logger)
		if err != nil {
			w.degrade(err)
		} else {
			notify = n
		}
	}
	if notify == nil {
		poll.prime()
	}

	w.logger.Info("watcher_started",
		"roots", roots,
		"globs", w.matcher.Globs(),
		"polling", w.Polling(),
		"debounce", w.cfg.Debounce,
	)

	go w.debounce(ctx, raw)
	go func() {
		if notify != nil {
			err := notify.run(ctx, raw)
			if err == nil || ctx.Err() != nil {
				return
			}
			w.degrade(err)
			poll.prime()
		}
		poll.run(ctx, raw)
	}()
	return nil
}

func (w *Watcher) match(path string) bool {
	_, ok := w.matcher.Match(path)
	return ok
}

func (w *Watcher) degrade(err error) {
	w.polling.Store(true)
	if !w.degraded.CompareAndSwap(false, true) {
		return
	}
	w.logger.Warn("watcher_degraded",
		"error", err,
		"poll_interval", w.cfg.PollInterval,
	)
	if w.cfg.OnDegraded != nil {
		w.cfg.OnDegraded(err)
	}
}

// debounce collects matching paths from raw and emits a batch once no new
// path arrived for Debounce, or MaxWait after the first path of the batch.
// A batch that cannot be delivered yet keeps absorbing later batches.
func (w *Watcher) debounce(ctx context.Context, raw <-chan string) {
	defer close(w.events)

	var (
		batch map[string]string // path -> glob
		first time.Time
		ready *ChangeEvent
		timer = time.NewTimer(time.Hour)
	)
	timer.Stop()
	defer timer.Stop()

	for {
		var out chan<- ChangeEvent
		var next ChangeEvent
		if ready != nil {
			out = w.events
			next = *ready
		}

		select {
		case <-ctx.Done():
			return

		case p := <-raw:
			glob, ok := w.matcher.Match(p)
			if !ok {
				continue
			}
			if batch == nil {
				batch = make(map[string]string)
				first = time.Now()
			}
			batch[p] = glob

			wait := w.cfg.Debounce
			if remaining := w.cfg.MaxWait - time.Since(first); remaining < wait {
				wait = max(remaining, 0)
			}
			timer.Reset(wait)

		case <-timer.C:
			ev := newEvent(batch)
			batch = nil
			w.logger.Debug("watcher_batch", "paths", len(ev.Paths), "patterns", ev.Patterns)
			if ready != nil {
				ev = ready.Merge(ev)
			}
			ready = &ev

		case out <- next:
			ready = nil
		}
	}
}

func newEvent(batch map[string]string) ChangeEvent {
	ev := ChangeEvent{At: time.Now()}
	seen := make(map[string]bool)
	for p, g := range batch {
		ev.Paths = append(ev.Paths, p)
		if !seen[g] {
			seen[g] = true
			ev.Patterns = append(ev.Patterns, g)
		}
	}
	sort.Strings(ev.Paths)
	sort.Strings(ev.Patterns)
	return ev
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
