package worker

import (
	"fmt"
	"sync"
	"time"
)

// Conn is the write side of a capture channel.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// StateFunc observes state changes.
type StateFunc func(w *Worker, from, to State)

// Info is a point-in-time copy of a worker's public fields.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	Seq          int       `json:"seq"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	LaunchedAt   time.Time `json:"launched_at"`
	LastActivity time.Time `json:"last_activity"`
	Cycles       int       `json:"cycles"`
	Err          string    `json:"error,omitempty"`
}

// Worker is the runtime handle of one launched worker instance.
type Worker struct {
	id         string
	seq        int
	spec       Spec
	launchedAt time.Time
	onChange   StateFunc

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	err          error
	pid          int
	userAgent    string
	cycles       int
	conn         Conn
	run          *Run

	writeMu sync.Mutex

	captured     chan struct{}
	capturedOnce sync.Once
	gone         chan struct{}
	goneOnce     sync.Once
}

// New creates a worker in StateStarting. seq is its launch order.
func New(id string, seq int, spec Spec, onChange StateFunc) *Worker {
	now := time.Now()
	return &Worker{
		id:           id,
		seq:          seq,
		spec:         spec,
		launchedAt:   now,
		lastActivity: now,
		onChange:     onChange,
		state:        StateStarting,
		captured:     make(chan struct{}),
		gone:         make(chan struct{}),
	}
}

func (w *Worker) ID() string { return w.id }
func (w *Worker) Seq() int { return w.seq }
func (w *Worker) Spec() Spec { return w.spec }
func (w *Worker) Name() string { return w.spec.Name }
func (w *Worker) Kind() Kind { return w.spec.Kind }
func (w *Worker) String() string { return fmt.Sprintf("%s#%d(%s)", w.spec.Name, w.seq, w.id) }

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the error that moved the worker to a terminal state.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// LastActivity returns when the worker last sent anything.
func (w *Worker) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// Touch records activity.
func (w *Worker) Touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// SetPID records the process id of the worker's host process.
func (w *Worker) SetPID(pid int) {
	w.mu.Lock()
	w.pid = pid
	w.mu.Unlock()
}

// Captured is closed once the worker registers.
func (w *Worker) Captured() <-chan struct{} { return w.captured }

// Gone is closed once the worker enters a terminal state.
func (w *Worker) Gone() <-chan struct{} { return w.gone }

// Info returns a snapshot of the worker.
func (w *Worker) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{
		ID:           w.id,
		Name:         w.spec.Name,
		Kind:         w.spec.Kind,
		Seq:          w.seq,
		State:        w.state,
		PID:          w.pid,
		UserAgent:    w.userAgent,
		LaunchedAt:   w.launchedAt,
		LastActivity: w.lastActivity,
		Cycles:       w.cycles,
	}
	if w.err != nil {
		info.Err = w.err.Error()
	}
	return info
}

// Transition moves the worker to a new state. cause is kept when the new
// state is terminal. Entering a terminal state closes the channel and ends
// any active run.
func (w *Worker) Transition(to State, cause error) error {
	w.mu.Lock()
	from := w.state
	if !CanTransition(from, to) {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	w.state = to

	var conn Conn
	var run *Run
	if to.IsTerminal() {
		w.err = cause
		conn, w.conn = w.conn, nil
		run, w.run = w.run, nil
	}
	w.mu.Unlock()

	switch {
	case to == StateReady:
		w.capturedOnce.Do(func() { close(w.captured) })
	case to.IsTerminal():
		w.goneOnce.Do(func() { close(w.gone) })
		if run != nil {
			run.end()
		}
		if conn != nil {
			_ = conn.Close()
		}
	}

	if w.onChange != nil {
		w.onChange(w, from, to)
	}
	return nil
}

// Terminate moves a live worker to a terminal state; it is a no-op for a
// worker that already ended.
func (w *Worker) Terminate(to State, cause error) {
	_ = w.Transition(to, cause)
}

// attach binds the capture channel and moves Starting → Capturing.
func (w *Worker) attach(conn Conn) error {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already attached", w.id)
	}
	w.conn = conn
	w.lastActivity = time.Now()
	w.mu.Unlock()

	if err := w.Transition(StateCapturing, nil); err != nil {
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		return err
	}
	return nil
}

// register moves Capturing → Ready.
func (w *Worker) register(userAgent string) error {
	w.mu.Lock()
	w.userAgent = userAgent
	w.mu.Unlock()
	return w.Transition(StateReady, nil)
}

// Send writes a message on the capture channel.
func (w *Worker) Send(msg Message) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// Execute starts a run on an available worker. The caller must call Finish
// once it stops consuming the run's events.
func (w *Worker) Execute(runID, baseURL string, files []string) (*Run, error) {
	w.mu.Lock()
	if !w.state.IsAvailable() {
		state := w.state
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAvailable, w.id, state)
	}
	run := newRun(runID, files)
	w.run = run
	w.cycles++
	w.lastActivity = time.Now()
	w.mu.Unlock()

	if err := w.Transition(StateExecuting, nil); err != nil {
		w.clearRun(run)
		return nil, err
	}

	err := w.Send(Message{
		Type:    MsgExecute,
		RunID:   runID,
		BaseURL: baseURL,
		Files:   files,
	})
	if err != nil {
		w.Terminate(StateDisconnected, fmt.Errorf("%w: %v", ErrDisconnected, err))
		return nil, err
	}
	return run, nil
}

// Finish ends a run and returns an Executing worker to Idle.
func (w *Worker) Finish(run *Run) {
	run.end()
	if w.clearRun(run) {
		_ = w.Transition(StateIdle, nil)
	}
}

func (w *Worker) clearRun(run *Run) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.run != run {
		return false
	}
	w.run = nil
	return w.state == StateExecuting
}

// deliver routes a message to the active run. Messages for another run
// are dropped.
func (w *Worker) deliver(msg Message) bool {
	w.mu.Lock()
	run := w.run
	w.mu.Unlock()
	if run == nil || run.ID != msg.RunID {
		return false
	}
	return run.push(msg)
}

// Run is one cycle's execution on one worker.
type Run struct {
	ID    string
	Files []string

	events chan Message
	done   chan struct{}
	once   sync.Once
}

func newRun(id string, files []string) *Run {
	return &Run{
		ID:     id,
		Files:  append([]string(nil), files...),
		events: make(chan Message, 64),
		done:   make(chan struct{}),
	}
}

// Events delivers result, error, log and complete messages.
func (r *Run) Events() <-chan Message { return r.events }

// Done is closed when the run ends, by Finish or because the worker was lost.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) end() { r.once.Do(func() { close(r.done) }) }

func (r *Run) push(msg Message) bool {
	select {
	case r.events <- msg:
		return true
	case <-r.done:
		return false
	}
}
