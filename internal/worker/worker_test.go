package worker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn records written messages.
type fakeConn struct {
	mu       sync.Mutex
	written  []Message
	closed   bool
	writeErr error
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, v.(Message))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.written...)
}

// readyWorker returns a worker attached to a fake connection and registered.
func readyWorker(t *testing.T) (*Worker, *fakeConn) {
	t.Helper()
	w := New("w1", 0, Spec{Name: "A"}, nil)
	conn := &fakeConn{}
	if err := w.attach(conn); err != nil {
		t.Fatalf("attach() error = %v", err)
	}
	if err := w.register("test-agent"); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	return w, conn
}

func TestWorker_Lifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	w := New("w1", 3, Spec{Name: "A", Kind: KindProcess}, func(_ *Worker, _, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	if w.State() != StateStarting {
		t.Fatalf("initial state = %s", w.State())
	}
	conn := &fakeConn{}
	if err := w.attach(conn); err != nil {
		t.Fatal(err)
	}
	if err := w.register("ua"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Captured():
	default:
		t.Error("Captured() not closed after register")
	}

	run, err := w.Execute("run-1", "http://x", []string{"/base/a.js"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if w.State() != StateExecuting {
		t.Errorf("state = %s, want executing", w.State())
	}
	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].Type != MsgExecute || msgs[0].RunID != "run-1" {
		t.Errorf("written = %+v", msgs)
	}

	w.Finish(run)
	if w.State() != StateIdle {
		t.Errorf("state = %s, want idle", w.State())
	}

	info := w.Info()
	if info.Seq != 3 || info.Cycles != 1 || info.UserAgent != "ua" {
		t.Errorf("Info() = %+v", info)
	}

	mu.Lock()
	want := []State{StateCapturing, StateReady, StateExecuting, StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("observed[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
	mu.Unlock()
}

func TestWorker_ExecuteRequiresAvailable(t *testing.T) {
	w := New("w1", 0, Spec{Name: "A"}, nil)
	if _, err := w.Execute("r", "", nil); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("Execute() on starting worker error = %v, want ErrNotAvailable", err)
	}
}

func TestWorker_TerminalIsFinal(t *testing.T) {
	w, conn := readyWorker(t)

	w.Terminate(StateDisconnected, ErrIdleTimeout)
	if w.State() != StateDisconnected {
		t.Fatalf("state = %s", w.State())
	}
	if !errors.Is(w.Err(), ErrIdleTimeout) {
		t.Errorf("Err() = %v", w.Err())
	}
	if !conn.closed {
		t.Error("conn not closed on terminal state")
	}
	select {
	case <-w.Gone():
	default:
		t.Error("Gone() not closed")
	}

	if err := w.Transition(StateFailed, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Transition from terminal error = %v", err)
	}
	if !errors.Is(w.Err(), ErrIdleTimeout) {
		t.Errorf("Err() overwritten: %v", w.Err())
	}
}

func TestWorker_DeliverRoutesActiveRunOnly(t *testing.T) {
	w, _ := readyWorker(t)

	if w.deliver(Message{Type: MsgComplete, RunID: "none"}) {
		t.Error("deliver() with no run = true")
	}

	run, err := w.Execute("run-1", "", []string{"/base/a.js"})
	if err != nil {
		t.Fatal(err)
	}
	if w.deliver(Message{Type: MsgComplete, RunID: "other"}) {
		t.Error("deliver() for stale run = true")
	}
	if !w.deliver(Message{Type: MsgComplete, RunID: "run-1"}) {
		t.Error("deliver() for active run = false")
	}
	if msg := <-run.Events(); msg.Type != MsgComplete {
		t.Errorf("event = %+v", msg)
	}
	w.Finish(run)
	if w.deliver(Message{Type: MsgComplete, RunID: "run-1"}) {
		t.Error("deliver() after Finish = true")
	}
}

func TestWorker_LossEndsRun(t *testing.T) {
	w, _ := readyWorker(t)
	run, err := w.Execute("run-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	w.Terminate(StateDisconnected, ErrDisconnected)

	select {
	case <-run.Done():
	case <-time.After(time.Second):
		t.Fatal("run not ended on disconnect")
	}
	// Finish after loss must not resurrect the worker.
	w.Finish(run)
	if w.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", w.State())
	}
}

func TestWorker_ExecuteWriteFailure(t *testing.T) {
	w, conn := readyWorker(t)
	conn.writeErr = errors.New("broken pipe")

	if _, err := w.Execute("run-1", "", nil); err == nil {
		t.Fatal("Execute() expected error")
	}
	if w.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", w.State())
	}
}

func TestWorker_DoubleAttach(t *testing.T) {
	w, _ := readyWorker(t)
	if err := w.attach(&fakeConn{}); err == nil {
		t.Error("second attach() expected error")
	}
}

func TestLaunchError(t *testing.T) {
	err := &LaunchError{Worker: "A", Err: ErrProcessExited, Output: []string{"boom"}}
	if !errors.Is(err, ErrProcessExited) {
		t.Error("LaunchError does not unwrap")
	}
	if got := err.Error(); got != "launch A: worker process exited (last output: boom)" {
		t.Errorf("Error() = %q", got)
	}
	var le *LaunchError
	if !errors.As(error(err), &le) {
		t.Error("errors.As failed")
	}
}
