package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/logging"
	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// Environment passed to process workers.
const (
	EnvCaptureURL = "TEST_SWARM_URL"
	EnvWorkerID   = "TEST_SWARM_WORKER_ID"
	EnvServerURL  = "TEST_SWARM_SERVER"
)

// ProcessDriver runs an arbitrary command as a worker host. The command is
// started in its own process group so the whole tree can be signalled.
type ProcessDriver struct {
	Logger  *slog.Logger
	Verbose bool
}

// Start spawns the command. ctx is not bound to the process; Stop ends it.
func (d *ProcessDriver) Start(ctx context.Context, req Request) (Session, error) {
	if req.Spec.Command == "" {
		return nil, errors.New("no command configured")
	}

	cmd := exec.Command(req.Spec.Command, expandArgs(req.Spec.Args, req)...)
	cmd.Env = append(os.Environ(), req.Spec.Env...)
	cmd.Env = append(cmd.Env,
		EnvCaptureURL+"="+req.CaptureURL,
		EnvWorkerID+"="+req.ID,
		EnvServerURL+"="+req.ServerURL,
	)
	setProcessGroup(cmd)

	output := logging.NewOutputHandler(req.ID, d.Logger, d.Verbose)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	// Grandchildren that inherit the pipe must not hold Wait forever.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, err
	}

	s := &processSession{
		cmd:     cmd,
		output:  output,
		done:    make(chan struct{}),
		started: time.Now(),
		logger:  d.Logger,
		id:      req.ID,
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		output.HandleReader(pr)
	}()

	go func() {
		waitErr := cmd.Wait()
		pw.Close()
		<-readDone

		s.mu.Lock()
		s.exitCode = extractExitCode(waitErr)
		if s.stopped {
			s.err = nil
		} else {
			s.err = fmt.Errorf("%w: exit code %d", worker.ErrProcessExited, s.exitCode)
		}
		s.mu.Unlock()

		d.Logger.Info("worker_process_exited",
			"worker_id", req.ID,
			"pid", cmd.Process.Pid,
			"exit_code", s.exitCode,
			"uptime", time.Since(s.started).String(),
		)
		close(s.done)
	}()

	d.Logger.Info("worker_process_started", "worker_id", req.ID, "pid", cmd.Process.Pid, "command", req.Spec.Command)
	return s, nil
}

type processSession struct {
	id      string
	cmd     *exec.Cmd
	output  *logging.OutputHandler
	done    chan struct{}
	started time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	exitCode int
	err      error
	stopped  bool
}

func (s *processSession) PID() int              { return s.cmd.Process.Pid }
func (s *processSession) Done() <-chan struct{} { return s.done }
func (s *processSession) Output() []string      { return s.output.RecentLines(20) }

func (s *processSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop sends SIGTERM to the process group, then SIGKILL after grace.
func (s *processSession) Stop(grace time.Duration) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	pid := s.cmd.Process.Pid
	terminate(s.cmd)

	select {
	case <-s.done:
		return nil
	case <-time.After(grace):
	}

	s.logger.Warn("force_killing_worker", "worker_id", s.id, "pid", pid)
	kill(s.cmd)

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("worker %s (pid %d) did not exit after kill", s.id, pid)
	}
	return errors.New("process did not exit gracefully")
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	return 1
}
