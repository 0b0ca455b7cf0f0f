package worker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrIdleTimeout is recorded when a ready worker stays silent too long.
	ErrIdleTimeout = errors.New("worker idle timeout")

	// ErrDisconnected is recorded when the capture channel drops.
	ErrDisconnected = errors.New("worker disconnected")

	// ErrNoActivity is recorded when a worker stops reporting mid-cycle.
	ErrNoActivity = errors.New("no activity from worker")

	// ErrProcessExited is recorded when the worker process ends on its own.
	ErrProcessExited = errors.New("worker process exited")

	// ErrStopped is recorded when the launcher tears a worker down on purpose.
	ErrStopped = errors.New("worker stopped")

	// ErrNotAvailable is returned when a cycle is requested from a worker
	// that is not Ready or Idle.
	ErrNotAvailable = errors.New("worker not available")

	// ErrInvalidTransition is returned for an illegal state change.
	ErrInvalidTransition = errors.New("invalid worker state transition")
)

// LaunchError reports that a worker could not be spawned.
type LaunchError struct {
	Worker string
	Err    error
	Output []string // recent process output, if any
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch %s: %v", e.Worker, e.Err)
	if len(e.Output) > 0 {
		msg += " (last output: " + strings.Join(e.Output, " | ") + ")"
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

// CaptureTimeoutError reports that a worker never connected in time.
type CaptureTimeoutError struct {
	Worker  string
	Timeout time.Duration
}

func (e *CaptureTimeoutError) Error() string {
	return fmt.Sprintf("%s not captured within %s", e.Worker, e.Timeout)
}
