// Package launcher starts, supervises and stops worker hosts, and keeps the
// registry of live workers.
package launcher

import (
	"context"
	"strings"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/worker"
)

// Request describes one launch.
type Request struct {
	ID         string
	Spec       worker.Spec
	ServerURL  string // manifest server root
	CaptureURL string // page / channel the worker must open
}

// Session is a running worker host: a local process, a Chrome instance or a
// remote grid session.
type Session interface {
	// PID returns the local process id, or 0 when there is none.
	PID() int

	// Done is closed when the host ends on its own or after Stop.
	Done() <-chan struct{}

	// Err reports why the host ended. Valid after Done is closed.
	Err() error

	// Stop asks the host to end, forcing it after grace. Safe to call
	// more than once.
	Stop(grace time.Duration) error

	// Output returns recent host output, newest last.
	Output() []string
}

// Driver starts sessions of one worker kind. ctx bounds the session's
// whole life, not just the start.
type Driver interface {
	Start(ctx context.Context, req Request) (Session, error)
}

// expandArgs substitutes {url}, {id} and {server} placeholders.
func expandArgs(args []string, req Request) []string {
	r := strings.NewReplacer(
		"{url}", req.CaptureURL,
		"{id}", req.ID,
		"{server}", req.ServerURL,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
