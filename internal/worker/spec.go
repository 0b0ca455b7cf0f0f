// Package worker models external test hosts: their launch specs, runtime
// state machine, and the capture channel they report results over.
package worker

import "time"

// Kind selects how a worker is launched.
type Kind string

const (
	// KindProcess runs an arbitrary local command.
	KindProcess Kind = "process"

	// KindChrome drives a local Chrome through the DevTools protocol.
	KindChrome Kind = "chrome"

	// KindRemote opens a session on a WebDriver grid.
	KindRemote Kind = "remote"
)

// RemoteSpec holds the WebDriver grid parameters of a remote worker.
type RemoteSpec struct {
	GridURL          string
	Username         string
	AccessKey        string
	TunnelIdentifier string
	TestName         string
	Build            string
	BrowserName      string
	Version          string
	Platform         string
	Options          map[string]any
}

// Spec is the immutable description of a worker slot.
type Spec struct {
	Name           string
	Kind           Kind
	CaptureTimeout time.Duration
	IdleTimeout    time.Duration

	// KindProcess
	Command string
	Args    []string
	Env     []string

	// KindChrome
	ChromePath string
	Headless   bool

	// KindRemote
	Remote RemoteSpec
}
