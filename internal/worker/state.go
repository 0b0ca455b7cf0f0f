package worker

// State represents the lifecycle position of a worker.
type State int

const (
	// StateStarting indicates the worker process or session is being spawned.
	StateStarting State = iota

	// StateCapturing indicates the worker opened its capture channel but has
	// not registered yet.
	StateCapturing

	// StateReady indicates the worker registered and never executed a cycle.
	StateReady

	// StateExecuting indicates the worker is running a cycle.
	StateExecuting

	// StateIdle indicates the worker finished a cycle and awaits the next.
	StateIdle

	// StateDisconnected indicates the worker was lost or timed out idle.
	StateDisconnected

	// StateFailed indicates the worker never became usable.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateIdle:
		return "idle"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateStarting, StateCapturing, StateReady, StateExecuting,
	StateIdle, StateDisconnected, StateFailed,
}

// IsAvailable returns true if the worker can accept a new cycle.
func (s State) IsAvailable() bool {
	return s == StateReady || s == StateIdle
}

// IsTerminal returns true for states a worker instance never leaves.
func (s State) IsTerminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// CanTransition reports whether from → to is a legal move. Every
// non-terminal state may move to a terminal one.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	switch from {
	case StateStarting:
		return to == StateCapturing
	case StateCapturing:
		return to == StateReady
	case StateReady, StateIdle:
		return to == StateExecuting
	case StateExecuting:
		return to == StateIdle
	}
	return false
}
