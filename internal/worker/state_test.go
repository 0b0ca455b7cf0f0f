package worker

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStarting, "starting"},
		{StateCapturing, "capturing"},
		{StateReady, "ready"},
		{StateExecuting, "executing"},
		{StateIdle, "idle"},
		{StateDisconnected, "disconnected"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStatePredicates(t *testing.T) {
	for _, s := range AllStates {
		wantAvail := s == StateReady || s == StateIdle
		if s.IsAvailable() != wantAvail {
			t.Errorf("%s.IsAvailable() = %v", s, s.IsAvailable())
		}
		wantTerm := s == StateDisconnected || s == StateFailed
		if s.IsTerminal() != wantTerm {
			t.Errorf("%s.IsTerminal() = %v", s, s.IsTerminal())
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateStarting, StateCapturing}: true,
		{StateCapturing, StateReady}:    true,
		{StateReady, StateExecuting}:    true,
		{StateExecuting, StateIdle}:     true,
		{StateIdle, StateExecuting}:     true,
	}
	for _, from := range AllStates {
		for _, to := range AllStates {
			want := allowed[[2]State{from, to}] || (!from.IsTerminal() && to.IsTerminal())
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}
