package session

import "testing"

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateStarting, true},
		{StateCreated, StateRunning, false},
		{StateStarting, StateRunning, true},
		{StateStarting, StateFailed, true},
		{StateRunning, StateStopping, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateDeleted, false},
		{StateStopping, StateStopped, true},
		{StateStopping, StateFailed, true},
		{StateStopped, StateStarting, true},
		{StateStopped, StateStopping, false},
		{StateFailed, StateStarting, true},
		{StateFailed, StateStopping, true},
		{StateFailed, StateDeleted, true},
		{StateDeleted, StateCreated, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestState_Live(t *testing.T) {
	live := map[State]bool{
		StateCreated:  false,
		StateStarting: true,
		StateRunning:  true,
		StateStopping: true,
		StateStopped:  false,
		StateFailed:   false,
		StateDeleted:  false,
	}
	for st, want := range live {
		if got := st.Live(); got != want {
			t.Errorf("%s.Live() = %v, want %v", st, got, want)
		}
	}
}
