package session

// State is a session's lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
	StateDeleted  State = "deleted"
)

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// Live reports whether the session may own external resources that are
// in use: Starting, Running or Stopping.
func (s State) Live() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping:
		return true
	default:
		return false
	}
}

// transitions lists the legal moves out of each state.
var transitions = map[State][]State{
	StateCreated:  {StateStarting, StateDeleted},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting, StateDeleted},
	StateFailed:   {StateStarting, StateStopping, StateDeleted},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
