package task

// State represents the lifecycle state of a task.
type State string

const (
	StatePending  State = "PENDING"
	StateReceived State = "RECEIVED"
	StateStarted  State = "STARTED"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
	StateRetry    State = "RETRY"
	StateRevoked  State = "REVOKED"
)

// Terminal reports whether the state is absorbing. A record at a terminal
// state is never overwritten.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateReceived, StateStarted,
		StateSuccess, StateFailure, StateRetry, StateRevoked:
		return true
	}
	return false
}

// transitions lists the allowed predecessor states for each state. RECEIVED
// admits itself and STARTED so a redelivered message can re-claim a task
// whose previous attempt died mid-flight; the attempt ceiling bounds how
// often that can happen.
var transitions = map[State][]State{
	StateReceived: {StatePending, StateRetry, StateReceived, StateStarted},
	StateStarted:  {StateReceived},
	StateSuccess:  {StateStarted},
	StateFailure:  {StateReceived, StateStarted, StateRetry},
	StateRetry:    {StateReceived, StateStarted},
	StateRevoked:  {StatePending, StateReceived, StateStarted},
}

// AllowedFrom returns the predecessor states that may move into to.
func AllowedFrom(to State) []State {
	return transitions[to]
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}
