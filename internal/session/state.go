package session

import "fmt"

// State is the lifecycle state of a session.
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateExecuting    State = "executing"
	StateIdle         State = "idle"
	StateClosed       State = "closed"
)

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateProvisioning: {StateReady, StateClosed},
	StateReady:        {StateExecuting, StateClosed},
	StateExecuting:    {StateIdle, StateClosed},
	StateIdle:         {StateExecuting, StateClosed},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(id string, from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("session %s: invalid transition %s -> %s", id, from, to)
	}
	return nil
}
