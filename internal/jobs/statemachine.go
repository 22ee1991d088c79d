package jobs

import "slices"

var successors = map[State][]State{
	StateRequested: {StateBuilding, StateFailed, StateStopped},
	StateBuilding:  {StateLaunching, StateFailed, StateStopped},
	StateLaunching: {StateRunning, StateFailed, StateStopped},
	StateRunning:   {StateCompleted, StateCrashed, StateFailed, StateStopped},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCrashed, StateFailed, StateStopped:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to State) bool {
	return slices.Contains(successors[from], to)
}

// Successors returns the states reachable from s in one step.
func Successors(s State) []State {
	return slices.Clone(successors[s])
}
