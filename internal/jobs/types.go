package jobs

import (
	"errors"
	"fmt"
	"time"
)

// State is a job lifecycle state.
type State string

const (
	StateRequested State = "requested"
	StateBuilding  State = "building"
	StateLaunching State = "launching"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCrashed   State = "crashed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateRequested, StateBuilding, StateLaunching, StateRunning,
	StateCompleted, StateCrashed, StateFailed, StateStopped,
}

// ParseState converts s to a State.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Record is the registry's view of one job. Values handed out by the
// registry are copies.
type Record struct {
	JobName           string    `json:"job_name"`
	WorkspaceName     string    `json:"workspace_name"`
	State             State     `json:"state"`
	CreatedAt         time.Time `json:"created_at"`
	LastTransitionAt  time.Time `json:"last_transition_at"`
	ContainerID       string    `json:"container_id,omitempty"`
	ImageRef          string    `json:"image_ref,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	ExitCode          *int      `json:"exit_code,omitempty"`
	CleanupIncomplete bool      `json:"cleanup_incomplete,omitempty"`
}

func (r Record) clone() Record {
	if r.ExitCode != nil {
		code := *r.ExitCode
		r.ExitCode = &code
	}
	return r
}

var (
	ErrDuplicateJob      = errors.New("job already exists")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// InvalidTransitionError reports a transition the state machine forbids.
type InvalidTransitionError struct {
	JobName string
	From    State
	To      State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition from %s to %s", e.JobName, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
