// Package engine is the container-engine boundary: building job images,
// starting one container per job, waiting for its exit and stopping it.
//
// The orchestrator only ever talks to the Engine interface. Docker is the
// production implementation; it drives the docker CLI so the orchestrator
// needs no daemon client library and works with any CLI-compatible runtime
// (podman, nerdctl) through engine.binary.
package engine

import (
	"context"
	"fmt"
	"time"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/fuzzbed/fuzzbed/internal/engine Engine

// Labels set on every container the orchestrator starts.
const (
	LabelJob       = "fuzzbed.job"
	LabelWorkspace = "fuzzbed.workspace"
)

// Image is a built job image.
type Image struct {
	Ref string
}

// BuildRequest describes an image build. Spec is the rendered build
// description; ContextDir is the workspace directory sent as build context.
type BuildRequest struct {
	Tag           string
	ContextDir    string
	Spec          []byte
	WorkspaceName string
}

// ContainerConfig describes the container started for a job.
type ContainerConfig struct {
	Name          string
	Hostname      string
	JobName       string
	WorkspaceName string
}

// Container is a started container.
type Container struct {
	ID   string
	Name string
	Job  string
}

// ExitOutcome is how a container's main process ended.
type ExitOutcome struct {
	ExitCode int
}

// Success reports a zero exit code.
func (o ExitOutcome) Success() bool { return o.ExitCode == 0 }

// Engine is the container runtime used by the lifecycle controller.
type Engine interface {
	Build(ctx context.Context, req BuildRequest) (Image, error)
	Start(ctx context.Context, img Image, cfg ContainerConfig) (Container, error)
	Wait(ctx context.Context, c Container) (ExitOutcome, error)
	Stop(ctx context.Context, c Container, grace time.Duration) error
	List(ctx context.Context) ([]Container, error)
}

// BuildError is a failed image build.
type BuildError struct {
	Tag    string
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	return formatEngineError("build image "+e.Tag, e.Output, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// StartError is a failed container start.
type StartError struct {
	Name   string
	Output string
	Err    error
}

func (e *StartError) Error() string {
	return formatEngineError("start container "+e.Name, e.Output, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StopError is a failed container stop.
type StopError struct {
	ContainerID string
	Output      string
	Err         error
}

func (e *StopError) Error() string {
	return formatEngineError("stop container "+e.ContainerID, e.Output, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

func formatEngineError(op, output string, err error) string {
	if output != "" {
		return fmt.Sprintf("%s: %v: %s", op, err, output)
	}
	return fmt.Sprintf("%s: %v", op, err)
}
