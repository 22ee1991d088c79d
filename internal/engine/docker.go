package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps captured CLI output kept in errors.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is how long a cancelled CLI call gets after
	// SIGTERM before it is killed.
	terminationGracePeriod = 5 * time.Second
)

// runFunc executes binary with args, feeding stdin, and returns stdout and
// stderr.
type runFunc func(ctx context.Context, stdin io.Reader, binary string, args ...string) (stdout, stderr string, err error)

// Docker implements Engine by shelling out to the docker CLI.
type Docker struct {
	binary string
	logger *slog.Logger
	run    runFunc
}

var _ Engine = (*Docker)(nil)

// NewDocker returns a Docker engine using binary ("docker" when empty).
func NewDocker(binary string, logger *slog.Logger) *Docker {
	if strings.TrimSpace(binary) == "" {
		binary = "docker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{
		binary: binary,
		logger: logger.With("component", "engine"),
		run:    runCLI,
	}
}

func (d *Docker) Build(ctx context.Context, req BuildRequest) (Image, error) {
	args := []string{
		"build",
		"--tag", req.Tag,
		"--label", LabelWorkspace + "=" + req.WorkspaceName,
		"--file", "-",
		req.ContextDir,
	}
	d.logger.Debug("building image", "tag", req.Tag, "context", req.ContextDir)

	_, stderr, err := d.run(ctx, bytes.NewReader(req.Spec), d.binary, args...)
	if err != nil {
		return Image{}, &BuildError{Tag: req.Tag, Output: stderr, Err: err}
	}
	return Image{Ref: req.Tag}, nil
}

func (d *Docker) Start(ctx context.Context, img Image, cfg ContainerConfig) (Container, error) {
	args := []string{
		"run", "--detach",
		"--name", cfg.Name,
		"--label", LabelJob + "=" + cfg.JobName,
		"--label", LabelWorkspace + "=" + cfg.WorkspaceName,
	}
	if cfg.Hostname != "" {
		args = append(args, "--hostname", cfg.Hostname)
	}
	args = append(args, img.Ref)

	stdout, stderr, err := d.run(ctx, nil, d.binary, args...)
	if err != nil {
		return Container{}, &StartError{Name: cfg.Name, Output: stderr, Err: err}
	}
	id := strings.TrimSpace(stdout)
	if id == "" {
		return Container{}, &StartError{Name: cfg.Name, Err: errors.New("engine returned no container id")}
	}
	return Container{ID: id, Name: cfg.Name, Job: cfg.JobName}, nil
}

func (d *Docker) Wait(ctx context.Context, c Container) (ExitOutcome, error) {
	stdout, stderr, err := d.run(ctx, nil, d.binary, "wait", c.ID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ExitOutcome{}, ctxErr
		}
		return ExitOutcome{}, fmt.Errorf("wait for container %s: %w: %s", c.ID, err, stderr)
	}
	code, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return ExitOutcome{}, fmt.Errorf("parse exit code for container %s: %w", c.ID, err)
	}
	return ExitOutcome{ExitCode: code}, nil
}

func (d *Docker) Stop(ctx context.Context, c Container, grace time.Duration) error {
	secs := int(math.Ceil(grace.Seconds()))
	if secs < 0 {
		secs = 0
	}
	_, stderr, err := d.run(ctx, nil, d.binary, "stop", "--time", strconv.Itoa(secs), c.ID)
	if err != nil {
		return &StopError{ContainerID: c.ID, Output: stderr, Err: err}
	}
	return nil
}

// List returns every container carrying the fuzzbed job label.
func (d *Docker) List(ctx context.Context) ([]Container, error) {
	stdout, stderr, err := d.run(ctx, nil, d.binary,
		"ps", "--no-trunc",
		"--filter", "label="+LabelJob,
		"--format", `{{.ID}}\t{{.Names}}\t{{.Label "`+LabelJob+`"}}`,
	)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w: %s", err, stderr)
	}

	var out []Container
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		c := Container{ID: fields[0]}
		if len(fields) > 1 {
			c.Name = fields[1]
		}
		if len(fields) > 2 {
			c.Job = fields[2]
		}
		out = append(out, c)
	}
	return out, nil
}

func runCLI(ctx context.Context, stdin io.Reader, binary string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = stdin
	// Cancellation asks the CLI to exit, then kills it after the grace period.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminationGracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), truncate(strings.TrimSpace(stderr.String())), err
}

func truncate(s string) string {
	if len(s) > maxOutputBytes {
		return s[:maxOutputBytes]
	}
	return s
}
