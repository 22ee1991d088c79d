package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fuzzbed/fuzzbed/internal/engine"
	"github.com/fuzzbed/fuzzbed/internal/imagespec"
	"github.com/fuzzbed/fuzzbed/internal/jobs"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultBuildTimeout = 30 * time.Minute
	DefaultStopTimeout  = 15 * time.Second
	DefaultStopGrace    = 10 * time.Second
)

var ErrShutdown = errors.New("lifecycle controller is shut down")

// Config bounds the engine calls made by the controller.
type Config struct {
	BuildTimeout time.Duration
	StopTimeout  time.Duration
	StopGrace    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = DefaultBuildTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// LaunchConfig is the per-job input to Launch.
type LaunchConfig struct {
	ContextDir string
	Hostname   string
}

// run tracks one job's goroutine.
type run struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	stopping  bool
	container *engine.Container
}

// attach records the started container and reports whether a stop request
// arrived first, in which case the caller owns tearing the container down.
func (r *run) attach(c engine.Container) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.container = &c
	return r.stopping
}

// markStopping flags the run and returns its container, if started.
func (r *run) markStopping() *engine.Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopping = true
	return r.container
}

func (r *run) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// Controller drives jobs through build, launch and monitoring, one
// goroutine per job.
type Controller struct {
	engine   engine.Engine
	registry *jobs.Registry
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

func New(eng engine.Engine, registry *jobs.Registry, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		engine:   eng,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "lifecycle"),
		runs:     make(map[string]*run),
	}
}

// Launch starts driving a requested job and returns immediately. The run
// outlives ctx's cancellation but keeps its values.
func (c *Controller) Launch(ctx context.Context, rec jobs.Record, spec imagespec.Spec, lc LaunchConfig) error {
	if rec.State != jobs.StateRequested {
		return &jobs.InvalidTransitionError{JobName: rec.JobName, From: rec.State, To: jobs.StateBuilding}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrShutdown
	}
	if _, ok := c.runs[rec.JobName]; ok {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s is already running", jobs.ErrDuplicateJob, rec.JobName)
	}
	c.runs[rec.JobName] = r
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.forget(rec.JobName)
		defer cancel()
		c.drive(runCtx, r, rec, spec, lc)
	}()
	return nil
}

func (c *Controller) drive(ctx context.Context, r *run, rec jobs.Record, spec imagespec.Spec, lc LaunchConfig) {
	name := rec.JobName
	logger := c.logger.With("job_name", name, "workspace", rec.WorkspaceName)

	if !c.advance(r, name, jobs.StateBuilding, "") {
		return
	}

	logger.Info("building image", "tag", spec.Tag)
	buildCtx, cancelBuild := context.WithTimeout(ctx, c.cfg.BuildTimeout)
	img, err := c.engine.Build(buildCtx, engine.BuildRequest{
		Tag:           spec.Tag,
		ContextDir:    lc.ContextDir,
		Spec:          spec.Content,
		WorkspaceName: rec.WorkspaceName,
	})
	cancelBuild()
	if err != nil {
		c.fail(ctx, r, name, err, logger)
		return
	}

	if !c.advance(r, name, jobs.StateLaunching, "", jobs.WithImageRef(img.Ref)) {
		return
	}

	ctr, err := c.engine.Start(ctx, img, engine.ContainerConfig{
		Name:          name,
		Hostname:      lc.Hostname,
		JobName:       name,
		WorkspaceName: rec.WorkspaceName,
	})
	if err != nil {
		c.fail(ctx, r, name, err, logger)
		return
	}

	if r.attach(ctr) {
		// The stop request saw no container; this goroutine owns teardown.
		logger.Info("stop landed during start, tearing down container", "container_id", ctr.ID)
		if err := c.stopContainer(context.Background(), ctr); err != nil {
			logger.Warn("failed to stop container started after stop request", "container_id", ctr.ID, "error", err)
		}
		return
	}
	if !c.advance(r, name, jobs.StateRunning, "", jobs.WithContainerID(ctr.ID)) {
		return
	}
	logger.Info("container running", "container_id", ctr.ID)

	outcome, err := c.engine.Wait(ctx, ctr)
	if err != nil {
		c.fail(ctx, r, name, err, logger)
		return
	}

	if outcome.Success() {
		c.advance(r, name, jobs.StateCompleted, "", jobs.WithExitCode(outcome.ExitCode))
		logger.Info("job completed")
		return
	}
	reason := fmt.Sprintf("container exited with code %d", outcome.ExitCode)
	c.advance(r, name, jobs.StateCrashed, reason, jobs.WithExitCode(outcome.ExitCode))
	logger.Warn("job crashed", "exit_code", outcome.ExitCode)
}

// advance applies a transition unless the job is being stopped. A refused
// transition means the job already reached a terminal state elsewhere.
func (c *Controller) advance(r *run, name string, to jobs.State, reason string, opts ...jobs.TransitionOption) bool {
	if r.isStopping() {
		return false
	}
	if _, err := c.registry.Transition(name, to, reason, opts...); err != nil {
		c.logger.Debug("run goroutine exiting", "job_name", name, "to", to, "error", err)
		return false
	}
	return true
}

// fail records err as the failure reason unless the run was cancelled, in
// which case the canceller owns the final state.
func (c *Controller) fail(ctx context.Context, r *run, name string, err error, logger *slog.Logger) {
	if ctx.Err() != nil {
		logger.Debug("run cancelled", "error", err)
		return
	}
	logger.Error("job failed", "error", err)
	c.advance(r, name, jobs.StateFailed, err.Error())
}

// Stop cancels a job and asks the engine to stop its container, waiting at
// most StopTimeout. The job ends stopped either way; an engine failure or
// timeout is noted as incomplete cleanup.
func (c *Controller) Stop(ctx context.Context, jobName string) (jobs.Record, error) {
	rec, err := c.registry.Get(jobName)
	if err != nil {
		return jobs.Record{}, err
	}
	if rec.State.Terminal() {
		return rec, &jobs.InvalidTransitionError{JobName: jobName, From: rec.State, To: jobs.StateStopped}
	}

	var ctr *engine.Container
	c.mu.Lock()
	r := c.runs[jobName]
	c.mu.Unlock()
	if r != nil {
		ctr = r.markStopping()
		r.cancel()
	}
	if ctr == nil && rec.ContainerID != "" {
		ctr = &engine.Container{ID: rec.ContainerID, Name: jobName, Job: jobName}
	}

	reason := "stopped by request"
	var opts []jobs.TransitionOption
	if ctr != nil {
		if err := c.stopContainer(context.WithoutCancel(ctx), *ctr); err != nil {
			c.logger.Warn("container stop failed", "job_name", jobName, "container_id", ctr.ID, "error", err)
			reason = "cleanup may be incomplete: " + err.Error()
			opts = append(opts, jobs.WithCleanupIncomplete())
		}
	}

	return c.registry.Transition(jobName, jobs.StateStopped, reason, opts...)
}

// stopContainer calls engine.Stop, giving up after StopTimeout even if the
// engine does not honor cancellation.
func (c *Controller) stopContainer(ctx context.Context, ctr engine.Container) error {
	stopCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.engine.Stop(stopCtx, ctr, c.cfg.StopGrace)
	}()

	select {
	case err := <-done:
		return err
	case <-stopCtx.Done():
		return fmt.Errorf("engine stop timed out after %s: %w", c.cfg.StopTimeout, stopCtx.Err())
	}
}

// Active returns the number of jobs with a live run goroutine.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// Shutdown refuses new launches, cancels every run and waits for the run
// goroutines to exit or ctx to end. Containers are left running; the next
// start stops them through StopOrphans and fails their jobs.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, r := range c.runs {
		r.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, name)
}
