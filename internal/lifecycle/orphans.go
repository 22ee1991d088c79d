package lifecycle

import (
	"context"
	"slices"

	"github.com/fuzzbed/fuzzbed/internal/jobs"
)

// StopOrphans stops containers a previous orchestrator left running for
// journaled jobs that never reached a terminal state. It returns a copy of
// records with CleanupIncomplete set on every orphan whose container could
// not be stopped, ready for jobs.Registry.Restore.
func (c *Controller) StopOrphans(ctx context.Context, records []jobs.Record) []jobs.Record {
	out := slices.Clone(records)
	orphaned := make(map[string]int)
	for i, rec := range out {
		if !rec.State.Terminal() {
			orphaned[rec.JobName] = i
		}
	}
	if len(orphaned) == 0 {
		return out
	}

	containers, err := c.engine.List(ctx)
	if err != nil {
		c.logger.Error("failed to list containers for orphaned jobs", "error", err)
		// Without a listing, any job past building may still own a container.
		for _, i := range orphaned {
			if out[i].State == jobs.StateLaunching || out[i].State == jobs.StateRunning {
				out[i].CleanupIncomplete = true
			}
		}
		return out
	}

	for _, ctr := range containers {
		i, ok := orphaned[ctr.Job]
		if !ok {
			continue
		}
		logger := c.logger.With("job_name", ctr.Job, "container_id", ctr.ID)
		if err := c.stopContainer(ctx, ctr); err != nil {
			logger.Error("failed to stop orphaned container", "error", err)
			out[i].CleanupIncomplete = true
			continue
		}
		logger.Info("stopped orphaned container")
	}
	return out
}
