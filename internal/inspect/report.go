// Package inspect renders a single job: its record, the journaled
// transitions with the time spent in each state, and its workspace.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fuzzbed/fuzzbed/internal/jobs"
	"github.com/fuzzbed/fuzzbed/internal/journal"
	"github.com/fuzzbed/fuzzbed/internal/workspace"
)

// Source is the read side of the API. *client.Client implements it.
type Source interface {
	Job(ctx context.Context, jobName string) (jobs.Record, error)
	History(ctx context.Context, jobName string) ([]journal.Transition, error)
	Workspaces(ctx context.Context) ([]workspace.Handle, error)
	Tests(ctx context.Context, name string) ([]string, error)
}

// Report is the structured JSON representation of a job report.
type Report struct {
	Job       jobs.Record `json:"job"`
	Steps     []Step      `json:"steps"`
	Workspace string      `json:"workspace_path,omitempty"`
	Harnesses []string    `json:"harnesses,omitempty"`
	// Artifacts lists workspace files when the workspace is on this host.
	Artifacts []string `json:"artifacts,omitempty"`
	// HistoryError is set when the server keeps no journal.
	HistoryError string `json:"history_error,omitempty"`
}

// Step is one transition and how long the job stayed in the state it
// entered. The last step of a live job runs until now.
type Step struct {
	From     jobs.State    `json:"from,omitempty"`
	To       jobs.State    `json:"to"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration_ns"`
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, src Source, jobName string, now time.Time) (string, error) {
	report, err := Gather(ctx, src, jobName, now)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job         : %s\n", report.Job.JobName)
	fmt.Fprintf(&out, "Workspace   : %s\n", report.Job.WorkspaceName)
	fmt.Fprintf(&out, "State       : %s\n", report.Job.State)
	fmt.Fprintf(&out, "Created     : %s\n", report.Job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Container   : %s\n", renderUnset(report.Job.ContainerID, "<none>"))
	fmt.Fprintf(&out, "Image       : %s\n", renderUnset(report.Job.ImageRef, "<none>"))
	if report.Job.ExitCode != nil {
		fmt.Fprintf(&out, "Exit code   : %d\n", *report.Job.ExitCode)
	}
	if report.Job.FailureReason != "" {
		fmt.Fprintf(&out, "Reason      : %s\n", report.Job.FailureReason)
	}
	if report.Job.CleanupIncomplete {
		fmt.Fprintf(&out, "Cleanup     : incomplete, container may still be running\n")
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Transitions\n")
	if report.HistoryError != "" {
		fmt.Fprintf(&out, "  <unavailable: %s>\n", report.HistoryError)
	}
	for i, step := range report.Steps {
		fmt.Fprintf(&out, "[%d] %s -> %s at %s (%s)\n", i,
			renderUnset(string(step.From), "<new>"), step.To,
			step.At.Format(time.RFC3339), step.Duration.Round(time.Second))
		if step.Reason != "" {
			fmt.Fprintf(&out, "    reason : %s\n", step.Reason)
		}
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Workspace\n")
	fmt.Fprintf(&out, "  path      : %s\n", renderUnset(report.Workspace, "<unknown>"))
	fmt.Fprintf(&out, "  harnesses : %s\n", renderUnset(strings.Join(report.Harnesses, ", "), "<none>"))
	if len(report.Artifacts) > 0 {
		fmt.Fprintf(&out, "  files     :\n")
		for _, artifact := range report.Artifacts {
			fmt.Fprintf(&out, "    - %s\n", artifact)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, src Source, jobName string, now time.Time) (string, error) {
	report, err := Gather(ctx, src, jobName, now)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// Gather collects the report. Only a failed job lookup is fatal; the
// history and workspace sections degrade to empty.
func Gather(ctx context.Context, src Source, jobName string, now time.Time) (*Report, error) {
	if strings.TrimSpace(jobName) == "" {
		return nil, fmt.Errorf("job_name is required")
	}

	rec, err := src.Job(ctx, jobName)
	if err != nil {
		return nil, err
	}
	report := &Report{Job: rec, Steps: make([]Step, 0)}

	transitions, err := src.History(ctx, jobName)
	if err != nil {
		report.HistoryError = err.Error()
	}
	report.Steps = buildSteps(transitions, rec.State, now)

	if list, err := src.Workspaces(ctx); err == nil {
		for _, h := range list {
			if h.Name == rec.WorkspaceName {
				report.Workspace = h.Path
				break
			}
		}
	}
	if tests, err := src.Tests(ctx, rec.WorkspaceName); err == nil {
		report.Harnesses = tests
	}
	if report.Workspace != "" {
		// Best effort: a remote server's workspace is simply absent here.
		report.Artifacts, _ = listArtifacts(report.Workspace)
	}
	return report, nil
}

func buildSteps(transitions []journal.Transition, current jobs.State, now time.Time) []Step {
	sorted := make([]journal.Transition, len(transitions))
	copy(sorted, transitions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	steps := make([]Step, 0, len(sorted))
	for i, t := range sorted {
		step := Step{From: t.From, To: t.To, Reason: t.Reason, At: t.At}
		switch {
		case i+1 < len(sorted):
			step.Duration = sorted[i+1].At.Sub(t.At)
		case !current.Terminal():
			step.Duration = now.Sub(t.At)
		}
		steps = append(steps, step)
	}
	return steps
}

func listArtifacts(workspaceDir string) ([]string, error) {
	if _, err := os.Stat(workspaceDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	artifacts := make([]string, 0)
	err := filepath.WalkDir(workspaceDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == workspaceDir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
