package api

import (
	"time"

	"github.com/fuzzbed/fuzzbed/internal/jobs"
	"github.com/fuzzbed/fuzzbed/internal/manifest"
)

const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

// InitRequest is the JSON body for POST /api/init.
type InitRequest struct {
	WorkspaceName string             `json:"workspace_name"`
	Manifest      *manifest.Document `json:"manifest,omitempty"`
	ManifestPath  string             `json:"manifest_path,omitempty"`
	// Harnesses maps file names to source text.
	Harnesses map[string]string `json:"harnesses,omitempty"`
}

type InitResponse struct {
	Status        string `json:"status"`
	WorkspaceName string `json:"workspace_name,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	Executor      string `json:"executor,omitempty"`
	ImageTag      string `json:"image_tag,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// StartRequest is the JSON body for POST /api/start.
type StartRequest struct {
	WorkspaceName string `json:"workspace_name"`
	JobName       string `json:"job_name,omitempty"`
}

// JobResponse is returned by start and stop.
type JobResponse struct {
	Status            string     `json:"status"`
	JobName           string     `json:"job_name,omitempty"`
	State             jobs.State `json:"state,omitempty"`
	CleanupIncomplete bool       `json:"cleanup_incomplete,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

// FailureResponse is the body of every error response.
type FailureResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type TestsResponse struct {
	WorkspaceName string   `json:"workspace_name"`
	Tests         []string `json:"tests"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Jobs          map[string]int `json:"jobs"`
	Workspaces    int            `json:"workspaces"`
	ActiveRuns    int            `json:"active_runs"`
	StartedAt     time.Time      `json:"started_at"`
}
