package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fuzzbed/fuzzbed/internal/jobs"
	"github.com/fuzzbed/fuzzbed/internal/lifecycle"
	"github.com/fuzzbed/fuzzbed/internal/manifest"
	"github.com/fuzzbed/fuzzbed/internal/orchestrator"
	"github.com/fuzzbed/fuzzbed/internal/workspace"
)

// maxBodyBytes caps request bodies; harness sources travel inline in init.
const maxBodyBytes = 8 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health()
	counts := make(map[string]int, len(h.Jobs))
	for st, n := range h.Jobs {
		counts[string(st)] = n
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Jobs:          counts,
		Workspaces:    h.Workspaces,
		ActiveRuns:    h.ActiveRuns,
		StartedAt:     s.startedAt.UTC(),
	})
}

// handleInit handles POST /api/init.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if !s.decode(w, r, &req) {
		return
	}

	harnesses := make(map[string][]byte, len(req.Harnesses))
	for name, src := range req.Harnesses {
		harnesses[name] = []byte(src)
	}

	res, err := s.svc.Init(r.Context(), orchestrator.InitRequest{
		WorkspaceName: req.WorkspaceName,
		Manifest:      req.Manifest,
		ManifestPath:  req.ManifestPath,
		Harnesses:     harnesses,
	})
	if err != nil {
		code := statusFor(err)
		respondJSON(w, code, InitResponse{Status: statusFailed, WorkspaceName: req.WorkspaceName, Reason: err.Error()})
		return
	}

	respondJSON(w, http.StatusCreated, InitResponse{
		Status:        statusSuccess,
		WorkspaceName: res.Workspace.Name,
		WorkspacePath: res.Workspace.Path,
		Executor:      res.Manifest.Executor,
		ImageTag:      res.ImageTag,
	})
}

// handleListWorkspaces handles GET /api/workspaces.
func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list := s.svc.Workspaces()
	if list == nil {
		list = []workspace.Handle{}
	}
	respondJSON(w, http.StatusOK, list)
}

// handleListTests handles GET /api/workspaces/{name}/tests.
func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tests, err := s.svc.Harnesses(name)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if tests == nil {
		tests = []string{}
	}
	respondJSON(w, http.StatusOK, TestsResponse{WorkspaceName: name, Tests: tests})
}

// handleStart handles POST /api/start.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.WorkspaceName == "" {
		s.writeReason(w, http.StatusBadRequest, "workspace_name is required")
		return
	}

	rec, err := s.svc.Start(r.Context(), orchestrator.StartRequest{
		WorkspaceName: req.WorkspaceName,
		JobName:       req.JobName,
	})
	if err != nil {
		respondJSON(w, statusFor(err), JobResponse{Status: statusFailed, JobName: req.JobName, Reason: err.Error()})
		return
	}
	respondJSON(w, http.StatusAccepted, JobResponse{Status: statusSuccess, JobName: rec.JobName, State: rec.State})
}

// handleListJobs handles GET /api/jobs[?state=].
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter *jobs.State
	if v := r.URL.Query().Get("state"); v != "" {
		st, err := jobs.ParseState(v)
		if err != nil {
			s.writeReason(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = &st
	}
	list := s.svc.Jobs(filter)
	if list == nil {
		list = []jobs.Record{}
	}
	respondJSON(w, http.StatusOK, list)
}

// handleGetJob handles GET /api/jobs/{job_name}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Job(chi.URLParam(r, "job_name"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		s.writeReason(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleJobHistory handles GET /api/jobs/{job_name}/history.
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.svc.History(r.Context(), chi.URLParam(r, "job_name"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, hist)
}

// handleStop handles POST /api/jobs/{job_name}/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job_name")
	rec, err := s.svc.Stop(r.Context(), name)
	if err != nil {
		resp := JobResponse{Status: statusFailed, JobName: name, Reason: err.Error()}
		if rec.JobName != "" {
			resp.State = rec.State
		}
		respondJSON(w, statusFor(err), resp)
		return
	}
	respondJSON(w, http.StatusOK, JobResponse{
		Status:            statusSuccess,
		JobName:           rec.JobName,
		State:             rec.State,
		CleanupIncomplete: rec.CleanupIncomplete,
		Reason:            rec.FailureReason,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeReason(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manifest.ErrInvalidManifest),
		errors.Is(err, workspace.ErrInvalidName),
		errors.Is(err, orchestrator.ErrInvalidJobName),
		errors.Is(err, orchestrator.ErrInvalidHarnessName):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrWorkspaceNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrWorkspaceExists),
		errors.Is(err, jobs.ErrDuplicateJob),
		errors.Is(err, jobs.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrHistoryUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, lifecycle.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeReason(w, code, err.Error())
}

func (s *Server) writeReason(w http.ResponseWriter, statusCode int, reason string) {
	respondJSON(w, statusCode, FailureResponse{Status: statusFailed, Reason: reason})
}
