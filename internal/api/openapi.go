package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/fuzzbed/fuzzbed/internal/auth"
)

type routeDoc struct {
	Method    string
	Path      string
	Summary   string
	Scope     string
	Body      string
	Responses map[string]string
}

// apiRoutes documents the authenticated routes registered in setupRoutes.
var apiRoutes = []routeDoc{
	{http.MethodPost, "/api/init", "Initialize a workspace from a manifest", auth.ScopeWorkspaces, "InitRequest",
		map[string]string{"201": "Workspace created", "400": "Invalid manifest or name", "409": "Workspace exists"}},
	{http.MethodGet, "/api/workspaces", "List workspaces", auth.ScopeWorkspacesRead, "",
		map[string]string{"200": "Workspaces"}},
	{http.MethodGet, "/api/workspaces/{name}/tests", "List harness sources in a workspace", auth.ScopeWorkspacesRead, "",
		map[string]string{"200": "Harness file names", "404": "Workspace not found"}},
	{http.MethodPost, "/api/start", "Start a fuzzing job", auth.ScopeJobs, "StartRequest",
		map[string]string{"202": "Job requested", "400": "Invalid request", "404": "Workspace not found", "409": "Job exists"}},
	{http.MethodGet, "/api/jobs", "List jobs, optionally by state", auth.ScopeJobsRead, "",
		map[string]string{"200": "Job records", "400": "Unknown state"}},
	{http.MethodGet, "/api/jobs/{job_name}", "Get one job", auth.ScopeJobsRead, "",
		map[string]string{"200": "Job record", "404": "Not found"}},
	{http.MethodGet, "/api/jobs/{job_name}/history", "Get a job's state transitions", auth.ScopeJobsRead, "",
		map[string]string{"200": "Transitions", "404": "Not found"}},
	{http.MethodPost, "/api/jobs/{job_name}/stop", "Stop a job", auth.ScopeJobs, "",
		map[string]string{"200": "Job stopped", "404": "Not found", "409": "Job already finished"}},
	{http.MethodGet, "/api/events", "Server-sent event stream", auth.ScopeEvents, "",
		map[string]string{"200": "text/event-stream"}},
}

var (
	openAPIOnce sync.Once
	openAPIDoc  map[string]any
)

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	openAPIOnce.Do(func() { openAPIDoc = buildOpenAPIDoc(apiRoutes) })
	respondJSON(w, http.StatusOK, openAPIDoc)
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for routes.
func buildOpenAPIDoc(routes []routeDoc) map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		responses := map[string]any{
			"401": map[string]any{"description": "Missing or invalid token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		for code, desc := range rt.Responses {
			responses[code] = map[string]any{"description": desc}
		}

		op := map[string]any{
			"operationId": operationID(rt.Method, rt.Path),
			"summary":     rt.Summary,
			"responses":   responses,
			"security":    []any{map[string]any{"BearerAuth": []string{rt.Scope}}},
		}
		if rt.Body != "" {
			op["requestBody"] = map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": map[string]any{"$ref": "#/components/schemas/" + rt.Body},
					},
				},
			}
		}

		item, ok := paths[rt.Path].(map[string]any)
		if !ok {
			item = map[string]any{}
			paths[rt.Path] = item
		}
		item[strings.ToLower(rt.Method)] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "fuzzbed",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"InitRequest": map[string]any{
					"type":     "object",
					"required": []string{"workspace_name"},
					"properties": map[string]any{
						"workspace_name": map[string]any{"type": "string"},
						"manifest":       map[string]any{"type": "object"},
						"manifest_path":  map[string]any{"type": "string"},
						"harnesses":      map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
					},
				},
				"StartRequest": map[string]any{
					"type":     "object",
					"required": []string{"workspace_name"},
					"properties": map[string]any{
						"workspace_name": map[string]any{"type": "string"},
						"job_name":       map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func operationID(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, part := range strings.Split(strings.TrimPrefix(path, "/api/"), "/") {
		part = strings.Trim(part, "{}")
		if part == "" {
			continue
		}
		b.WriteString("_")
		b.WriteString(part)
	}
	return b.String()
}
