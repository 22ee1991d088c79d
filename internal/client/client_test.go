package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzbed/fuzzbed/internal/api"
	"github.com/fuzzbed/fuzzbed/internal/events"
	"github.com/fuzzbed/fuzzbed/internal/jobs"
)

func TestNewNormalizesAddress(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:5000", New("127.0.0.1:5000").BaseURL())
	assert.Equal(t, "https://fb.example", New("https://fb.example/").BaseURL())
}

func TestStartSendsBearerAndBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/start", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req api.StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "demo", req.WorkspaceName)

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.JobResponse{Status: "success", JobName: "worker_1", State: jobs.StateRequested})
	}))
	defer ts.Close()

	resp, err := New(ts.URL, WithAPIKey("k")).Start(context.Background(), api.StartRequest{WorkspaceName: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "worker_1", resp.JobName)
	assert.Equal(t, jobs.StateRequested, resp.State)
}

func TestErrorsCarryReason(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"failed","reason":"not found"}`))
	}))
	defer ts.Close()

	_, err := New(ts.URL).Job(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, NotFound(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not found", apiErr.Reason)
}

func TestJobsQueryString(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "running", r.URL.Query().Get("state"))
		_, _ = w.Write([]byte(`[{"job_name":"a","workspace_name":"demo","state":"running"}]`))
	}))
	defer ts.Close()

	list, err := New(ts.URL).Jobs(context.Background(), jobs.StateRunning)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].JobName)
}

func TestParseSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: job.transition",
		`data: {"job_name":"a","to":"running","at":"2026-05-01T12:00:00Z"}`,
		"",
		"id: 8",
		"event: jobs.reaped",
		`data: {"job_names":["b"]}`,
		"",
	}, "\n")

	var got []events.Event
	err := ParseSSE(strings.NewReader(stream), func(ev events.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.JobTransition, got[0].Type)
	assert.Equal(t, 2026, got[0].At.Year())
	assert.Equal(t, events.JobsReaped, got[1].Type)
}

func TestParseSSEStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	stream := "event: a\ndata: {}\n\nevent: b\ndata: {}\n\n"
	calls := 0
	err := ParseSSE(strings.NewReader(stream), func(events.Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
