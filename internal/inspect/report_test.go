package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fuzzbed/fuzzbed/internal/jobs"
	"github.com/fuzzbed/fuzzbed/internal/journal"
	"github.com/fuzzbed/fuzzbed/internal/workspace"
)

type fakeSource struct {
	rec        jobs.Record
	jobErr     error
	history    []journal.Transition
	historyErr error
	workspaces []workspace.Handle
	tests      []string
}

func (f *fakeSource) Job(context.Context, string) (jobs.Record, error) { return f.rec, f.jobErr }

func (f *fakeSource) History(context.Context, string) ([]journal.Transition, error) {
	return f.history, f.historyErr
}

func (f *fakeSource) Workspaces(context.Context) ([]workspace.Handle, error) {
	return f.workspaces, nil
}

func (f *fakeSource) Tests(context.Context, string) ([]string, error) { return f.tests, nil }

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func crashedSource(t *testing.T) *fakeSource {
	t.Helper()
	wsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(wsDir, "test_default.cpp"), []byte("//"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(wsDir, "in"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, "in", "seed0"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := 139
	return &fakeSource{
		rec: jobs.Record{
			JobName:       "worker_1",
			WorkspaceName: "demo",
			State:         jobs.StateCrashed,
			CreatedAt:     t0,
			ContainerID:   "c0ffee",
			ExitCode:      &code,
			FailureReason: "container exited with code 139",
		},
		// Deliberately out of order.
		history: []journal.Transition{
			{JobName: "worker_1", From: jobs.StateBuilding, To: jobs.StateLaunching, At: t0.Add(90 * time.Second)},
			{JobName: "worker_1", To: jobs.StateRequested, At: t0},
			{JobName: "worker_1", From: jobs.StateRequested, To: jobs.StateBuilding, At: t0.Add(time.Second)},
			{JobName: "worker_1", From: jobs.StateLaunching, To: jobs.StateRunning, At: t0.Add(100 * time.Second)},
			{JobName: "worker_1", From: jobs.StateRunning, To: jobs.StateCrashed, Reason: "container exited with code 139", At: t0.Add(time.Hour)},
		},
		workspaces: []workspace.Handle{{Name: "other", Path: "/nowhere"}, {Name: "demo", Path: wsDir}},
		tests:      []string{"test_default.cpp"},
	}
}

func TestBuildReportRendersTransitionsAndWorkspace(t *testing.T) {
	t.Parallel()

	out, err := BuildReport(context.Background(), crashedSource(t), "worker_1", t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Job         : worker_1",
		"State       : crashed",
		"Exit code   : 139",
		"[0] <new> -> requested",
		"[1] requested -> building at 2026-05-01T12:00:01Z (1m29s)",
		"[4] running -> crashed",
		"reason : container exited with code 139",
		"harnesses : test_default.cpp",
		"- in/seed0",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestGatherLiveJobRunsUntilNow(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		rec: jobs.Record{JobName: "worker_2", WorkspaceName: "demo", State: jobs.StateRunning},
		history: []journal.Transition{
			{To: jobs.StateRequested, At: t0},
			{From: jobs.StateRequested, To: jobs.StateRunning, At: t0.Add(time.Minute)},
		},
	}
	report, err := Gather(context.Background(), src, "worker_2", t0.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("steps = %+v", report.Steps)
	}
	if report.Steps[1].Duration != 10*time.Minute {
		t.Fatalf("last step duration = %s, want 10m", report.Steps[1].Duration)
	}
	if report.Workspace != "" || report.Artifacts != nil {
		t.Fatalf("unknown workspace should stay empty: %+v", report)
	}
}

func TestGatherWithoutHistory(t *testing.T) {
	t.Parallel()

	src := crashedSource(t)
	src.history = nil
	src.historyErr = errors.New("server returned 501: history unavailable")

	out, err := BuildJSONReport(context.Background(), src, "worker_1", t0)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(report.HistoryError, "501") || len(report.Steps) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.Job.JobName != "worker_1" {
		t.Fatalf("job = %+v", report.Job)
	}
}

func TestGatherJobErrorsAreFatal(t *testing.T) {
	t.Parallel()

	if _, err := Gather(context.Background(), &fakeSource{}, " ", t0); err == nil {
		t.Fatal("expected error for empty job name")
	}
	notFound := errors.New("server returned 404: not found")
	if _, err := Gather(context.Background(), &fakeSource{jobErr: notFound}, "ghost", t0); !errors.Is(err, notFound) {
		t.Fatalf("Gather error = %v", err)
	}
}
