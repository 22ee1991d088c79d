package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzbed/fuzzbed/internal/jobs"
	"github.com/fuzzbed/fuzzbed/internal/log"
	"github.com/fuzzbed/fuzzbed/internal/storage"
)

func openJournal(t *testing.T, path string) *Journal {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestRegistryTransitionsAreJournaled(t *testing.T) {
	j := openJournal(t, storage.MemoryPath)
	reg := jobs.NewRegistry(jobs.WithJournal(j), jobs.WithLogger(log.Discard()))
	t.Cleanup(reg.Close)

	_, err := reg.Register("worker_1", "demo")
	require.NoError(t, err)
	for _, st := range []jobs.State{jobs.StateBuilding, jobs.StateLaunching} {
		_, err := reg.Transition("worker_1", st, "")
		require.NoError(t, err)
	}
	_, err = reg.Transition("worker_1", jobs.StateRunning, "", jobs.WithContainerID("c1"), jobs.WithImageRef("fuzzbed/demo:abc"))
	require.NoError(t, err)
	want, err := reg.Transition("worker_1", jobs.StateCrashed, "container exited with code 1", jobs.WithExitCode(1))
	require.NoError(t, err)
	reg.Flush()

	recs, err := j.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	got := recs[0]
	assert.Equal(t, want.JobName, got.JobName)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, "c1", got.ContainerID)
	assert.Equal(t, "fuzzbed/demo:abc", got.ImageRef)
	assert.Equal(t, "container exited with code 1", got.FailureReason)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.LastTransitionAt.Equal(got.LastTransitionAt))

	history, err := j.History(context.Background(), "worker_1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, jobs.State(""), history[0].From)
	assert.Equal(t, jobs.StateRequested, history[0].To)
	assert.Equal(t, jobs.StateRunning, history[4].From)
	assert.Equal(t, jobs.StateCrashed, history[4].To)
	assert.Equal(t, "container exited with code 1", history[4].Reason)
}

func TestRestartRecoversOrphansAndReapedNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	first := openJournal(t, path)
	reg := jobs.NewRegistry(jobs.WithJournal(first), jobs.WithLogger(log.Discard()), jobs.WithClock(func() time.Time { return clock }))

	_, _ = reg.Register("old", "demo")
	_, _ = reg.Transition("old", jobs.StateStopped, "stopped by request", jobs.WithCleanupIncomplete())
	_, _ = reg.Register("orphan", "demo")
	_, _ = reg.Transition("orphan", jobs.StateBuilding, "")
	_, _ = reg.Register("reaped", "demo")
	_, _ = reg.Transition("reaped", jobs.StateFailed, "boom")
	clock = clock.Add(time.Hour)
	require.Equal(t, 2, reg.Reap(time.Minute))
	reg.Close()

	second := openJournal(t, path)
	recs, err := second.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "orphan", recs[0].JobName)

	reaped, err := second.Reaped(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "reaped"}, reaped)

	restored := jobs.NewRegistry(jobs.WithJournal(second), jobs.WithLogger(log.Discard()))
	n, err := restored.Restore(recs, reaped)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	restored.Flush()
	t.Cleanup(restored.Close)

	got, err := restored.Get("orphan")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, got.State)
	assert.Equal(t, "orchestrator restarted while job was building", got.FailureReason)

	_, err = restored.Register("reaped", "demo")
	assert.ErrorIs(t, err, jobs.ErrDuplicateJob)

	again, err := second.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, again[0].State)
}

func TestDeleteNoNames(t *testing.T) {
	j := openJournal(t, storage.MemoryPath)
	assert.NoError(t, j.Delete(nil))
}
