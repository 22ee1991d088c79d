package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(JobTransition, map[string]int{"n": i})
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].ID)
	assert.Equal(t, int64(5), all[2].ID)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(all[2].Data, &payload))
	assert.Equal(t, 4, payload["n"])

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestHubSubscribeAndCancel(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	h.Publish(WorkspaceCreated, nil)
	ev := <-ch
	assert.Equal(t, WorkspaceCreated, ev.Type)
	assert.JSONEq(t, "{}", string(ev.Data))

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())
	cancel()
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Close()
	_, ok := <-ch
	assert.False(t, ok)

	h.Publish(JobTransition, nil)
	assert.Empty(t, h.SnapshotSince(0))

	late, _ := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestSubscribeSinceResumesWithoutGap(t *testing.T) {
	h := NewHub(8)
	for i := 0; i < 3; i++ {
		h.Publish(JobTransition, map[string]int{"n": i})
	}

	sub := h.SubscribeSince(2)
	defer sub.Cancel()
	require.Len(t, sub.Backlog, 1)
	assert.Equal(t, int64(3), sub.Backlog[0].ID)
	assert.Equal(t, int64(3), sub.Cursor)

	h.Publish(JobTransition, map[string]int{"n": 3})
	select {
	case ev := <-sub.C:
		assert.Equal(t, int64(4), ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event published after subscribing was not delivered")
	}
}

func TestSubscribeSinceTreatsFutureIDAsStale(t *testing.T) {
	h := NewHub(8)
	h.Publish(JobRegistered, nil)
	h.Publish(JobTransition, nil)

	sub := h.SubscribeSince(500)
	defer sub.Cancel()
	assert.Len(t, sub.Backlog, 2)
	assert.Equal(t, int64(2), sub.Cursor)
}
