package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the orchestrator.
const (
	JobRegistered    = "job.registered"
	JobTransition    = "job.transition"
	JobsReaped       = "jobs.reaped"
	WorkspaceCreated = "workspace.created"
	WorkspacesRescan = "workspace.rescan"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans job and workspace events out to SSE clients, keeping the most
// recent ones in a ring so a reconnecting client can catch up.
type Hub struct {
	seq atomic.Int64

	mu     sync.Mutex
	ring   []Event
	head   int
	count  int
	closed bool

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and offers it to every subscriber. Subscribers
// that are not keeping up miss the event rather than stall the publisher;
// IDs are consecutive, so a subscriber detects the gap.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	ev := Event{
		ID:   h.seq.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.push(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a live event channel and a function that releases it.
// The channel is closed when released or when the hub closes.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeLocked()
}

// Subscription is a live channel plus the buffered events it resumes from.
// Cursor is the newest event ID at subscription time; every event on C has
// a larger ID.
type Subscription struct {
	Backlog []Event
	Cursor  int64
	C       <-chan Event
	Cancel  func()
}

// SubscribeSince snapshots buffered events newer than lastID and subscribes
// under one lock, so no event falls between the two. A lastID past the
// newest event comes from an earlier process and is treated as zero.
func (h *Hub) SubscribeSince(lastID int64) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	cursor := h.seq.Load()
	if lastID > cursor {
		lastID = 0
	}
	sub := Subscription{Backlog: h.snapshotLocked(lastID), Cursor: cursor}
	sub.C, sub.Cancel = h.subscribeLocked()
	return sub
}

func (h *Hub) subscribeLocked() (<-chan Event, func()) {
	ch := make(chan Event, 128)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription and drops later publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// SnapshotSince returns buffered events newer than lastID, oldest first.
// A zero lastID returns the whole buffer.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(lastID)
}

func (h *Hub) snapshotLocked(lastID int64) []Event {
	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) push(ev Event) {
	if h.count < len(h.ring) {
		h.ring[(h.head+h.count)%len(h.ring)] = ev
		h.count++
		return
	}
	h.ring[h.head] = ev
	h.head = (h.head + 1) % len(h.ring)
}
