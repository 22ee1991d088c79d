package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fuzzbed/fuzzbed/internal/events"
)

// errEventGap ends a stream whose subscriber fell behind and lost events.
// The client reconnects with Last-Event-ID and replays them from the ring.
var errEventGap = errors.New("event stream gap")

// sseStream writes server-sent events and remembers the last ID sent.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	last    int64
}

// send writes ev unless the client already has it. An ID that skips ahead
// of the last one sent means events were dropped.
func (s *sseStream) send(ev events.Event) error {
	if ev.ID <= s.last {
		return nil
	}
	if s.last > 0 && ev.ID != s.last+1 {
		return fmt.Errorf("%w: after %d got %d", errEventGap, s.last, ev.ID)
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Payloads are compact single-line JSON.
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	s.last = ev.ID
	return nil
}

func (s *sseStream) comment(text string) error {
	_, err := fmt.Fprintf(s.w, ": %s\n\n", text)
	return err
}

// handleEvents streams job and workspace events as server-sent events. A
// client reconnecting with Last-Event-ID first receives what it missed
// from the hub's ring.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeReason(w, http.StatusNotImplemented, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeReason(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.events.SubscribeSince(parseLastEventID(r.Header.Get("Last-Event-ID")))
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &sseStream{w: w, flusher: flusher}
	err := s.pump(r.Context(), stream, sub)
	if errors.Is(err, errEventGap) {
		s.logger.Warn("closing lagging event stream", "error", err)
	}
}

func (s *Server) pump(ctx context.Context, stream *sseStream, sub events.Subscription) error {
	for _, ev := range sub.Backlog {
		if err := stream.send(ev); err != nil {
			return err
		}
	}
	// With nothing replayed, live events continue from the cursor.
	if stream.last < sub.Cursor {
		stream.last = sub.Cursor
	}
	stream.flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive())
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := stream.send(ev); err != nil {
				return err
			}
			stream.flusher.Flush()
		case <-keepAlive.C:
			if err := stream.comment("keep-alive"); err != nil {
				return err
			}
			stream.flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
