package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fuzzbed/fuzzbed/internal/api"
	"github.com/fuzzbed/fuzzbed/internal/events"
	"github.com/fuzzbed/fuzzbed/internal/jobs"
)

// Source is the part of client.Client the watch view needs.
type Source interface {
	Health(ctx context.Context) (api.HealthzResponse, error)
	Jobs(ctx context.Context, state jobs.State) ([]jobs.Record, error)
	Events(ctx context.Context, lastID int64, fn func(events.Event) error) error
}

type (
	eventMsg         events.Event
	healthMsg        api.HealthzResponse
	snapshotMsg      []jobs.Record
	tickMsg          time.Time
	errMsg           struct{ err error }
	streamClosedMsg  struct{}
	reconnectMsg     struct{}
	refreshHealthMsg struct{}
)

const requestTimeout = 3 * time.Second

// subscribe streams events into ch until the connection drops.
func subscribe(src Source, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = src.Events(context.Background(), lastID, func(ev events.Event) error {
			ch <- ev
			return nil
		})
		return streamClosedMsg{}
	}
}

func receiveNext(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		h, err := src.Health(ctx)
		if err != nil {
			return errMsg{err}
		}
		return healthMsg(h)
	}
}

func fetchSnapshot(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		list, err := src.Jobs(ctx, "")
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg(list)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func after(d time.Duration, msg tea.Msg) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return msg })
}
