package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/fuzzbed/fuzzbed/internal/events"
	"github.com/fuzzbed/fuzzbed/internal/jobs"
)

// JobView is the watch view's copy of one job.
type JobView struct {
	Name      string
	Workspace string
	State     jobs.State
	Reason    string
	CreatedAt time.Time
	ChangedAt time.Time
}

// JobBoard tracks jobs from an initial snapshot plus the event stream.
type JobBoard struct {
	jobs map[string]*JobView
}

func NewJobBoard() *JobBoard {
	return &JobBoard{jobs: make(map[string]*JobView)}
}

// Load replaces the board with a registry snapshot.
func (b *JobBoard) Load(records []jobs.Record) {
	b.jobs = make(map[string]*JobView, len(records))
	for _, rec := range records {
		b.jobs[rec.JobName] = &JobView{
			Name:      rec.JobName,
			Workspace: rec.WorkspaceName,
			State:     rec.State,
			Reason:    rec.FailureReason,
			CreatedAt: rec.CreatedAt,
			ChangedAt: rec.LastTransitionAt,
		}
	}
}

// Apply folds one event into the board and reports whether it changed.
func (b *JobBoard) Apply(e events.Event) bool {
	switch e.Type {
	case events.JobRegistered, events.JobTransition:
		var te jobs.TransitionEvent
		if err := json.Unmarshal(e.Data, &te); err != nil || te.JobName == "" {
			return false
		}
		v, ok := b.jobs[te.JobName]
		if !ok {
			v = &JobView{Name: te.JobName, Workspace: te.WorkspaceName, CreatedAt: te.At}
			b.jobs[te.JobName] = v
		}
		// Events can arrive after a newer snapshot.
		if !te.At.IsZero() && te.At.Before(v.ChangedAt) {
			return false
		}
		v.State = te.To
		v.ChangedAt = te.At
		if te.Reason != "" {
			v.Reason = te.Reason
		}
		return true

	case events.JobsReaped:
		var payload struct {
			JobNames []string `json:"job_names"`
		}
		if err := json.Unmarshal(e.Data, &payload); err != nil {
			return false
		}
		for _, name := range payload.JobNames {
			delete(b.jobs, name)
		}
		return len(payload.JobNames) > 0
	}
	return false
}

func (b *JobBoard) Get(name string) (JobView, bool) {
	v, ok := b.jobs[name]
	if !ok {
		return JobView{}, false
	}
	return *v, true
}

func (b *JobBoard) Len() int { return len(b.jobs) }

// Sorted returns active jobs first, then newest first.
func (b *JobBoard) Sorted() []JobView {
	out := make([]JobView, 0, len(b.jobs))
	for _, v := range b.jobs {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].State.Terminal(), out[j].State.Terminal()
		if ti != tj {
			return !ti
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func jobColumns(width int) []table.Column {
	reason := max(width-4-24-16-12-10-10, 10)
	return []table.Column{
		{Title: "Job", Width: 24},
		{Title: "Workspace", Width: 16},
		{Title: "State", Width: 12},
		{Title: "Age", Width: 10},
		{Title: "Reason", Width: reason},
	}
}

func (b *JobBoard) Rows(now time.Time) []table.Row {
	views := b.Sorted()
	rows := make([]table.Row, 0, len(views))
	for _, v := range views {
		rows = append(rows, table.Row{
			v.Name,
			v.Workspace,
			stateLabel(v.State),
			formatDuration(now.Sub(v.CreatedAt)),
			v.Reason,
		})
	}
	return rows
}

func stateLabel(s jobs.State) string {
	icon := "·"
	switch s {
	case jobs.StateCompleted:
		icon = "✓"
	case jobs.StateCrashed, jobs.StateFailed:
		icon = "✗"
	case jobs.StateStopped:
		icon = "■"
	case jobs.StateBuilding, jobs.StateLaunching, jobs.StateRunning:
		icon = "▶"
	}
	return fmt.Sprintf("%s %s", icon, s)
}
