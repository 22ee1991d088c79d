package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fuzzbed/fuzzbed/internal/events"
	"github.com/fuzzbed/fuzzbed/internal/jobs"
)

const eventLogSize = 50

func renderEventStream(log []events.Event, theme Theme, width, rows int) string {
	innerWidth := width - 4

	if len(log) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	var lines []string
	for i, e := range log {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))
	style := theme.Dim
	if e.Type == events.WorkspaceCreated {
		style = theme.Highlight
	}

	desc := describe(e)
	if e.Type == events.JobTransition || e.Type == events.JobRegistered {
		var te jobs.TransitionEvent
		if json.Unmarshal(e.Data, &te) == nil {
			style = theme.ForState(te.To)
		}
	}
	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-18s", e.Type)), desc)
}

func describe(e events.Event) string {
	switch e.Type {
	case events.JobRegistered, events.JobTransition:
		var te jobs.TransitionEvent
		if err := json.Unmarshal(e.Data, &te); err == nil {
			s := fmt.Sprintf("[%s] %s", te.JobName, te.To)
			if te.From != "" {
				s = fmt.Sprintf("[%s] %s → %s", te.JobName, te.From, te.To)
			}
			if te.Reason != "" {
				s += " (" + te.Reason + ")"
			}
			return s
		}
	case events.JobsReaped:
		var p struct {
			JobNames []string `json:"job_names"`
		}
		if err := json.Unmarshal(e.Data, &p); err == nil {
			return fmt.Sprintf("%d job(s): %s", len(p.JobNames), strings.Join(p.JobNames, ", "))
		}
	case events.WorkspaceCreated:
		var p struct {
			Name     string `json:"workspace_name"`
			Executor string `json:"executor"`
		}
		if err := json.Unmarshal(e.Data, &p); err == nil {
			return fmt.Sprintf("%s (%s)", p.Name, p.Executor)
		}
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}
