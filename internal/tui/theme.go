// Package tui implements `fuzzbed watch`, a live terminal view of jobs and
// orchestrator events.
package tui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/fuzzbed/fuzzbed/internal/jobs"
)

// Theme keeps every colour used by the watch view in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusActive  lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusPending lipgloss.Style
	StatusStopped lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusActive:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusStopped: lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// ForState picks the style for a job state.
func (t Theme) ForState(s jobs.State) lipgloss.Style {
	switch s {
	case jobs.StateCompleted:
		return t.StatusOK
	case jobs.StateBuilding, jobs.StateLaunching, jobs.StateRunning:
		return t.StatusActive
	case jobs.StateCrashed, jobs.StateFailed:
		return t.StatusFailed
	case jobs.StateStopped:
		return t.StatusStopped
	default:
		return t.StatusPending
	}
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	return s
}
