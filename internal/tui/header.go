package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fuzzbed/fuzzbed/internal/jobs"
)

// HealthState mirrors the last /healthz response.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Jobs          map[string]int
	Workspaces    int
	ActiveRuns    int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(server string, health HealthState, beat Heartbeat, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	status := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		status = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		status = theme.StatusFailed.Render("DEGRADED")
	}

	title := fmt.Sprintf(" FUZZBED WATCH %s  %s", theme.Highlight.Render(beat.Current()), theme.Dim.Render(server))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  ⏱ %s  Workspaces: %d  Runs: %d  %s",
		status,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Workspaces,
		health.ActiveRuns,
		renderCounts(health.Jobs, theme),
	)

	last := "never"
	if !activity.LastEvent().IsZero() {
		last = fmt.Sprintf("%s ago", now.Sub(activity.LastEvent()).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" Last event: %s %s", last, activity.Render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func renderCounts(counts map[string]int, theme Theme) string {
	var parts []string
	for _, st := range jobs.AllStates {
		if n := counts[string(st)]; n > 0 {
			parts = append(parts, theme.ForState(st).Render(fmt.Sprintf("%s:%d", st, n)))
		}
	}
	if len(parts) == 0 {
		return theme.Dim.Render("no jobs")
	}
	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
