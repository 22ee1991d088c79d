package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fuzzbed/fuzzbed/internal/events"
)

// Model is the bubbletea model behind `fuzzbed watch`.
type Model struct {
	src    Source
	server string

	width  int
	height int

	health   HealthState
	board    *JobBoard
	eventLog []events.Event
	lastID   int64

	beat     Heartbeat
	activity Activity
	theme    Theme
	table    table.Model

	stream    chan events.Event
	lastError string
	now       func() time.Time
}

// New returns a watch model reading from src. server is shown in the header.
func New(src Source, server string) Model {
	t := table.New(
		table.WithColumns(jobColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles())

	return Model{
		src:    src,
		server: server,
		board:  NewJobBoard(),
		beat:   NewHeartbeat(),
		theme:  NewDefaultTheme(),
		table:  t,
		stream: make(chan events.Event, 100),
		now:    time.Now,
	}
}

// Run starts the full-screen program and blocks until the user quits.
func Run(src Source, server string) error {
	_, err := tea.NewProgram(New(src, server), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		fetchSnapshot(m.src),
		subscribe(m.src, 0, m.stream),
		receiveNext(m.stream),
		fetchHealth(m.src),
		tick(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.src)
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(jobColumns(msg.Width))
		m.table.SetHeight(max(msg.Height-22, 5))
		m.refreshRows()

	case tickMsg:
		m.beat.Tick()
		m.activity.Decay(m.now())
		m.refreshRows()
		return m, tick()

	case snapshotMsg:
		m.board.Load(msg)
		m.refreshRows()

	case eventMsg:
		e := events.Event(msg)
		m.lastID = max(m.lastID, e.ID)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.activity.OnEvent(m.now())
		if m.board.Apply(e) {
			m.refreshRows()
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNext(m.stream)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Jobs = msg.Jobs
		m.health.Workspaces = msg.Workspaces
		m.health.ActiveRuns = msg.ActiveRuns
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, after(5*time.Second, refreshHealthMsg{})

	case refreshHealthMsg:
		return m, fetchHealth(m.src)

	case streamClosedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNext keeps reading the same channel, so only the
		// subscription is restarted.
		return m, after(3*time.Second, reconnectMsg{})

	case reconnectMsg:
		return m, tea.Batch(subscribe(m.src, m.lastID, m.stream), fetchSnapshot(m.src))

	case errMsg:
		m.lastError = msg.err.Error()
		return m, after(5*time.Second, refreshHealthMsg{})
	}

	return m, nil
}

func (m *Model) refreshRows() {
	m.table.SetRows(m.board.Rows(m.now()))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to fuzzbed..."
	}

	now := m.now()
	header := renderHeader(m.server, m.health, m.beat, m.activity, m.theme, m.width, now)
	jobsPanel := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(fmt.Sprintf("JOBS (%d)", m.board.Len())),
		m.table.View(),
	))
	stream := renderEventStream(m.eventLog, m.theme, m.width, 8)

	parts := []string{header, jobsPanel, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Select • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
