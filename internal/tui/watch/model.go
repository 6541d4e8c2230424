package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/courier/internal/api"
	"github.com/mattjoyce/courier/internal/events"
)

const eventLogSize = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *api.Client

	width  int
	height int

	health   HealthState
	requests map[string]*RequestState
	eventLog []events.Event
	lastID   int64

	ticker  Ticker
	spinner Spinner
	theme   Theme
	table   table.Model

	hubEvents chan events.Event

	lastError string
	now       func() time.Time
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		client:    api.NewClient(apiURL, apiKey),
		requests:  make(map[string]*RequestState),
		eventLog:  make([]events.Event, 0, eventLogSize),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		table:     newRequestTable(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.client) },
		tickEvery(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(msg.Height/3, 5))

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(time.Time(msg))
		m.table.SetRows(requestRows(m.requests, time.Time(msg)))
		return m, tickEvery()

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.spinner.OnEvent(m.now())
		updateRequestState(m.requests, e)
		m.table.SetRows(requestRows(m.requests, m.now()))

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Peer = msg.Peer
		m.health.QueueDepth = msg.QueueDepth
		m.health.InFlight = msg.InFlight
		m.health.Pending = msg.Pending
		m.health.BreakerState = msg.BreakerState
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = msg.Error
		return m, healthAfter(m.client, 5*time.Second)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		// The pending receiveNextEvent keeps reading the same channel, so
		// the new subscription only needs to resume after lastID.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		m.health.Connected = false
		return m, healthAfter(m.client, 5*time.Second)
	}

	return m, nil
}

// openRequests counts requests not yet in a terminal state.
func (m Model) openRequests() int {
	n := 0
	for _, r := range m.requests {
		if !r.State.Terminal() {
			n++
		}
	}
	return n
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to courier..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width, now),
		renderRequests(m.table, m.openRequests(), m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll requests"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
