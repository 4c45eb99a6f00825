package watch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/hl7gw/internal/events"
	"github.com/mattjoyce/hl7gw/internal/stats"
)

const (
	maxEventLog   = 50
	pollInterval  = 5 * time.Second
	retryInterval = 3 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL   string
	apiKey   string
	endpoint string

	width  int
	height int

	health    HealthState
	total     stats.Counters
	endpoints map[string]*EndpointState
	exchanges []ExchangeRow
	eventLog  []events.Event

	pulse            Pulse
	theme            Theme
	table            table.Model
	selectedEndpoint int

	hubEvents chan events.Event
	lastID    *atomic.Int64

	lastError string
}

// New creates a watch model. endpoint, when set, restricts the stream to one
// endpoint.
func New(apiURL, apiKey, endpoint string) *Model {
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		endpoint:  endpoint,
		endpoints: make(map[string]*EndpointState),
		hubEvents: make(chan events.Event, 100),
		lastID:    new(atomic.Int64),
		pulse:     NewPulse(),
		theme:     NewDefaultTheme(),
		table:     newExchangeTable(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.endpoint, m.lastID, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.poll,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

// poll fetches health first and stats second. A token without stats:ro
// still gets health.
func (m Model) poll() tea.Msg {
	h := fetchHealth(m.apiURL, m.apiKey)
	if _, ok := h.(healthMsg); !ok {
		return h
	}
	return tea.BatchMsg{
		func() tea.Msg { return h },
		func() tea.Msg { return fetchStats(m.apiURL, m.apiKey) },
	}
}

func (m Model) schedulePoll() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.poll() })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "left", "h":
			if m.selectedEndpoint > 0 {
				m.selectedEndpoint--
			}
			return m, nil
		case "right", "l":
			if m.selectedEndpoint < len(m.endpoints)-1 {
				m.selectedEndpoint++
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(5, m.height/3))

	case tickMsg:
		m.pulse.Tick()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.InFlight = msg.InFlight
		m.health.Endpoints = len(msg.Endpoints)
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, nil

	case statsMsg:
		m.total = msg.Total
		return m, m.schedulePoll()

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		// The pending receiveNextEvent keeps reading the channel, so the new
		// subscription just feeds it.
		return m, tea.Tick(retryInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.endpoint, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.schedulePoll()
	}

	return m, nil
}

func (m *Model) applyEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.pulse.OnEvent()
	m.health.Connected = true

	if row, ok := updateEndpointState(m.endpoints, e); ok {
		m.exchanges = append([]ExchangeRow{*row}, m.exchanges...)
		if len(m.exchanges) > maxExchangeRows {
			m.exchanges = m.exchanges[:maxExchangeRows]
		}
		m.table.SetRows(exchangeRows(m.exchanges))
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.health, m.total, m.pulse, m.theme, m.width),
		renderEndpoints(m.endpoints, m.selectedEndpoint, m.theme, m.width),
		renderExchanges(m.table, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.OutcomeError.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit • [←/→] endpoint • [↑/↓] exchanges"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
