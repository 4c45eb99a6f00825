package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/hl7gw/internal/events"
)

// EndpointState is what the monitor has learned about one endpoint from
// the event stream.
type EndpointState struct {
	Name        string
	Open        map[string]time.Time // exchange ID -> received
	LastOutcome string
	LastElapsed time.Duration
	LastAt      time.Time
	Outcomes    map[string]int
	Discards    int
}

// ExchangeRow is one resolved exchange, newest first in the table.
type ExchangeRow struct {
	At        time.Time
	ID        string
	Endpoint  string
	ControlID string
	Outcome   string
	Elapsed   time.Duration
	Reason    string
	Closed    bool
}

func decodeExchange(e events.Event) (events.Exchange, bool) {
	var x events.Exchange
	if err := json.Unmarshal(e.Data, &x); err != nil || x.Endpoint == "" {
		return x, false
	}
	return x, true
}

// updateEndpointState folds e into endpoints. It returns the resolved
// exchange when e completed one.
func updateEndpointState(endpoints map[string]*EndpointState, e events.Event) (*ExchangeRow, bool) {
	x, ok := decodeExchange(e)
	if !ok {
		return nil, false
	}
	ep := getOrCreateEndpoint(endpoints, x.Endpoint)

	switch e.Type {
	case events.TypeReceived:
		ep.Open[x.ExchangeID] = e.At

	case events.TypeDelivered, events.TypeTimeout:
		delete(ep.Open, x.ExchangeID)
		ep.LastOutcome = x.Outcome
		ep.LastElapsed = time.Duration(x.ElapsedMS) * time.Millisecond
		ep.LastAt = e.At
		ep.Outcomes[x.Outcome]++
		return &ExchangeRow{
			At:        e.At,
			ID:        x.ExchangeID,
			Endpoint:  x.Endpoint,
			ControlID: x.ControlID,
			Outcome:   x.Outcome,
			Elapsed:   ep.LastElapsed,
			Reason:    x.Reason,
			Closed:    x.Closed,
		}, true

	case events.TypeDiscarded:
		ep.Discards++
	}
	return nil, false
}

func getOrCreateEndpoint(endpoints map[string]*EndpointState, name string) *EndpointState {
	ep, ok := endpoints[name]
	if !ok {
		ep = &EndpointState{
			Name:     name,
			Open:     make(map[string]time.Time),
			Outcomes: make(map[string]int),
		}
		endpoints[name] = ep
	}
	return ep
}

func sortedEndpointNames(endpoints map[string]*EndpointState) []string {
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func renderEndpoints(endpoints map[string]*EndpointState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(endpoints) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("ENDPOINTS"),
			theme.Dim.Render("  No exchanges seen yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Title.Render("ENDPOINTS")}
	for i, name := range sortedEndpointNames(endpoints) {
		lines = append(lines, renderEndpointRow(i+1, endpoints[name], i == selected, theme))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderEndpointRow(num int, ep *EndpointState, isSelected bool, theme Theme) string {
	open := theme.Dim.Render("[idle]")
	if n := len(ep.Open); n > 0 {
		open = theme.InFlight.Render(fmt.Sprintf("[%d open]", n))
	}

	var last string
	if !ep.LastAt.IsZero() {
		last = fmt.Sprintf("last: %s %s in %s",
			formatAgo(time.Since(ep.LastAt)),
			theme.Outcome(ep.LastOutcome).Render(ep.LastOutcome),
			ep.LastElapsed,
		)
	}

	nameStyle := lipgloss.NewStyle()
	if isSelected {
		nameStyle = theme.Selected
	}

	var b strings.Builder
	fmt.Fprintf(&b, " %d. %s  %s  %s", num, nameStyle.Render(fmt.Sprintf("%-20s", ep.Name)), open, last)
	if isSelected {
		fmt.Fprintf(&b, "\n    %s %s %s %s  discarded %d",
			theme.OutcomeAck.Render(fmt.Sprintf("ack %d", ep.Outcomes["ack"])),
			theme.OutcomeNack.Render(fmt.Sprintf("nack %d", ep.Outcomes["nack"])),
			theme.OutcomeError.Render(fmt.Sprintf("error %d", ep.Outcomes["error"])),
			theme.OutcomeTimeout.Render(fmt.Sprintf("timeout %d", ep.Outcomes["timeout"])),
			ep.Discards,
		)
	}
	return b.String()
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
