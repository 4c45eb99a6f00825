package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/hl7gw/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 8 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeTimeout:
		typeStyle = theme.OutcomeTimeout
	case events.TypeDiscarded:
		typeStyle = theme.Highlight
	case events.TypeReceived:
		typeStyle = theme.InFlight
	default:
		typeStyle = theme.Dim
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

func describeEvent(e events.Event) string {
	x, ok := decodeExchange(e)
	if !ok {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	id := x.ExchangeID
	if len(id) > 8 {
		id = id[:8]
	}
	parts := []string{fmt.Sprintf("[%s]", id), x.Endpoint}
	if x.ControlID != "" {
		parts = append(parts, x.ControlID)
	}
	if x.Outcome != "" {
		parts = append(parts, x.Outcome)
	}
	if x.Source != "" {
		parts = append(parts, "from "+x.Source)
	}
	if x.Reason != "" {
		parts = append(parts, fmt.Sprintf("%q", x.Reason))
	}
	return strings.Join(parts, " ")
}
