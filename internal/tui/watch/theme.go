// Package watch implements the "hl7gw watch" terminal monitor. It follows the
// API's /events stream and polls /healthz and /stats.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	// Outcome colors
	OutcomeAck     lipgloss.Style
	OutcomeNack    lipgloss.Style
	OutcomeError   lipgloss.Style
	OutcomeTimeout lipgloss.Style
	InFlight       lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Selected  lipgloss.Style

	// Indicators
	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		OutcomeAck:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		OutcomeNack:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		OutcomeError:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		OutcomeTimeout: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")),
		InFlight:       lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Selected: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// Outcome picks the style for an exchange outcome.
func (t Theme) Outcome(outcome string) lipgloss.Style {
	switch outcome {
	case "ack":
		return t.OutcomeAck
	case "nack":
		return t.OutcomeNack
	case "timeout":
		return t.OutcomeTimeout
	case "error":
		return t.OutcomeError
	default:
		return t.Dim
	}
}
