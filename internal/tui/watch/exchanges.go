package watch

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

const maxExchangeRows = 200

func newExchangeTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Time", Width: 8},
			{Title: "Endpoint", Width: 16},
			{Title: "Control ID", Width: 20},
			{Title: "Outcome", Width: 8},
			{Title: "Elapsed", Width: 10},
			{Title: "Reason", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

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
	t.SetStyles(s)
	return t
}

// exchangeRows renders rows newest first. Cells are plain text since the
// table pads by rune width and escape codes would skew the columns.
func exchangeRows(rows []ExchangeRow) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		outcome := r.Outcome
		if r.Closed {
			outcome += "*"
		}
		out = append(out, table.Row{
			r.At.Format("15:04:05"),
			r.Endpoint,
			r.ControlID,
			outcome,
			r.Elapsed.String(),
			r.Reason,
		})
	}
	return out
}

func renderExchanges(t table.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EXCHANGES"),
		t.View(),
		theme.Dim.Render(" * connection closed after response"),
	)
	return theme.Border.Width(width - 4).Render(content)
}
