package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/hl7gw/internal/stats"
)

// HealthState tracks gateway health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	InFlight      int
	Endpoints     int
	Connected     bool
	LastCheck     time.Time
}

// Pulse shows event activity as a row of dots that fade after the last
// event. It stops fading if ticks stop arriving, which makes a frozen UI
// visible.
type Pulse struct {
	frames    []string
	frame     int
	dots      int
	lastEvent time.Time
}

func NewPulse() Pulse {
	return Pulse{frames: []string{"⟲", "⟳"}}
}

func (p *Pulse) Tick() {
	p.frame = (p.frame + 1) % len(p.frames)
	if p.dots == 0 {
		return
	}
	// One dot per two quiet seconds.
	p.dots = max(0, 5-int(time.Since(p.lastEvent)/(2*time.Second)))
}

func (p *Pulse) OnEvent() {
	p.dots = 5
	p.lastEvent = time.Now()
}

func (p Pulse) Frame() string { return p.frames[p.frame] }

func (p Pulse) LastEvent() time.Time { return p.lastEvent }

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < p.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(health HealthState, total stats.Counters, pulse Pulse, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.OutcomeAck.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.OutcomeError.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.OutcomeError.Render("DEGRADED")
	}

	lastEvent := "never"
	if !pulse.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(pulse.LastEvent()).Round(time.Second))
	}

	title := fmt.Sprintf(" HL7GW WATCH %s", theme.Highlight.Render(pulse.Frame()))
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statusLine := fmt.Sprintf(" %s  up %s  endpoints: %d  in flight: %s",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Endpoints,
		theme.InFlight.Render(fmt.Sprintf("%d", health.InFlight)),
	)

	countersLine := fmt.Sprintf(" received %d  %s  %s  %s  %s  discarded %d",
		total.Received,
		theme.OutcomeAck.Render(fmt.Sprintf("ack %d", total.Ack)),
		theme.OutcomeNack.Render(fmt.Sprintf("nack %d", total.Nack)),
		theme.OutcomeError.Render(fmt.Sprintf("error %d", total.Error)),
		theme.OutcomeTimeout.Render(fmt.Sprintf("timeout %d", total.Timeout)),
		total.Discarded,
	)

	activityLine := fmt.Sprintf(" last event: %s %s", lastEvent, pulse.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statusLine, countersLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
