package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Lobbi-Docs/taskcoord/internal/coordinator"
	"github.com/Lobbi-Docs/taskcoord/internal/queue"
)

// StatsPanel displays queue counters, a completion bar, and worker
// availability when attached to a live coordinator.
type StatsPanel struct {
	stats  queue.Stats
	health coordinator.Health
	live   bool
	width  int
	height int

	// Styles
	titleStyle    lipgloss.Style
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
	pendingStyle  lipgloss.Style
	runningStyle  lipgloss.Style
	doneStyle     lipgloss.Style
	failedStyle   lipgloss.Style
	mutedStyle    lipgloss.Style
	progressFull  lipgloss.Style
	progressEmpty lipgloss.Style
	warningStyle  lipgloss.Style
}

// NewStatsPanel creates a new StatsPanel instance.
func NewStatsPanel() *StatsPanel {
	return &StatsPanel{
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(13),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		pendingStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),

		runningStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")),

		failedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		mutedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		progressFull: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		progressEmpty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		warningStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),
	}
}

// SetSnapshot updates the displayed counters.
func (p *StatsPanel) SetSnapshot(snap Snapshot) {
	p.stats = snap.Stats
	p.health = snap.Health
	p.live = snap.Live
}

// SetSize updates the panel dimensions.
func (p *StatsPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
}

// View renders the stats panel.
func (p *StatsPanel) View() string {
	var b strings.Builder

	b.WriteString(p.titleStyle.Render("Queue"))
	b.WriteString("\n")

	b.WriteString(p.renderRow("Pending:", p.pendingStyle.Render(fmt.Sprintf("%d", p.stats.Pending))))
	b.WriteString(p.renderRow("Assigned:", p.valueStyle.Render(fmt.Sprintf("%d", p.stats.Assigned))))
	b.WriteString(p.renderRow("Running:", p.runningStyle.Render(fmt.Sprintf("%d", p.stats.Running))))
	b.WriteString(p.renderRow("Completed:", p.doneStyle.Render(fmt.Sprintf("%d", p.stats.Completed))))

	failures := fmt.Sprintf("%d", p.stats.Failed)
	if p.stats.Failed > 0 {
		failures = p.failedStyle.Render(failures)
	} else {
		failures = p.valueStyle.Render(failures)
	}
	b.WriteString(p.renderRow("Failed:", failures))
	b.WriteString(p.renderRow("Timeout:", p.valueStyle.Render(fmt.Sprintf("%d", p.stats.Timeout))))
	b.WriteString(p.renderRow("Cancelled:", p.valueStyle.Render(fmt.Sprintf("%d", p.stats.Cancelled))))

	dead := fmt.Sprintf("%d", p.stats.DeadLetters)
	if p.stats.DeadLetters > 0 {
		dead = p.failedStyle.Render(dead)
	} else {
		dead = p.valueStyle.Render(dead)
	}
	b.WriteString(p.renderRow("Dead letters:", dead))
	b.WriteString("\n")

	// Completion bar over all known tasks.
	total := p.stats.Total()
	settled := p.stats.Completed + p.stats.Failed + p.stats.Cancelled
	pct := float64(0)
	if total > 0 {
		pct = float64(settled) / float64(total) * 100
	}
	b.WriteString(p.renderRow("Progress:", p.valueStyle.Render(fmt.Sprintf("%d/%d (%.0f%%)", settled, total, pct))))
	b.WriteString(p.renderProgressBar(pct, 20))
	b.WriteString("\n\n")

	if p.stats.AvgPendingWaitMs > 0 {
		wait := fmt.Sprintf("%dms", p.stats.AvgPendingWaitMs)
		b.WriteString(p.renderRow("Avg wait:", p.valueStyle.Render(wait)))
	}

	if p.live {
		workers := fmt.Sprintf("%d idle / %d busy", p.health.IdleWorkers, p.health.BusyWorkers)
		b.WriteString(p.renderRow("Workers:", p.valueStyle.Render(workers)))
		if p.health.EventsDropped > 0 {
			b.WriteString(p.renderRow("Dropped:", p.warningStyle.Render(fmt.Sprintf("%d events", p.health.EventsDropped))))
		}
	} else {
		b.WriteString(p.renderRow("Workers:", p.mutedStyle.Render("store view only")))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(p.width - 2).
		Height(p.height - 2).
		Render(b.String())
}

// renderRow renders a label-value pair on its own line.
func (p *StatsPanel) renderRow(label, value string) string {
	return p.labelStyle.Render(label) + " " + value + "\n"
}

// renderProgressBar renders a fixed-width progress bar.
func (p *StatsPanel) renderProgressBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	filled := int(pct / 100 * float64(width))
	empty := width - filled

	fullStyle := p.progressFull
	if pct >= 100 {
		fullStyle = p.doneStyle
	}

	bar := fullStyle.Render(strings.Repeat("█", filled)) +
		p.progressEmpty.Render(strings.Repeat("░", empty))

	return fmt.Sprintf("  [%s]", bar)
}
