package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Lobbi-Docs/taskcoord/internal/coordinator"
)

// maxFeedEntries bounds the event feed's memory.
const maxFeedEntries = 500

// EventsPanel displays a scrollable feed of coordinator lifecycle events.
type EventsPanel struct {
	events       []coordinator.Event
	scrollOffset int
	autoScroll   bool
	width        int
	height       int
	focused      bool

	// Styles
	titleStyle  lipgloss.Style
	timeStyle   lipgloss.Style
	infoStyle   lipgloss.Style
	warnStyle   lipgloss.Style
	errorStyle  lipgloss.Style
	workerStyle lipgloss.Style
	taskStyle   lipgloss.Style
	textStyle   lipgloss.Style
	mutedStyle  lipgloss.Style
}

// NewEventsPanel creates a new EventsPanel instance.
func NewEventsPanel() *EventsPanel {
	return &EventsPanel{
		events:     make([]coordinator.Event, 0),
		autoScroll: true,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		timeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		infoStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		warnStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		workerStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("63")),

		taskStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")),

		textStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),

		mutedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// Add appends an event to the feed.
func (p *EventsPanel) Add(ev coordinator.Event) {
	p.events = append(p.events, ev)
	if len(p.events) > maxFeedEntries {
		p.events = p.events[len(p.events)-maxFeedEntries:]
	}
	if p.autoScroll {
		p.scrollToBottom()
	}
}

// Count returns the number of buffered events.
func (p *EventsPanel) Count() int {
	return len(p.events)
}

// SetSize updates the panel dimensions.
func (p *EventsPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
}

// SetFocused sets whether this panel has keyboard focus.
func (p *EventsPanel) SetFocused(focused bool) {
	p.focused = focused
}

// Update handles input messages.
func (p *EventsPanel) Update(msg tea.Msg) (*EventsPanel, tea.Cmd) {
	if !p.focused {
		return p, nil
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if p.scrollOffset > 0 {
				p.scrollOffset--
				p.autoScroll = false
			}
		case "down", "j":
			if p.scrollOffset < len(p.events)-p.visibleLines() {
				p.scrollOffset++
			}
		case "g":
			p.scrollOffset = 0
			p.autoScroll = false
		case "G":
			p.scrollToBottom()
			p.autoScroll = true
		case "a":
			p.autoScroll = !p.autoScroll
			if p.autoScroll {
				p.scrollToBottom()
			}
		}
	}

	return p, nil
}

// visibleLines returns the number of feed lines that fit.
func (p *EventsPanel) visibleLines() int {
	lines := p.height - 4
	if lines < 1 {
		lines = 1
	}
	return lines
}

// scrollToBottom pins the view to the newest events.
func (p *EventsPanel) scrollToBottom() {
	p.scrollOffset = len(p.events) - p.visibleLines()
	if p.scrollOffset < 0 {
		p.scrollOffset = 0
	}
}

// View renders the events panel.
func (p *EventsPanel) View() string {
	var b strings.Builder

	title := "Events"
	if p.focused {
		title = "[Events]"
	}
	b.WriteString(p.titleStyle.Render(title))
	if p.autoScroll {
		b.WriteString(p.mutedStyle.Render(" (auto)"))
	}
	b.WriteString("\n")

	if len(p.events) == 0 {
		b.WriteString(p.mutedStyle.Italic(true).Render("  No events"))
	} else {
		visible := p.visibleLines()
		end := p.scrollOffset + visible
		if end > len(p.events) {
			end = len(p.events)
		}
		for i := p.scrollOffset; i < end; i++ {
			b.WriteString(p.renderEventLine(p.events[i]))
			b.WriteString("\n")
		}
		if len(p.events) > visible {
			b.WriteString(p.mutedStyle.Render(fmt.Sprintf(" [%d/%d]", end, len(p.events))))
		}
	}

	borderColor := lipgloss.Color("240")
	if p.focused {
		borderColor = lipgloss.Color("63")
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor).
		Width(p.width - 2).
		Height(p.height - 2).
		Render(b.String())
}

// renderEventLine renders a single feed entry.
func (p *EventsPanel) renderEventLine(ev coordinator.Event) string {
	var parts []string

	parts = append(parts, p.timeStyle.Render(ev.Timestamp.Format("15:04:05")))
	parts = append(parts, p.levelStyle(ev.Type).Render(string(ev.Type)))

	if ev.TaskID != "" {
		id := ev.TaskID
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, p.taskStyle.Render(id))
	}
	if ev.TaskType != "" {
		parts = append(parts, p.textStyle.Render(truncate(ev.TaskType, 16)))
	}
	if ev.WorkerID != "" {
		parts = append(parts, p.workerStyle.Render("@"+ev.WorkerID))
	}
	if ev.Attempt > 0 {
		parts = append(parts, p.mutedStyle.Render(fmt.Sprintf("a%d", ev.Attempt)))
	}
	if ev.Message != "" {
		max := p.width - 40
		parts = append(parts, p.mutedStyle.Render(truncate(ev.Message, max)))
	}

	return " " + strings.Join(parts, " ")
}

// levelStyle maps an event type to a severity style.
func (p *EventsPanel) levelStyle(typ coordinator.EventType) lipgloss.Style {
	switch typ {
	case coordinator.EventTaskFailed, coordinator.EventTaskDeadLettered, coordinator.EventTaskTimedOut:
		return p.errorStyle
	case coordinator.EventTaskRequeued, coordinator.EventTaskCancelled, coordinator.EventWorkerDeregistered:
		return p.warnStyle
	default:
		return p.infoStyle
	}
}
