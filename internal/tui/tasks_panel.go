package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// TasksPanel displays a scrollable list of recent tasks with status
// indicators.
type TasksPanel struct {
	tasks        []*models.Task
	selected     int
	scrollOffset int
	width        int
	height       int
	focused      bool

	// Styles
	titleStyle    lipgloss.Style
	selectedStyle lipgloss.Style
	normalStyle   lipgloss.Style
	pendingStyle  lipgloss.Style
	runningStyle  lipgloss.Style
	doneStyle     lipgloss.Style
	failedStyle   lipgloss.Style
	cancelStyle   lipgloss.Style
	idStyle       lipgloss.Style
	urgentStyle   lipgloss.Style
	highStyle     lipgloss.Style
	lowStyle      lipgloss.Style
	mutedStyle    lipgloss.Style
}

// NewTasksPanel creates a new TasksPanel instance.
func NewTasksPanel() *TasksPanel {
	return &TasksPanel{
		tasks: make([]*models.Task, 0),

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		selectedStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("15")).
			Bold(true),

		normalStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),

		pendingStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),

		runningStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")),

		failedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		cancelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),

		idStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("63")),

		urgentStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		highStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),

		lowStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),

		mutedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// SetTasks updates the list of tasks.
func (p *TasksPanel) SetTasks(tasks []*models.Task) {
	p.tasks = tasks
	if p.selected >= len(p.tasks) {
		p.selected = len(p.tasks) - 1
	}
	if p.selected < 0 {
		p.selected = 0
	}
	p.ensureVisible()
}

// SetSize updates the panel dimensions.
func (p *TasksPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
}

// SetFocused sets whether this panel has keyboard focus.
func (p *TasksPanel) SetFocused(focused bool) {
	p.focused = focused
}

// Update handles input messages.
func (p *TasksPanel) Update(msg tea.Msg) (*TasksPanel, tea.Cmd) {
	if !p.focused {
		return p, nil
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if p.selected > 0 {
				p.selected--
				p.ensureVisible()
			}
		case "down", "j":
			if p.selected < len(p.tasks)-1 {
				p.selected++
				p.ensureVisible()
			}
		case "g":
			p.selected = 0
			p.ensureVisible()
		case "G":
			p.selected = len(p.tasks) - 1
			if p.selected < 0 {
				p.selected = 0
			}
			p.ensureVisible()
		}
	}

	return p, nil
}

// Selected returns the currently selected task, or nil.
func (p *TasksPanel) Selected() *models.Task {
	if p.selected < 0 || p.selected >= len(p.tasks) {
		return nil
	}
	return p.tasks[p.selected]
}

// visibleLines returns how many task rows fit in the panel.
func (p *TasksPanel) visibleLines() int {
	lines := p.height - 4 // title, borders, detail line
	if lines < 1 {
		lines = 1
	}
	return lines
}

// ensureVisible adjusts the scroll offset so the selection stays on screen.
func (p *TasksPanel) ensureVisible() {
	visible := p.visibleLines()
	if p.selected < p.scrollOffset {
		p.scrollOffset = p.selected
	}
	if p.selected >= p.scrollOffset+visible {
		p.scrollOffset = p.selected - visible + 1
	}
	if p.scrollOffset < 0 {
		p.scrollOffset = 0
	}
}

// View renders the tasks panel.
func (p *TasksPanel) View() string {
	var b strings.Builder

	title := "Tasks"
	if p.focused {
		title = "[Tasks]"
	}
	b.WriteString(p.titleStyle.Render(title))
	b.WriteString(p.mutedStyle.Render(fmt.Sprintf(" %d", len(p.tasks))))
	b.WriteString("\n")

	if len(p.tasks) == 0 {
		b.WriteString(p.mutedStyle.Italic(true).Render("  No tasks"))
	} else {
		visible := p.visibleLines()
		end := p.scrollOffset + visible
		if end > len(p.tasks) {
			end = len(p.tasks)
		}
		for i := p.scrollOffset; i < end; i++ {
			b.WriteString(p.renderTaskRow(p.tasks[i], i == p.selected))
			b.WriteString("\n")
		}
		if len(p.tasks) > visible {
			b.WriteString(p.mutedStyle.Render(fmt.Sprintf(" [%d-%d/%d]", p.scrollOffset+1, end, len(p.tasks))))
			b.WriteString("\n")
		}
		if sel := p.Selected(); sel != nil && sel.LastError != "" {
			b.WriteString(p.failedStyle.Render("  ! " + truncate(sel.LastError, p.width-6)))
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

// renderTaskRow renders one task line.
func (p *TasksPanel) renderTaskRow(t *models.Task, selected bool) string {
	icon, style := p.statusDecoration(t.Status)

	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}

	row := fmt.Sprintf("%s %s %s %s",
		style.Render(icon),
		p.idStyle.Render(id),
		p.normalStyle.Render(truncate(t.Type, 18)),
		p.renderPriority(t.Priority))

	if t.AttemptCount > 0 {
		row += p.mutedStyle.Render(fmt.Sprintf(" a%d", t.AttemptCount))
	}
	if t.AssignedWorker != "" {
		row += p.mutedStyle.Render(" @" + t.AssignedWorker)
	}

	if selected && p.focused {
		return p.selectedStyle.Render("›") + " " + row
	}
	return "  " + row
}

// statusDecoration maps a task status to its icon and style.
func (p *TasksPanel) statusDecoration(status models.TaskStatus) (string, lipgloss.Style) {
	switch status {
	case models.TaskStatusPending:
		return "○", p.pendingStyle
	case models.TaskStatusAssigned:
		return "◎", p.runningStyle
	case models.TaskStatusRunning:
		return "●", p.runningStyle
	case models.TaskStatusCompleted:
		return "✓", p.doneStyle
	case models.TaskStatusFailed:
		return "✗", p.failedStyle
	case models.TaskStatusTimeout:
		return "⏱", p.failedStyle
	case models.TaskStatusCancelled:
		return "−", p.cancelStyle
	default:
		return "?", p.normalStyle
	}
}

// renderPriority renders the priority badge.
func (p *TasksPanel) renderPriority(prio models.TaskPriority) string {
	switch prio {
	case models.PriorityUrgent:
		return p.urgentStyle.Render("urgent")
	case models.PriorityHigh:
		return p.highStyle.Render("high")
	case models.PriorityLow:
		return p.lowStyle.Render("low")
	default:
		return p.mutedStyle.Render("normal")
	}
}

// truncate shortens s to fit max characters.
func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
