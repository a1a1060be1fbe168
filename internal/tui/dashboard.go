package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// Tab indices.
const (
	tabOverview = iota
	tabEvents
)

// statsPanelWidth is the fixed width of the stats card on the overview tab.
const statsPanelWidth = 36

// Dashboard is the root model for the queue dashboard.
type Dashboard struct {
	statsPanel  *StatsPanel
	tasksPanel  *TasksPanel
	eventsPanel *EventsPanel
	inputField  *InputField
	footer      *Footer

	width       int
	height      int
	activeTab   int
	live        bool
	inputActive bool

	// onSubmit delivers input bar submissions to the coordinator. Nil in
	// store-only viewers, which keeps the input bar disabled.
	onSubmit func(models.TaskSubmission) error

	// Styles
	tabStyle       lipgloss.Style
	activeTabStyle lipgloss.Style
	titleStyle     lipgloss.Style
}

// NewDashboard creates the root dashboard model. live indicates the dashboard
// runs in the same process as the coordinator and receives worker state and
// events; a store-backed viewer passes false.
func NewDashboard(live bool) *Dashboard {
	d := &Dashboard{
		statsPanel:  NewStatsPanel(),
		tasksPanel:  NewTasksPanel(),
		eventsPanel: NewEventsPanel(),
		inputField:  NewInputField(),
		footer:      NewFooter(),
		activeTab:   tabOverview,
		live:        live,

		tabStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Padding(0, 2),

		activeTabStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Bold(true).
			Reverse(true).
			Padding(0, 2),

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("63")),
	}
	d.footer.SetLive(live)
	d.syncFocus()
	return d
}

// SetOnSubmit installs the handler for input bar submissions. Without one
// the input bar stays disabled.
func (d *Dashboard) SetOnSubmit(fn func(models.TaskSubmission) error) {
	d.onSubmit = fn
}

// Init implements tea.Model.
func (d *Dashboard) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if d.inputActive {
			switch msg.String() {
			case "ctrl+c":
				return d, tea.Quit
			case "esc":
				d.closeInput()
				return d, nil
			}
			var cmd tea.Cmd
			d.inputField, cmd = d.inputField.Update(msg)
			return d, cmd
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return d, tea.Quit
		case "n":
			if d.onSubmit != nil && d.live {
				d.inputActive = true
				d.footer.SetInput(true)
				d.layout()
				return d, d.inputField.Focus()
			}
		case "1":
			d.activeTab = tabOverview
			d.footer.SetTab(d.activeTab)
			d.syncFocus()
			return d, nil
		case "2":
			d.activeTab = tabEvents
			d.footer.SetTab(d.activeTab)
			d.syncFocus()
			return d, nil
		case "tab":
			d.activeTab = (d.activeTab + 1) % 2
			d.footer.SetTab(d.activeTab)
			d.syncFocus()
			return d, nil
		}
		return d, d.forwardKey(msg)

	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		d.layout()
		return d, nil

	case SnapshotMsg:
		snap := msg.Snapshot
		d.live = snap.Live
		d.statsPanel.SetSnapshot(snap)
		d.tasksPanel.SetTasks(snap.Tasks)
		d.footer.SetLive(snap.Live)
		d.footer.SetCounts(
			snap.Stats.Pending,
			snap.Stats.Assigned+snap.Stats.Running,
			snap.Stats.Completed,
			snap.Stats.Failed+snap.Stats.Timeout,
			snap.Stats.DeadLetters,
		)
		return d, nil

	case EventMsg:
		d.eventsPanel.Add(msg.Event)
		return d, nil

	case TaskSubmittedMsg:
		d.closeInput()
		if d.onSubmit == nil {
			return d, nil
		}
		fn := d.onSubmit
		sub := msg.Submission
		return d, func() tea.Msg {
			if err := fn(sub); err != nil {
				return NoticeMsg{Message: "submit failed: " + err.Error(), IsError: true}
			}
			return NoticeMsg{Message: "submitted " + sub.Type + " task"}
		}

	case NoticeMsg:
		if msg.Message == "" {
			d.footer.ClearNotice()
		} else {
			d.footer.SetNotice(msg.Message, msg.IsError)
		}
		return d, nil
	}

	return d, nil
}

// forwardKey routes a key press to the focused panel.
func (d *Dashboard) forwardKey(msg tea.KeyMsg) tea.Cmd {
	var cmd tea.Cmd
	switch d.activeTab {
	case tabOverview:
		d.tasksPanel, cmd = d.tasksPanel.Update(msg)
	case tabEvents:
		d.eventsPanel, cmd = d.eventsPanel.Update(msg)
	}
	return cmd
}

// syncFocus updates panel focus to match the active tab.
func (d *Dashboard) syncFocus() {
	d.tasksPanel.SetFocused(d.activeTab == tabOverview)
	d.eventsPanel.SetFocused(d.activeTab == tabEvents)
}

// closeInput hides the input bar and returns the reserved lines to the
// panels.
func (d *Dashboard) closeInput() {
	d.inputActive = false
	d.inputField.Blur()
	d.footer.SetInput(false)
	d.layout()
}

// layout recomputes panel sizes from the window dimensions.
func (d *Dashboard) layout() {
	contentHeight := d.height - 2
	if d.inputActive {
		contentHeight -= 3
	}
	if contentHeight < 4 {
		contentHeight = 4
	}

	tasksWidth := d.width - statsPanelWidth
	if tasksWidth < 20 {
		tasksWidth = 20
	}

	d.statsPanel.SetSize(statsPanelWidth, contentHeight)
	d.tasksPanel.SetSize(tasksWidth, contentHeight)
	d.eventsPanel.SetSize(d.width, contentHeight)
	d.inputField.SetWidth(d.width)
	d.footer.SetWidth(d.width)
}

// View implements tea.Model.
func (d *Dashboard) View() string {
	if d.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(d.renderTabBar())
	b.WriteString("\n")

	switch d.activeTab {
	case tabEvents:
		b.WriteString(d.eventsPanel.View())
	default:
		b.WriteString(lipgloss.JoinHorizontal(
			lipgloss.Top,
			d.statsPanel.View(),
			d.tasksPanel.View(),
		))
	}

	if d.inputActive {
		b.WriteString("\n")
		b.WriteString(d.inputField.View())
	}

	b.WriteString("\n")
	b.WriteString(d.footer.View())
	return b.String()
}

// renderTabBar renders the tab indicator line.
func (d *Dashboard) renderTabBar() string {
	names := []string{"1:Overview", "2:Events"}
	tabs := make([]string, 0, len(names))
	for i, name := range names {
		if i == d.activeTab {
			tabs = append(tabs, d.activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, d.tabStyle.Render(name))
		}
	}
	bar := strings.Join(tabs, " ")
	title := d.titleStyle.Render(" taskcoord ")
	gap := d.width - lipgloss.Width(bar) - lipgloss.Width(title)
	if gap < 1 {
		gap = 1
	}
	return bar + strings.Repeat(" ", gap) + title
}

// NewProgram creates a bubbletea program running the dashboard. The returned
// model is the same instance the program drives; callers push updates to it
// with program.Send.
func NewProgram(live bool) (*tea.Program, *Dashboard) {
	d := NewDashboard(live)
	p := tea.NewProgram(d, tea.WithAltScreen())
	return p, d
}
