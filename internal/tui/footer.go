package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Footer displays queue counts and keyboard hints.
type Footer struct {
	width     int
	pending   int
	running   int
	completed int
	failed    int
	dead      int
	live      bool
	notice    string
	noticeErr bool
	tab       int
	input     bool

	// Styles
	countStyle   lipgloss.Style
	okStyle      lipgloss.Style
	failStyle    lipgloss.Style
	pendStyle    lipgloss.Style
	hintStyle    lipgloss.Style
	keyStyle     lipgloss.Style
	sepStyle     lipgloss.Style
	noticeStyle  lipgloss.Style
	errStyle     lipgloss.Style
	offlineStyle lipgloss.Style
}

// NewFooter creates a new Footer instance.
func NewFooter() *Footer {
	return &Footer{
		countStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),

		okStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		failStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		pendStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),

		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),

		keyStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		sepStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		noticeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		errStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		offlineStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true),
	}
}

// SetWidth updates the footer width.
func (f *Footer) SetWidth(width int) {
	f.width = width
}

// SetCounts updates the displayed queue counts.
func (f *Footer) SetCounts(pending, running, completed, failed, dead int) {
	f.pending = pending
	f.running = running
	f.completed = completed
	f.failed = failed
	f.dead = dead
}

// SetLive marks whether the dashboard is attached to a running coordinator.
func (f *Footer) SetLive(live bool) {
	f.live = live
}

// SetTab updates which tab's hints are shown.
func (f *Footer) SetTab(tab int) {
	f.tab = tab
}

// SetInput marks whether the input bar is open, which swaps the hints.
func (f *Footer) SetInput(open bool) {
	f.input = open
}

// SetNotice shows a transient status message.
func (f *Footer) SetNotice(msg string, isErr bool) {
	f.notice = msg
	f.noticeErr = isErr
}

// ClearNotice removes the status message.
func (f *Footer) ClearNotice() {
	f.notice = ""
	f.noticeErr = false
}

// View renders the footer line.
func (f *Footer) View() string {
	sep := f.sepStyle.Render(" │ ")

	var left []string
	left = append(left, f.pendStyle.Render(fmt.Sprintf("⏳ %d", f.pending+f.running)))
	left = append(left, f.okStyle.Render(fmt.Sprintf("✓ %d", f.completed)))
	left = append(left, f.failStyle.Render(fmt.Sprintf("✗ %d", f.failed)))
	if f.dead > 0 {
		left = append(left, f.failStyle.Render(fmt.Sprintf("☠ %d", f.dead)))
	}
	if !f.live {
		left = append(left, f.offlineStyle.Render("view only"))
	}

	status := strings.Join(left, sep)

	if f.notice != "" {
		style := f.noticeStyle
		if f.noticeErr {
			style = f.errStyle
		}
		status += sep + style.Render(f.notice)
	}

	hints := f.renderHints()

	gap := f.width - lipgloss.Width(status) - lipgloss.Width(hints) - 2
	if gap < 1 {
		gap = 1
	}

	return " " + status + strings.Repeat(" ", gap) + hints
}

// renderHints renders the keyboard hints for the active tab.
func (f *Footer) renderHints() string {
	var hints []string

	if f.input {
		hints = append(hints,
			f.keyStyle.Render("enter")+f.hintStyle.Render(" submit"),
			f.keyStyle.Render("esc")+f.hintStyle.Render(" close"),
		)
		return strings.Join(hints, f.sepStyle.Render(" "))
	}

	switch f.tab {
	case tabEvents:
		hints = append(hints,
			f.keyStyle.Render("↑↓")+f.hintStyle.Render(" scroll"),
			f.keyStyle.Render("a")+f.hintStyle.Render(" follow"),
		)
	default:
		hints = append(hints,
			f.keyStyle.Render("↑↓")+f.hintStyle.Render(" select"),
		)
	}

	if f.live {
		hints = append(hints, f.keyStyle.Render("n")+f.hintStyle.Render(" new"))
	}
	hints = append(hints,
		f.keyStyle.Render("1-2")+f.hintStyle.Render(" tabs"),
		f.keyStyle.Render("q")+f.hintStyle.Render(" quit"),
	)

	return strings.Join(hints, f.sepStyle.Render(" "))
}
