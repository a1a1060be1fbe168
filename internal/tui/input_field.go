package tui

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// TaskSubmittedMsg is sent when the user submits a task from the input bar.
type TaskSubmittedMsg struct {
	Submission models.TaskSubmission
}

// InputField is a one-line bar for submitting tasks without leaving the
// dashboard.
type InputField struct {
	input textinput.Model
	width int
}

// NewInputField creates a new InputField.
func NewInputField() *InputField {
	ti := textinput.New()
	ti.Placeholder = "task-type {\"json\": \"payload\"}  (prefix !urgent, !high, !low)"
	ti.CharLimit = 500
	ti.Width = 60

	return &InputField{
		input: ti,
		width: 80,
	}
}

// Focus puts the cursor in the field.
func (f *InputField) Focus() tea.Cmd {
	return f.input.Focus()
}

// Blur removes focus from the field.
func (f *InputField) Blur() {
	f.input.Blur()
}

// Reset clears the field.
func (f *InputField) Reset() {
	f.input.Reset()
}

// SetWidth sets the width of the input field.
func (f *InputField) SetWidth(width int) {
	f.width = width
	f.input.Width = width - 6 // Account for prompt, border, and padding
}

// Update handles messages for the input field.
func (f *InputField) Update(msg tea.Msg) (*InputField, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		text := f.input.Value()
		if strings.TrimSpace(text) == "" {
			return f, nil
		}
		sub, err := ParseSubmission(text)
		if err != nil {
			return f, func() tea.Msg {
				return NoticeMsg{Message: err.Error(), IsError: true}
			}
		}
		f.input.Reset()
		return f, func() tea.Msg {
			return TaskSubmittedMsg{Submission: sub}
		}
	}

	var cmd tea.Cmd
	f.input, cmd = f.input.Update(msg)
	return f, cmd
}

// View renders the input field.
func (f *InputField) View() string {
	promptStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("39")).
		Bold(true)

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(f.width - 2)

	prompt := promptStyle.Render("> ")
	return boxStyle.Render(prompt + f.input.View())
}

// ParseSubmission turns input bar text into a task submission. The first
// word is the task type, an optional remainder is the payload. A leading
// !urgent, !high, !normal, or !low sets the scheduling band. Payload text
// that is not valid JSON is wrapped as a JSON string.
func ParseSubmission(text string) (models.TaskSubmission, error) {
	var sub models.TaskSubmission
	text = strings.TrimSpace(text)

	for _, p := range []models.TaskPriority{
		models.PriorityUrgent,
		models.PriorityHigh,
		models.PriorityNormal,
		models.PriorityLow,
	} {
		prefix := "!" + string(p) + " "
		if strings.HasPrefix(text, prefix) {
			sub.Priority = p
			text = strings.TrimSpace(strings.TrimPrefix(text, prefix))
			break
		}
	}

	if text == "" {
		return sub, errors.New("missing task type")
	}

	parts := strings.SplitN(text, " ", 2)
	sub.Type = parts[0]
	if len(parts) == 2 {
		payload := []byte(strings.TrimSpace(parts[1]))
		if !json.Valid(payload) {
			payload, _ = json.Marshal(string(payload))
		}
		sub.Payload = payload
	}
	return sub, nil
}
