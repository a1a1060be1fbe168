package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

func TestParseSubmission(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantType     string
		wantPriority models.TaskPriority
		wantPayload  string
	}{
		{
			name:     "type only",
			input:    "cleanup",
			wantType: "cleanup",
		},
		{
			name:        "type with json payload",
			input:       `resize {"width": 800}`,
			wantType:    "resize",
			wantPayload: `{"width": 800}`,
		},
		{
			name:        "plain text payload wrapped as string",
			input:       "echo hello there",
			wantType:    "echo",
			wantPayload: `"hello there"`,
		},
		{
			name:         "urgent prefix",
			input:        "!urgent rebuild",
			wantType:     "rebuild",
			wantPriority: models.PriorityUrgent,
		},
		{
			name:         "high prefix with payload",
			input:        `!high render {"frame": 1}`,
			wantType:     "render",
			wantPriority: models.PriorityHigh,
			wantPayload:  `{"frame": 1}`,
		},
		{
			name:         "low prefix",
			input:        "!low sweep",
			wantType:     "sweep",
			wantPriority: models.PriorityLow,
		},
		{
			name:     "surrounding whitespace",
			input:    "   compact   ",
			wantType: "compact",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := ParseSubmission(tt.input)
			if err != nil {
				t.Fatalf("ParseSubmission(%q) error = %v", tt.input, err)
			}
			if sub.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", sub.Type, tt.wantType)
			}
			if sub.Priority != tt.wantPriority {
				t.Errorf("Priority = %q, want %q", sub.Priority, tt.wantPriority)
			}
			if string(sub.Payload) != tt.wantPayload {
				t.Errorf("Payload = %s, want %s", sub.Payload, tt.wantPayload)
			}
		})
	}
}

func TestParseSubmission_MissingType(t *testing.T) {
	for _, input := range []string{"", "   ", "!urgent "} {
		if _, err := ParseSubmission(input); err == nil {
			t.Errorf("ParseSubmission(%q) error = nil, want missing type", input)
		}
	}
}

func TestInputField_EnterEmitsSubmission(t *testing.T) {
	field := NewInputField()
	field.input.SetValue(`!high render {"frame": 3}`)

	_, cmd := field.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("Expected command from enter with text")
	}

	result := cmd()
	submitted, ok := result.(TaskSubmittedMsg)
	if !ok {
		t.Fatalf("Expected TaskSubmittedMsg, got %T", result)
	}
	if submitted.Submission.Type != "render" {
		t.Errorf("Type = %q, want %q", submitted.Submission.Type, "render")
	}
	if submitted.Submission.Priority != models.PriorityHigh {
		t.Errorf("Priority = %q, want %q", submitted.Submission.Priority, models.PriorityHigh)
	}
	if field.input.Value() != "" {
		t.Errorf("Input should be cleared after enter, got %q", field.input.Value())
	}
}

func TestInputField_EnterEmptyIsNoop(t *testing.T) {
	field := NewInputField()

	_, cmd := field.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Errorf("Expected no command for empty input, got %v", cmd())
	}
}

func TestInputField_BadInputNotices(t *testing.T) {
	field := NewInputField()
	field.input.SetValue("!urgent ")

	_, cmd := field.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("Expected command from enter")
	}
	notice, ok := cmd().(NoticeMsg)
	if !ok {
		t.Fatalf("Expected NoticeMsg, got %T", cmd())
	}
	if !notice.IsError {
		t.Error("Notice should be marked as an error")
	}
}

func TestInputField_TypingUpdatesValue(t *testing.T) {
	field := NewInputField()
	field.Focus()

	for _, char := range "ping" {
		field, _ = field.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{char}})
	}

	if field.input.Value() != "ping" {
		t.Errorf("Input value = %q, want %q", field.input.Value(), "ping")
	}
}

func TestInputField_SetWidth(t *testing.T) {
	field := NewInputField()

	field.SetWidth(120)

	if field.width != 120 {
		t.Errorf("Width after SetWidth(120) = %d, want 120", field.width)
	}
}

func TestInputField_View(t *testing.T) {
	field := NewInputField()
	field.SetWidth(80)

	if field.View() == "" {
		t.Error("View should not be empty")
	}
}
