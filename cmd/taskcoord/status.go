package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/queue"
	"github.com/Lobbi-Docs/taskcoord/internal/store"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue state",
	Long: `Display the current state of the task queue.

Shows:
  - Task counts per status
  - Dead-letter queue depth
  - The most recent tasks with their status and assignment`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "How many recent tasks to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, _, err := openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.New(db, zap.NewNop())

	stats, err := q.Stats()
	if err != nil {
		return fmt.Errorf("gather stats: %w", err)
	}

	fmt.Printf("Queue: %s\n", db.Path())
	fmt.Printf("  Pending:    %d\n", stats.Pending)
	fmt.Printf("  Active:     %d\n", stats.Assigned+stats.Running)
	fmt.Printf("  Completed:  %d\n", stats.Completed)
	if stats.Failed+stats.Timeout > 0 {
		fmt.Printf("  Failed:     %s\n", color.RedString("%d", stats.Failed+stats.Timeout))
	} else {
		fmt.Printf("  Failed:     0\n")
	}
	fmt.Printf("  Cancelled:  %d\n", stats.Cancelled)
	if stats.DeadLetters > 0 {
		fmt.Printf("  Dead:       %s\n", color.RedString("%d", stats.DeadLetters))
	}
	if stats.AvgPendingWaitMs > 0 {
		fmt.Printf("  Avg wait:   %s\n", formatDuration(time.Duration(stats.AvgPendingWaitMs)*time.Millisecond))
	}

	tasks, err := q.List(store.TaskFilter{Limit: statusLimit})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("\nNo tasks yet. Submit one with 'taskcoord submit'.")
		return nil
	}

	fmt.Println("\nRecent tasks:")
	for _, t := range tasks {
		fmt.Printf("  %s %s %s %s %s\n",
			statusSymbol(t.Status),
			t.ID[:8],
			t.Type,
			t.Priority,
			taskDetail(t))
	}
	return nil
}

// statusSymbol renders a colored glyph for a task status.
func statusSymbol(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return color.GreenString("✓")
	case models.TaskStatusFailed, models.TaskStatusTimeout:
		return color.RedString("✗")
	case models.TaskStatusCancelled:
		return color.YellowString("−")
	case models.TaskStatusRunning:
		return color.CyanString("●")
	case models.TaskStatusAssigned:
		return color.CyanString("◎")
	default:
		return "○"
	}
}

// taskDetail renders the interesting part of a task line: who has it, how
// old it is, or why it failed.
func taskDetail(t *models.Task) string {
	switch t.Status {
	case models.TaskStatusAssigned, models.TaskStatusRunning:
		return fmt.Sprintf("@%s", t.AssignedWorker)
	case models.TaskStatusFailed, models.TaskStatusTimeout:
		if t.LastError != "" {
			return truncateText(t.LastError, 60)
		}
		return string(t.Status)
	case models.TaskStatusPending:
		if t.AttemptCount > 0 {
			return fmt.Sprintf("retry %d (%s old)", t.AttemptCount, formatDuration(time.Since(t.CreatedAt)))
		}
		return fmt.Sprintf("(%s old)", formatDuration(time.Since(t.CreatedAt)))
	default:
		return ""
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// truncateText shortens s to max runes with an ellipsis.
func truncateText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
