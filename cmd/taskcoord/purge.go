package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/queue"
	"github.com/Lobbi-Docs/taskcoord/internal/store"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

var (
	purgeOlderThan time.Duration
	purgeForce     bool
	purgeDryRun    bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old settled tasks",
	Long: `Delete completed and cancelled tasks older than the retention
window, along with their stored results. Pending, running, failed,
and dead-lettered tasks are never touched.

The serve process runs the same purge on its retention schedule;
this command is for reclaiming space without a running coordinator.

Examples:
  taskcoord purge                      # use the configured retention
  taskcoord purge --older-than 24h
  taskcoord purge --dry-run            # count without deleting`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Age threshold (default: the configured retention window)")
	purgeCmd.Flags().BoolVarP(&purgeForce, "force", "f", false, "Skip confirmation prompt")
	purgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false, "Show what would be removed without removing")
}

func runPurge(cmd *cobra.Command, args []string) error {
	db, cfg, err := openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	olderThan := purgeOlderThan
	if olderThan <= 0 {
		olderThan = cfg.Retention.Retain
	}

	q := queue.New(db, zap.NewNop())

	if purgeDryRun {
		count, err := countPurgeable(q, olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("Dry run: would purge %d task(s) settled more than %s ago.\n", count, olderThan)
		return nil
	}

	if !purgeForce {
		fmt.Printf("Purge settled tasks older than %s? [y/N] ", olderThan)
		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Purge cancelled.")
			return nil
		}
	}

	purged, err := q.PurgeCompleted(olderThan)
	if err != nil {
		return fmt.Errorf("purge tasks: %w", err)
	}

	if purged > 0 {
		fmt.Printf("Purged %d task(s).\n", purged)
	} else {
		fmt.Println("Nothing to purge.")
	}
	return nil
}

// countPurgeable counts settled tasks older than the threshold.
func countPurgeable(q *queue.TaskQueue, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	count := 0
	for _, status := range []models.TaskStatus{models.TaskStatusCompleted, models.TaskStatusCancelled} {
		tasks, err := q.List(store.TaskFilter{Status: status})
		if err != nil {
			return 0, fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				count++
			}
		}
	}
	return count, nil
}
