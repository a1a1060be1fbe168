package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/queue"
)

var (
	deadletterLimit int
	deadletterFull  bool
	retryAll        bool
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and retry dead-lettered tasks",
	Long: `Work with the dead-letter queue.

Tasks land here after exhausting their retries. Entries keep the
original type, payload, and capability requirements, so a retry
resubmits the task exactly as it was first submitted, with a fresh
attempt count.`,
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	RunE:  runDeadletterList,
}

var deadletterRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Resubmit a dead-lettered task",
	Long: `Resubmit a dead-lettered task as a fresh pending task.

The entry is removed from the dead-letter queue. The new task keeps
the original type, payload, priority, and capability requirements,
and links back to the original through its parent task ID.

Use --all to retry every entry.`,
	RunE: runDeadletterRetry,
}

func init() {
	deadletterListCmd.Flags().IntVarP(&deadletterLimit, "limit", "n", 0, "Max entries to show (0 for all)")
	deadletterListCmd.Flags().BoolVar(&deadletterFull, "full", false, "Show payloads and stack traces")
	deadletterRetryCmd.Flags().BoolVar(&retryAll, "all", false, "Retry every dead-lettered task")

	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRetryCmd)
}

func runDeadletterList(cmd *cobra.Command, args []string) error {
	db, _, err := openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.New(db, zap.NewNop())
	entries, err := q.DeadLetters(deadletterLimit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("Dead-letter queue is empty.")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s #%d %s %s (%s, %d attempts, %s old)\n",
			color.RedString("✗"),
			e.ID,
			e.TaskID[:8],
			e.TaskType,
			e.FinalStatus,
			e.AttemptCount,
			formatDuration(time.Since(e.TaskCreatedAt)))
		fmt.Printf("    %s\n", truncateText(e.FinalError, 100))

		if deadletterFull {
			if len(e.Payload) > 0 {
				fmt.Printf("    payload: %s\n", truncateText(string(e.Payload), 200))
			}
			if len(e.AttemptedWorkers) > 0 {
				fmt.Printf("    workers: %v\n", e.AttemptedWorkers)
			}
			if e.Stack != "" {
				fmt.Printf("    stack:\n%s\n", e.Stack)
			}
		}
	}
	fmt.Printf("\n%d entr%s. Retry with 'taskcoord deadletter retry <id>'.\n",
		len(entries), pluralY(len(entries)))
	return nil
}

func runDeadletterRetry(cmd *cobra.Command, args []string) error {
	if !retryAll && len(args) != 1 {
		return fmt.Errorf("an entry id is required (or --all)")
	}

	db, _, err := openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.New(db, zap.NewNop())

	var ids []int64
	if retryAll {
		entries, err := q.DeadLetters(0)
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("Dead-letter queue is empty.")
			return nil
		}
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
	} else {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entry id %q", args[0])
		}
		ids = []int64{id}
	}

	for _, id := range ids {
		task, err := q.RetryDeadLetter(id)
		if err != nil {
			return fmt.Errorf("retry entry %d: %w", id, err)
		}
		fmt.Printf("%s #%d resubmitted as %s (%s)\n", color.GreenString("✓"), id, task.ID, task.Type)
	}
	return nil
}

// pluralY picks the entry/entries suffix.
func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
