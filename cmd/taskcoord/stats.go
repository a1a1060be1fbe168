package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/queue"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue statistics",
	Long: `Print task counts per status, dead-letter depth, and the average
age of pending work. With --json the snapshot is printed as a JSON
object for scripting.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Emit JSON instead of text")
}

func runStats(cmd *cobra.Command, args []string) error {
	db, _, err := openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := queue.New(db, zap.NewNop()).Stats()
	if err != nil {
		return fmt.Errorf("gather stats: %w", err)
	}

	if statsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("pending      %d\n", stats.Pending)
	fmt.Printf("assigned     %d\n", stats.Assigned)
	fmt.Printf("running      %d\n", stats.Running)
	fmt.Printf("completed    %d\n", stats.Completed)
	fmt.Printf("failed       %d\n", stats.Failed)
	fmt.Printf("timeout      %d\n", stats.Timeout)
	fmt.Printf("cancelled    %d\n", stats.Cancelled)
	fmt.Printf("dead_letters %d\n", stats.DeadLetters)
	if stats.AvgPendingWaitMs > 0 {
		fmt.Printf("avg_wait_ms  %d\n", stats.AvgPendingWaitMs)
	}
	return nil
}
