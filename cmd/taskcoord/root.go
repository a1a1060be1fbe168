package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lobbi-Docs/taskcoord/internal/config"
	"github.com/Lobbi-Docs/taskcoord/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "taskcoord",
	Short: "Durable task queue and worker coordination",
	Long: `Taskcoord runs a durable, priority-ordered task queue backed by
SQLite, assigns work to registered workers, retries failures with
exponential backoff, and parks exhausted tasks in a dead-letter queue.

With no arguments, opens the dashboard on the local store.

Core capabilities:
- Priority scheduling (urgent, high, normal, low; FIFO within a band)
- Capability matching between tasks and workers
- Per-attempt timeouts and cooperative cancellation
- Retry with exponential backoff and a dead-letter queue
- Crash recovery: interrupted work is requeued on startup`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd, args)
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(deadletterCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// openStore loads the configuration and opens the queue database it points
// at, creating it if needed.
func openStore() (*store.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open queue database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate queue database: %w", err)
	}
	return db, cfg, nil
}

// openExistingStore is openStore for read-only commands: it refuses to
// create a fresh database and tells the user how to get one instead.
func openExistingStore() (*store.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	if _, err := os.Stat(cfg.DatabasePath()); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("no queue database at %s; run 'taskcoord serve' or 'taskcoord submit' first", cfg.DatabasePath())
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open queue database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate queue database: %w", err)
	}
	return db, cfg, nil
}
