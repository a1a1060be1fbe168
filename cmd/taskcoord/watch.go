package main

import (
	"io"
	"log"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/queue"
	"github.com/Lobbi-Docs/taskcoord/internal/store"
	"github.com/Lobbi-Docs/taskcoord/internal/tui"
)

var watchRefresh time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the dashboard on the local store",
	Long: `Open the dashboard on the queue database.

Reads the store directly, so it works alongside a running serve
process or on a cold queue. Worker health and live events are only
visible from 'taskcoord serve --dash', which runs in the coordinator
process; this view marks them as unavailable.

Keys: 1/2 switch tabs, arrows or j/k scroll, q quits.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchRefresh, "refresh", 0, "Poll interval (default: the configured refresh rate)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	db, cfg, err := openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	refresh := watchRefresh
	if refresh <= 0 {
		refresh = cfg.TUI.RefreshRate
	}

	// Stray log output corrupts the alt-screen display.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	q := queue.New(db, zap.NewNop())
	program, _ := tui.NewProgram(false)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()

		push := func() {
			if snap, ok := storeSnapshot(q); ok {
				program.Send(tui.SnapshotMsg{Snapshot: snap})
			}
		}
		push()
		for {
			select {
			case <-ticker.C:
				push()
			case <-done:
				return
			}
		}
	}()

	_, err = program.Run()
	close(done)
	return err
}

// storeSnapshot gathers dashboard state with only the store to read from.
func storeSnapshot(q *queue.TaskQueue) (tui.Snapshot, bool) {
	stats, err := q.Stats()
	if err != nil {
		return tui.Snapshot{}, false
	}
	tasks, err := q.List(store.TaskFilter{Limit: recentTaskLimit})
	if err != nil {
		return tui.Snapshot{}, false
	}

	return tui.Snapshot{
		Stats: *stats,
		Tasks: tasks,
		Live:  false,
	}, true
}
