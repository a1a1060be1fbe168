package main

import (
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lobbi-Docs/taskcoord/internal/config"
	"github.com/Lobbi-Docs/taskcoord/internal/coordinator"
	"github.com/Lobbi-Docs/taskcoord/internal/store"
	"github.com/Lobbi-Docs/taskcoord/internal/tui"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// recentTaskLimit bounds how many tasks the dashboard task list shows.
const recentTaskLimit = 200

// serveWithDashboard runs the live dashboard on top of a started
// coordinator. It returns when the user quits or the process is signalled.
func serveWithDashboard(coord *coordinator.Coordinator, cfg *config.Config) error {
	// Stray log output corrupts the alt-screen display.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	program, dash := tui.NewProgram(true)
	dash.SetOnSubmit(func(sub models.TaskSubmission) error {
		_, err := coord.SubmitTask(sub)
		return err
	})

	done := make(chan struct{})

	// Forward coordinator lifecycle events into the feed.
	go func() {
		for ev := range coord.Events() {
			program.Send(tui.EventMsg{Event: ev})
		}
	}()

	// Push periodic snapshots: counters, health, recent tasks, workers.
	go func() {
		ticker := time.NewTicker(cfg.TUI.RefreshRate)
		defer ticker.Stop()

		push := func() {
			if snap, ok := liveSnapshot(coord); ok {
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

	// SIGTERM quits the dashboard the same way q does.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			program.Quit()
		case <-done:
		}
	}()

	_, err := program.Run()
	close(done)
	return err
}

// liveSnapshot gathers the dashboard state from a running coordinator.
func liveSnapshot(coord *coordinator.Coordinator) (tui.Snapshot, bool) {
	stats, err := coord.Stats()
	if err != nil {
		return tui.Snapshot{}, false
	}
	health, err := coord.Health()
	if err != nil {
		return tui.Snapshot{}, false
	}
	tasks, err := coord.Queue().List(store.TaskFilter{Limit: recentTaskLimit})
	if err != nil {
		return tui.Snapshot{}, false
	}

	return tui.Snapshot{
		Stats:   *stats,
		Health:  *health,
		Tasks:   tasks,
		Workers: coord.Workers(),
		Live:    true,
	}, true
}
