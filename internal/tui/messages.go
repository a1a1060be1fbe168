package tui

import (
	"github.com/Lobbi-Docs/taskcoord/internal/coordinator"
	"github.com/Lobbi-Docs/taskcoord/internal/queue"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// Snapshot is one refreshed view of the system, assembled by the driver.
type Snapshot struct {
	// Stats holds the queue counters.
	Stats queue.Stats
	// Health holds coordinator health; meaningful only when Live.
	Health coordinator.Health
	// Tasks are the most recent tasks, newest first.
	Tasks []*models.Task
	// Workers are the registered workers; empty when not Live.
	Workers []*models.Worker
	// Live is true when the driver is attached to a running
	// coordinator in-process. A store-only viewer sets it false and
	// the dashboard hides worker and event-drop details.
	Live bool
}

// SnapshotMsg delivers a refreshed snapshot to the dashboard.
type SnapshotMsg struct {
	Snapshot Snapshot
}

// EventMsg appends one lifecycle event to the feed.
type EventMsg struct {
	Event coordinator.Event
}

// NoticeMsg sets the footer status line, e.g. for poll errors.
type NoticeMsg struct {
	Message string
	IsError bool
}
