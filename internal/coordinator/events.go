// Package coordinator owns the matching loop that binds pending tasks to
// idle workers, the submission and observability APIs, and the maintenance
// duties that keep the queue healthy over time.
package coordinator

import (
	"time"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// EventType represents the kind of coordinator event.
type EventType string

const (
	// EventTaskEnqueued indicates a task was accepted into the queue.
	EventTaskEnqueued EventType = "task_enqueued"
	// EventTaskAssigned indicates a task was bound to a worker.
	EventTaskAssigned EventType = "task_assigned"
	// EventTaskStarted indicates a worker began executing its assignment.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task finished successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates an execution attempt failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskRequeued indicates a task returned to pending, typically
	// awaiting a retry gate.
	EventTaskRequeued EventType = "task_requeued"
	// EventTaskTimedOut indicates a task blew its per-attempt deadline.
	EventTaskTimedOut EventType = "task_timed_out"
	// EventTaskDeadLettered indicates a task exhausted its retries and
	// moved to the dead-letter queue.
	EventTaskDeadLettered EventType = "task_dead_lettered"
	// EventTaskCancelled indicates a task was cancelled.
	EventTaskCancelled EventType = "task_cancelled"
	// EventWorkerRegistered indicates a worker joined the registry.
	EventWorkerRegistered EventType = "worker_registered"
	// EventWorkerDeregistered indicates a worker left the registry.
	EventWorkerDeregistered EventType = "worker_deregistered"
)

// Event is a lifecycle notification emitted by the coordinator. Subscribers
// such as the dashboard use these to track progress without polling.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// TaskType is the submitted type of the related task, if applicable.
	TaskType string
	// Priority is the related task's priority band, if applicable.
	Priority models.TaskPriority
	// WorkerID is the ID of the related worker, if applicable.
	WorkerID string
	// Attempt is the attempt count after the event, for retry events.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
