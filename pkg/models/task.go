package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued and waiting for a worker.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusAssigned indicates the task has been handed to a worker.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusRunning indicates the worker has started executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the most recent attempt failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusTimeout indicates the task exceeded its execution deadline.
	TaskStatusTimeout TaskStatus = "timeout"
	// TaskStatusCancelled indicates the task was cancelled before finishing.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from the status.
// Failed and timeout are not terminal here: both may requeue while retries
// remain, and only the dead-letter move makes a failure final.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// CanTransition returns true if a task in status s may move to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusAssigned || next == TaskStatusCancelled
	case TaskStatusAssigned:
		return next == TaskStatusRunning || next == TaskStatusPending ||
			next == TaskStatusTimeout || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed ||
			next == TaskStatusTimeout || next == TaskStatusCancelled ||
			next == TaskStatusPending
	case TaskStatusFailed, TaskStatusTimeout:
		return next == TaskStatusPending
	default:
		return false
	}
}

// Task represents a unit of work flowing through the queue.
type Task struct {
	// ID is the unique identifier for this task, assigned at submission.
	ID string `json:"id"`
	// Type names the kind of work; workers dispatch on it.
	Type string `json:"type"`
	// Payload is the opaque work description. The queue never interprets it.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Metadata carries caller-supplied key/value pairs, opaque to the queue.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Priority determines scheduling order relative to other pending tasks.
	Priority TaskPriority `json:"priority"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// RequiredCapabilities lists capabilities a worker must offer to run this
	// task. Empty means any worker qualifies.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// Affinity is an advisory preference for a specific worker ID.
	Affinity string `json:"affinity,omitempty"`
	// TimeoutMs bounds a single execution attempt. Zero means no timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	// Retry governs how failed attempts are retried.
	Retry RetryPolicy `json:"retry"`
	// AttemptCount is the number of failed or timed-out attempts so far.
	AttemptCount int `json:"attempt_count"`
	// AssignedWorker is the ID of the worker currently holding the task.
	AssignedWorker string `json:"assigned_worker,omitempty"`
	// AttemptedWorkers records every worker the task was ever assigned to.
	AttemptedWorkers []string `json:"attempted_workers,omitempty"`
	// LastError holds the error text from the most recent failed attempt.
	LastError string `json:"last_error,omitempty"`
	// ResultID references the stored result once the task completes.
	ResultID string `json:"result_id,omitempty"`
	// ParentTaskID links sub-tasks and dead-letter resubmissions to their origin.
	ParentTaskID string `json:"parent_task_id,omitempty"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
	// NotBefore gates retry eligibility; the task stays invisible to dequeue
	// until this instant passes. Nil means immediately eligible.
	NotBefore *time.Time `json:"not_before,omitempty"`
	// AssignedAt is when the task was last assigned, if ever.
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	// StartedAt is when the current or last execution began, if any.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Eligible reports whether the task may be handed out at the given instant.
func (t *Task) Eligible(now time.Time) bool {
	if t.Status != TaskStatusPending {
		return false
	}
	return t.NotBefore == nil || !t.NotBefore.After(now)
}

// TaskSubmission describes a task to enqueue. Zero-value fields fall back to
// queue defaults (normal priority, the default retry policy, no timeout).
type TaskSubmission struct {
	Type                 string            `json:"type"`
	Payload              json.RawMessage   `json:"payload,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	Priority             TaskPriority      `json:"priority,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Affinity             string            `json:"affinity,omitempty"`
	TimeoutMs            int64             `json:"timeout_ms,omitempty"`
	Retry                *RetryPolicy      `json:"retry,omitempty"`
	ParentTaskID         string            `json:"parent_task_id,omitempty"`
}
