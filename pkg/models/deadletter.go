package models

import (
	"encoding/json"
	"time"
)

// DeadLetterEntry is the durable record of a task whose retries were
// exhausted. It preserves everything needed to resubmit the work and to
// diagnose why it kept failing.
type DeadLetterEntry struct {
	// ID is the store-assigned, monotonically increasing entry identifier.
	ID int64 `json:"id"`
	// TaskID references the original task.
	TaskID string `json:"task_id"`
	// TaskType is the original task's type.
	TaskType string `json:"task_type"`
	// Payload is the original opaque payload, preserved verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Metadata is the original metadata, preserved verbatim.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Priority is the original scheduling band.
	Priority TaskPriority `json:"priority"`
	// RequiredCapabilities are the original capability requirements.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// TimeoutMs is the original per-attempt deadline.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	// Retry is the policy the task was running under when it exhausted.
	Retry RetryPolicy `json:"retry"`
	// FinalStatus is the status that triggered the move, failed or timeout.
	FinalStatus TaskStatus `json:"final_status"`
	// FinalError is the error text from the last attempt.
	FinalError string `json:"final_error,omitempty"`
	// Stack is an optional stack trace captured with the final error.
	Stack string `json:"stack,omitempty"`
	// AttemptCount is how many attempts were made before giving up.
	AttemptCount int `json:"attempt_count"`
	// AttemptedWorkers lists every worker that tried the task.
	AttemptedWorkers []string `json:"attempted_workers,omitempty"`
	// TaskCreatedAt is when the original task was submitted.
	TaskCreatedAt time.Time `json:"task_created_at"`
	// FailedAt is when the task was moved here.
	FailedAt time.Time `json:"failed_at"`
}
