package models

import (
	"encoding/json"
	"time"
)

// Result holds the output of a successfully completed task. Results are
// written once, at completion, and never modified afterwards.
type Result struct {
	// ID is the unique identifier for this result.
	ID string `json:"id"`
	// TaskID is the completed task this result belongs to.
	TaskID string `json:"task_id"`
	// Payload is the opaque output produced by the worker.
	Payload json.RawMessage `json:"payload,omitempty"`
	// CreatedAt is when the result was stored.
	CreatedAt time.Time `json:"created_at"`
}
