package models

import "time"

// Worker represents a registered worker known to the coordinator. Workers are
// ephemeral: the registry lives in memory and entries disappear on
// deregistration or coordinator restart.
type Worker struct {
	// ID is the registry-assigned identifier for this worker.
	ID string `json:"id"`
	// Name is the caller-supplied display name.
	Name string `json:"name"`
	// Capabilities lists what kinds of work this worker can take on.
	Capabilities []string `json:"capabilities,omitempty"`
	// ActiveTasks is the number of tasks currently assigned to the worker.
	ActiveTasks int `json:"active_tasks"`
	// RegisteredAt is when the worker joined the registry.
	RegisteredAt time.Time `json:"registered_at"`
	// LastSeenAt is updated each time the worker reports progress.
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Idle returns true if the worker has no assigned tasks.
func (w *Worker) Idle() bool {
	return w.ActiveTasks == 0
}

// CanRun returns true if the worker offers every required capability.
func (w *Worker) CanRun(required []string) bool {
	return CapabilitiesSatisfy(w.Capabilities, required)
}

// CapabilitiesSatisfy reports whether the offered set covers every required
// capability. An empty requirement is satisfied by any worker.
func CapabilitiesSatisfy(offered, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(offered))
	for _, c := range offered {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}

// WorkerDescriptor describes a worker at registration time.
type WorkerDescriptor struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}
