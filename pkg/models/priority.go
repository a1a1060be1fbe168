package models

// TaskPriority represents the scheduling band for a task.
type TaskPriority string

const (
	// PriorityUrgent is for tasks that preempt everything else.
	PriorityUrgent TaskPriority = "urgent"
	// PriorityHigh is for tasks ahead of routine work.
	PriorityHigh TaskPriority = "high"
	// PriorityNormal is the default band for routine work.
	PriorityNormal TaskPriority = "normal"
	// PriorityLow is for background work that can always wait.
	PriorityLow TaskPriority = "low"
)

// Valid returns true if the priority is a known value.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank maps the priority to its position in the total order. Higher ranks
// schedule first; within a rank tasks run in arrival order.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}
