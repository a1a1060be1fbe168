package queue

import (
	"errors"
	"fmt"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// ErrInvalidTransition matches any TransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError reports an attempted status change the state machine does
// not allow, carrying the states involved for diagnostics.
type TransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
