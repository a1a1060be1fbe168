// Package distributor handles execution reporting: it records task starts,
// stores results on success, and routes failures through the retry policy
// until they either requeue or land in the dead-letter queue.
package distributor

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/queue"
	"github.com/Lobbi-Docs/taskcoord/internal/store"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// ErrRetriesExhausted signals that a failed task had no attempts left and
// moved to the dead-letter queue.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryExhaustedError carries the dead-letter entry created when a task
// runs out of attempts.
type RetryExhaustedError struct {
	TaskID string
	Entry  *models.DeadLetterEntry
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s: retries exhausted after %d attempts", e.TaskID, e.Entry.AttemptCount)
}

// Is reports whether target is ErrRetriesExhausted, so callers can match
// with errors.Is without unwrapping the entry.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// Report is a worker's account of one finished execution attempt.
type Report struct {
	// Success indicates whether the attempt completed successfully.
	Success bool
	// Result is the output payload, stored only on success.
	Result json.RawMessage
	// Error is the failure message when Success is false.
	Error string
	// Stack is an optional stack trace captured from a crashed handler.
	Stack string
}

// Outcome describes where a reported task ended up.
type Outcome struct {
	// TaskID identifies the task.
	TaskID string
	// Status is the task's status after the report was applied: completed
	// on success, pending when a retry was scheduled.
	Status models.TaskStatus
	// Attempt is the number of attempts consumed so far.
	Attempt int
	// RetryAt is when the scheduled retry becomes eligible, if any. The
	// caller owns waking the queue at that instant.
	RetryAt *time.Time
	// ResultID identifies the stored result on success.
	ResultID string
}

// Distributor binds execution reports to queue transitions.
type Distributor struct {
	db     *store.DB
	queue  *queue.TaskQueue
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Distributor over the given store and queue. A nil logger
// disables logging.
func New(db *store.DB, q *queue.TaskQueue, logger *zap.Logger) *Distributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Distributor{
		db:     db,
		queue:  q,
		logger: logger,
		now:    time.Now,
	}
}

// StartTask records that a worker began executing its assignment. Only
// assigned tasks can start; anything else is an invalid transition.
func (d *Distributor) StartTask(taskID string) error {
	if err := d.queue.UpdateStatus(taskID, models.TaskStatusRunning, ""); err != nil {
		return err
	}
	d.logger.Debug("task started", zap.String("task_id", taskID))
	return nil
}

// CompleteTask applies a worker's report. On success the result is stored
// and the task completes. On failure the retry policy decides: remaining
// attempts schedule a requeue and return the outcome; exhaustion moves the
// task to the dead-letter queue and returns a RetryExhaustedError.
func (d *Distributor) CompleteTask(taskID string, rep Report) (*Outcome, error) {
	if rep.Success {
		return d.complete(taskID, rep.Result)
	}
	if err := d.queue.UpdateStatus(taskID, models.TaskStatusFailed, rep.Error); err != nil {
		return nil, err
	}
	d.logger.Debug("task attempt failed",
		zap.String("task_id", taskID),
		zap.String("error", rep.Error))
	return d.routeFailure(taskID, rep.Error, rep.Stack)
}

// TimeoutTask expires a task whose per-attempt deadline passed, then routes
// it through the same retry policy as a reported failure.
func (d *Distributor) TimeoutTask(taskID string) (*Outcome, error) {
	if err := d.queue.UpdateStatus(taskID, models.TaskStatusTimeout, "deadline exceeded"); err != nil {
		return nil, err
	}
	d.logger.Warn("task deadline exceeded", zap.String("task_id", taskID))
	return d.routeFailure(taskID, "deadline exceeded", "")
}

// complete stores the result and finalizes the task in one transaction.
func (d *Distributor) complete(taskID string, payload json.RawMessage) (*Outcome, error) {
	resultID := uuid.New().String()
	now := d.now()

	err := d.db.Transaction(func(tx *sql.Tx) error {
		t, err := store.GetTask(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusRunning {
			return &queue.TransitionError{TaskID: taskID, From: t.Status, To: models.TaskStatusCompleted}
		}
		r := &models.Result{
			ID:        resultID,
			TaskID:    taskID,
			Payload:   payload,
			CreatedAt: now,
		}
		if err := store.InsertResult(tx, r); err != nil {
			return err
		}
		if err := store.SetTaskResultID(tx, taskID, resultID); err != nil {
			return err
		}
		ok, err := store.SetTaskStatus(tx, taskID, t.Status, models.TaskStatusCompleted, "", now)
		if err != nil {
			return err
		}
		if !ok {
			return &queue.TransitionError{TaskID: taskID, From: t.Status, To: models.TaskStatusCompleted}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("result_id", resultID))
	return &Outcome{
		TaskID:   taskID,
		Status:   models.TaskStatusCompleted,
		ResultID: resultID,
	}, nil
}

// routeFailure consumes one attempt and either schedules a retry or moves
// the task to the dead-letter queue.
func (d *Distributor) routeFailure(taskID, errText, stack string) (*Outcome, error) {
	t, err := d.queue.Get(taskID)
	if err != nil {
		return nil, err
	}
	attempt, err := d.queue.IncrementAttempt(taskID)
	if err != nil {
		return nil, err
	}

	if attempt < t.Retry.MaxRetries {
		delay := t.Retry.Delay(attempt)
		gate, err := d.queue.RequeueAfter(taskID, delay)
		if err != nil {
			return nil, err
		}
		d.logger.Info("task retry scheduled",
			zap.String("task_id", taskID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", t.Retry.MaxRetries),
			zap.Duration("delay", delay))
		return &Outcome{
			TaskID:  taskID,
			Status:  models.TaskStatusPending,
			Attempt: attempt,
			RetryAt: &gate,
		}, nil
	}

	entry, err := d.queue.MoveToDeadLetter(taskID, errText, stack)
	if err != nil {
		return nil, err
	}
	return nil, &RetryExhaustedError{TaskID: taskID, Entry: entry}
}

// Result returns the stored result for a completed task. A task that exists
// but has produced no result yet yields nil without error; an unknown task
// id is a NotFound error.
func (d *Distributor) Result(taskID string) (*models.Result, error) {
	if _, err := d.queue.Get(taskID); err != nil {
		return nil, err
	}
	r, err := store.GetResultByTask(d.db, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}
