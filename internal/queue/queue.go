// Package queue implements the durable, priority-ordered task queue: status
// transitions, retry gating, the dead-letter queue, and queue statistics.
// Persistence and transaction boundaries come from the store package; this
// package owns the state machine.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/store"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// TaskQueue coordinates task rows through their lifecycle. All multi-step
// operations run inside a store transaction so concurrent callers observe
// each task move through the state machine exactly once.
type TaskQueue struct {
	db           *store.DB
	logger       *zap.Logger
	defaultRetry models.RetryPolicy
	now          func() time.Time
}

// Option configures a TaskQueue.
type Option func(*TaskQueue)

// WithDefaultRetry sets the retry policy applied to submissions that carry
// none, replacing the built-in default.
func WithDefaultRetry(p models.RetryPolicy) Option {
	return func(q *TaskQueue) {
		q.defaultRetry = p.Normalize()
	}
}

// New creates a TaskQueue over the given store. A nil logger disables logging.
func New(db *store.DB, logger *zap.Logger, opts ...Option) *TaskQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &TaskQueue{
		db:           db,
		logger:       logger,
		defaultRetry: models.DefaultRetryPolicy(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates a submission, applies defaults, and inserts the task in
// pending status. The returned task carries its generated ID.
func (q *TaskQueue) Enqueue(sub models.TaskSubmission) (*models.Task, error) {
	t, err := q.buildTask(sub)
	if err != nil {
		return nil, err
	}
	if err := store.InsertTask(q.db, t); err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	q.logger.Debug("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("type", t.Type),
		zap.String("priority", string(t.Priority)))
	return t, nil
}

// EnqueueAll inserts a batch of submissions atomically: either every task is
// queued or none are.
func (q *TaskQueue) EnqueueAll(subs []models.TaskSubmission) ([]*models.Task, error) {
	tasks := make([]*models.Task, 0, len(subs))
	for _, sub := range subs {
		t, err := q.buildTask(sub)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	err := q.db.Transaction(func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := store.InsertTask(tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue batch: %w", err)
	}
	return tasks, nil
}

// buildTask turns a submission into a ready-to-insert pending task.
func (q *TaskQueue) buildTask(sub models.TaskSubmission) (*models.Task, error) {
	if sub.Type == "" {
		return nil, fmt.Errorf("task type is required")
	}

	priority := sub.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %q", sub.Priority)
	}

	retry := q.defaultRetry
	if sub.Retry != nil {
		retry = sub.Retry.Normalize()
	}

	if sub.TimeoutMs < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}

	return &models.Task{
		ID:                   uuid.New().String(),
		Type:                 sub.Type,
		Payload:              sub.Payload,
		Metadata:             sub.Metadata,
		Priority:             priority,
		Status:               models.TaskStatusPending,
		RequiredCapabilities: sub.RequiredCapabilities,
		Affinity:             sub.Affinity,
		TimeoutMs:            sub.TimeoutMs,
		Retry:                retry,
		ParentTaskID:         sub.ParentTaskID,
		CreatedAt:            q.now(),
	}, nil
}

// Dequeue returns the highest-priority eligible pending task without mutating
// anything, or nil when the queue has none. Ties within a priority band go to
// the oldest task.
func (q *TaskQueue) Dequeue() (*models.Task, error) {
	tasks, err := store.EligibleTasks(q.db, q.now())
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// DequeueForCapabilities is Dequeue restricted to tasks whose requirements
// are covered by the offered capability set. An empty offer matches only
// tasks that require nothing.
func (q *TaskQueue) DequeueForCapabilities(offered []string) (*models.Task, error) {
	tasks, err := store.EligibleTasks(q.db, q.now())
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	for _, t := range tasks {
		if models.CapabilitiesSatisfy(offered, t.RequiredCapabilities) {
			return t, nil
		}
	}
	return nil, nil
}

// Assign hands a pending task to a worker. The status write is guarded on
// pending, so when two callers race over one task exactly one Assign
// succeeds and the loser gets a TransitionError.
func (q *TaskQueue) Assign(taskID, workerID string) error {
	return q.db.Transaction(func(tx *sql.Tx) error {
		t, err := store.GetTask(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusPending {
			return &TransitionError{TaskID: taskID, From: t.Status, To: models.TaskStatusAssigned}
		}
		ok, err := store.MarkAssigned(tx, t, workerID, q.now())
		if err != nil {
			return err
		}
		if !ok {
			return &TransitionError{TaskID: taskID, From: t.Status, To: models.TaskStatusAssigned}
		}
		return nil
	})
}

// UpdateStatus transitions a task to the given status, stamping the matching
// timestamp and recording errText when present. Moving to pending or assigned
// goes through Requeue and Assign instead.
func (q *TaskQueue) UpdateStatus(taskID string, status models.TaskStatus, errText string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	if status == models.TaskStatusPending || status == models.TaskStatusAssigned {
		return fmt.Errorf("status %s has a dedicated operation", status)
	}

	return q.db.Transaction(func(tx *sql.Tx) error {
		t, err := store.GetTask(tx, taskID)
		if err != nil {
			return err
		}
		if !t.Status.CanTransition(status) {
			return &TransitionError{TaskID: taskID, From: t.Status, To: status}
		}
		ok, err := store.SetTaskStatus(tx, taskID, t.Status, status, errText, q.now())
		if err != nil {
			return err
		}
		if !ok {
			return &TransitionError{TaskID: taskID, From: t.Status, To: status}
		}
		return nil
	})
}

// IncrementAttempt bumps a task's attempt counter and returns the new count.
// Callers use the count to decide between requeue and dead-letter.
func (q *TaskQueue) IncrementAttempt(taskID string) (int, error) {
	var count int
	err := q.db.Transaction(func(tx *sql.Tx) error {
		var err error
		count, err = store.IncrementAttempt(tx, taskID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Requeue returns an assigned, running, failed, or timed-out task to pending
// immediately, clearing its assignment and any retry gate. Used for recovery
// and manual intervention. Terminal tasks are refused with a TransitionError:
// settled work keeps its recorded outcome.
func (q *TaskQueue) Requeue(taskID string) error {
	_, err := q.requeue(taskID, nil)
	return err
}

// RequeueAfter returns a task to pending but keeps it invisible to dequeue
// until the delay passes. The eligibility instant is returned so callers can
// schedule a wake-up instead of sleeping.
func (q *TaskQueue) RequeueAfter(taskID string, delay time.Duration) (time.Time, error) {
	gate := q.now().Add(delay)
	if _, err := q.requeue(taskID, &gate); err != nil {
		return time.Time{}, err
	}
	return gate, nil
}

func (q *TaskQueue) requeue(taskID string, notBefore *time.Time) (*models.Task, error) {
	var t *models.Task
	err := q.db.Transaction(func(tx *sql.Tx) error {
		var err error
		t, err = store.GetTask(tx, taskID)
		if err != nil {
			return err
		}
		if !t.Status.CanTransition(models.TaskStatusPending) {
			return &TransitionError{TaskID: taskID, From: t.Status, To: models.TaskStatusPending}
		}
		ok, err := store.RequeueTask(tx, taskID, t.Status, notBefore)
		if err != nil {
			return err
		}
		if !ok {
			return &TransitionError{TaskID: taskID, From: t.Status, To: models.TaskStatusPending}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Cancel stops a task from progressing further. Pending and assigned tasks
// cancel immediately; running tasks keep executing until their worker next
// observes the status, so cancellation never yanks work mid-flight.
func (q *TaskQueue) Cancel(taskID string) error {
	return q.db.Transaction(func(tx *sql.Tx) error {
		t, err := store.GetTask(tx, taskID)
		if err != nil {
			return err
		}
		if !t.Status.CanTransition(models.TaskStatusCancelled) {
			return &TransitionError{TaskID: taskID, From: t.Status, To: models.TaskStatusCancelled}
		}
		ok, err := store.SetTaskStatus(tx, taskID, t.Status, models.TaskStatusCancelled, "", q.now())
		if err != nil {
			return err
		}
		if !ok {
			return &TransitionError{TaskID: taskID, From: t.Status, To: models.TaskStatusCancelled}
		}
		return nil
	})
}

// MoveToDeadLetter records a terminal failure in the dead-letter queue and
// finalizes the task, both inside one transaction. Only failed or timed-out
// tasks can move; the unique task constraint guarantees at most one entry per
// task.
func (q *TaskQueue) MoveToDeadLetter(taskID, errText, stack string) (*models.DeadLetterEntry, error) {
	var entry *models.DeadLetterEntry
	err := q.db.Transaction(func(tx *sql.Tx) error {
		t, err := store.GetTask(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusFailed && t.Status != models.TaskStatusTimeout {
			return &TransitionError{TaskID: taskID, From: t.Status, To: models.TaskStatusFailed}
		}

		finalErr := errText
		if finalErr == "" {
			finalErr = t.LastError
		}
		e := &models.DeadLetterEntry{
			TaskID:               t.ID,
			TaskType:             t.Type,
			Payload:              t.Payload,
			Metadata:             t.Metadata,
			Priority:             t.Priority,
			RequiredCapabilities: t.RequiredCapabilities,
			TimeoutMs:            t.TimeoutMs,
			Retry:                t.Retry,
			FinalStatus:          t.Status,
			FinalError:           finalErr,
			Stack:                stack,
			AttemptCount:         t.AttemptCount,
			AttemptedWorkers:     t.AttemptedWorkers,
			TaskCreatedAt:        t.CreatedAt,
			FailedAt:             q.now(),
		}

		id, err := store.InsertDeadLetter(tx, e)
		if err != nil {
			return err
		}
		e.ID = id

		ok, err := store.MarkDeadLettered(tx, taskID, finalErr, q.now())
		if err != nil {
			return err
		}
		if !ok {
			return &TransitionError{TaskID: taskID, From: t.Status, To: models.TaskStatusFailed}
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.logger.Warn("task dead-lettered",
		zap.String("task_id", taskID),
		zap.Int64("entry_id", entry.ID),
		zap.Int("attempts", entry.AttemptCount),
		zap.String("error", entry.FinalError))
	return entry, nil
}

// RetryDeadLetter resubmits a dead-lettered task as a brand-new task with the
// same type, payload, and policy, then deletes the entry. The new task links
// back to the original through its parent ID and starts with a clean attempt
// count.
func (q *TaskQueue) RetryDeadLetter(entryID int64) (*models.Task, error) {
	var fresh *models.Task
	err := q.db.Transaction(func(tx *sql.Tx) error {
		e, err := store.GetDeadLetter(tx, entryID)
		if err != nil {
			return err
		}

		fresh = &models.Task{
			ID:                   uuid.New().String(),
			Type:                 e.TaskType,
			Payload:              e.Payload,
			Metadata:             e.Metadata,
			Priority:             e.Priority,
			Status:               models.TaskStatusPending,
			RequiredCapabilities: e.RequiredCapabilities,
			TimeoutMs:            e.TimeoutMs,
			Retry:                e.Retry,
			ParentTaskID:         e.TaskID,
			CreatedAt:            q.now(),
		}
		if err := store.InsertTask(tx, fresh); err != nil {
			return err
		}

		ok, err := store.DeleteDeadLetter(tx, entryID)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("dead-letter entry resubmitted",
		zap.Int64("entry_id", entryID),
		zap.String("new_task_id", fresh.ID))
	return fresh, nil
}

// Eligible returns every pending task whose retry gate has passed, in
// scheduling order. Matching loops use this to consider tasks beyond the
// head when the head has no capable worker.
func (q *TaskQueue) Eligible() ([]*models.Task, error) {
	return store.EligibleTasks(q.db, q.now())
}

// AssignedTo returns the tasks currently assigned to or running on the
// given worker.
func (q *TaskQueue) AssignedTo(workerID string) ([]*models.Task, error) {
	tasks, err := store.ActiveAssignments(q.db)
	if err != nil {
		return nil, err
	}
	var mine []*models.Task
	for _, t := range tasks {
		if t.AssignedWorker == workerID {
			mine = append(mine, t)
		}
	}
	return mine, nil
}

// Get retrieves a task by ID.
func (q *TaskQueue) Get(taskID string) (*models.Task, error) {
	return store.GetTask(q.db, taskID)
}

// List returns tasks matching the filter, newest first.
func (q *TaskQueue) List(f store.TaskFilter) ([]*models.Task, error) {
	return store.ListTasks(q.db, f)
}

// DeadLetters returns dead-letter entries, newest failure first.
func (q *TaskQueue) DeadLetters(limit int) ([]*models.DeadLetterEntry, error) {
	return store.ListDeadLetters(q.db, limit)
}

// DeadLetter retrieves a single entry by ID.
func (q *TaskQueue) DeadLetter(id int64) (*models.DeadLetterEntry, error) {
	return store.GetDeadLetter(q.db, id)
}

// Expired returns assigned or running tasks whose per-attempt deadline has
// passed.
func (q *TaskQueue) Expired() ([]*models.Task, error) {
	return store.ExpiredTasks(q.db, q.now())
}

// NextEligibleAt returns when the earliest retry gate among pending tasks
// opens, or nil when none is waiting.
func (q *TaskQueue) NextEligibleAt() (*time.Time, error) {
	return store.NextEligibleAt(q.db, q.now())
}

// Recover requeues tasks left assigned or running by a previous process.
// Workers are ephemeral, so after a restart no one will ever report for these
// assignments. Returns the number of tasks requeued.
func (q *TaskQueue) Recover() (int, error) {
	recovered := 0
	err := q.db.Transaction(func(tx *sql.Tx) error {
		tasks, err := store.ActiveAssignments(tx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			ok, err := store.RequeueTask(tx, t.ID, t.Status, nil)
			if err != nil {
				return err
			}
			if ok {
				recovered++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover assignments: %w", err)
	}
	if recovered > 0 {
		q.logger.Info("requeued orphaned assignments", zap.Int("count", recovered))
	}
	return recovered, nil
}

// PurgeCompleted deletes completed and cancelled tasks older than the given
// age, along with their results. This is the only destructive operation the
// queue offers.
func (q *TaskQueue) PurgeCompleted(olderThan time.Duration) (int64, error) {
	cutoff := q.now().Add(-olderThan)
	var count int64
	err := q.db.Transaction(func(tx *sql.Tx) error {
		var err error
		count, err = store.PurgeCompletedTasks(tx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		q.logger.Info("purged finished tasks", zap.Int64("count", count))
	}
	return count, nil
}

// Stats is a point-in-time snapshot of queue composition.
type Stats struct {
	// Per-status task counts.
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Timeout   int `json:"timeout"`
	Cancelled int `json:"cancelled"`
	// DeadLetters is the number of entries waiting in the dead-letter queue.
	DeadLetters int `json:"dead_letters"`
	// AvgPendingWaitMs is the mean age of still-pending tasks.
	AvgPendingWaitMs int64 `json:"avg_pending_wait_ms"`
}

// Total returns the number of tasks across every status.
func (s Stats) Total() int {
	return s.Pending + s.Assigned + s.Running + s.Completed + s.Failed + s.Timeout + s.Cancelled
}

// Stats gathers queue statistics in one snapshot.
func (q *TaskQueue) Stats() (*Stats, error) {
	counts, err := store.CountTasksByStatus(q.db)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	deadLetters, err := store.CountDeadLetters(q.db)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	avgWait, err := store.AvgPendingWaitMs(q.db, q.now())
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	return &Stats{
		Pending:          counts[models.TaskStatusPending],
		Assigned:         counts[models.TaskStatusAssigned],
		Running:          counts[models.TaskStatusRunning],
		Completed:        counts[models.TaskStatusCompleted],
		Failed:           counts[models.TaskStatusFailed],
		Timeout:          counts[models.TaskStatusTimeout],
		Cancelled:        counts[models.TaskStatusCancelled],
		DeadLetters:      deadLetters,
		AvgPendingWaitMs: avgWait,
	}, nil
}
