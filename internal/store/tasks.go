package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// taskColumns is the column list every task query selects, in scan order.
const taskColumns = `id, task_type, payload, metadata, priority, status, required_caps, affinity,
	timeout_ms, max_retries, base_delay_ms, max_delay_ms, backoff_factor, attempt_count,
	assigned_worker, attempted_workers, last_error, result_id, parent_task_id,
	created_at, not_before, assigned_at, started_at, completed_at`

// eligibleOrder ranks pending tasks: priority band first, then arrival time,
// then insertion order so same-millisecond submissions stay FIFO.
const eligibleOrder = `
	ORDER BY CASE priority
		WHEN 'urgent' THEN 3
		WHEN 'high' THEN 2
		WHEN 'normal' THEN 1
		ELSE 0
	END DESC, created_at ASC, rowid ASC`

// rowScanner abstracts sql.Row and sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// TaskFilter narrows ListTasks results. Zero values mean no restriction.
type TaskFilter struct {
	Status models.TaskStatus
	Type   string
	Limit  int
}

// InsertTask writes a new task row.
func InsertTask(q Querier, t *models.Task) error {
	_, err := q.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.Type, []byte(t.Payload), marshalMeta(t.Metadata), string(t.Priority), string(t.Status),
		marshalStrings(t.RequiredCapabilities), nullIfEmpty(t.Affinity),
		t.TimeoutMs, t.Retry.MaxRetries, t.Retry.BaseDelayMs, t.Retry.MaxDelayMs, t.Retry.BackoffFactor,
		t.AttemptCount, nullIfEmpty(t.AssignedWorker), marshalStrings(t.AttemptedWorkers),
		nullIfEmpty(t.LastError), nullIfEmpty(t.ResultID), nullIfEmpty(t.ParentTaskID),
		timeToMs(t.CreatedAt), timePtrToMs(t.NotBefore), timePtrToMs(t.AssignedAt),
		timePtrToMs(t.StartedAt), timePtrToMs(t.CompletedAt),
	)
	if err != nil {
		return storageErr("insert task", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns ErrNotFound if no such task exists.
func GetTask(q Querier, id string) (*models.Task, error) {
	row := q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func ListTasks(q Querier, f TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any

	where := ""
	if f.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		if where == "" {
			where = " WHERE task_type = ?"
		} else {
			where += " AND task_type = ?"
		}
		args = append(args, f.Type)
	}
	query += where + " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// EligibleTasks returns pending tasks whose retry gate has passed, in
// scheduling order: highest priority first, oldest first within a band.
func EligibleTasks(q Querier, now time.Time) ([]*models.Task, error) {
	rows, err := q.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND (not_before IS NULL OR not_before <= ?)`+eligibleOrder,
		timeToMs(now))
	if err != nil {
		return nil, storageErr("eligible tasks", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ActiveAssignments returns tasks currently assigned or running. Used on
// startup to requeue work orphaned by a crashed coordinator.
func ActiveAssignments(q Querier) ([]*models.Task, error) {
	rows, err := q.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('assigned', 'running')
		ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, storageErr("active assignments", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ExpiredTasks returns assigned or running tasks whose per-attempt deadline
// has passed as of now. Tasks without a timeout never expire.
func ExpiredTasks(q Querier, now time.Time) ([]*models.Task, error) {
	ms := timeToMs(now)
	rows, err := q.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE timeout_ms > 0 AND (
			(status = 'running' AND started_at IS NOT NULL AND started_at + timeout_ms <= ?)
			OR (status = 'assigned' AND assigned_at IS NOT NULL AND assigned_at + timeout_ms <= ?)
		)`, ms, ms)
	if err != nil {
		return nil, storageErr("expired tasks", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// MarkAssigned moves a pending task to assigned, recording the worker and the
// attempt trail. The update is guarded on the pending status, so exactly one
// of any concurrent callers wins; the caller sees false when it lost.
func MarkAssigned(q Querier, t *models.Task, workerID string, now time.Time) (bool, error) {
	trail := append(append([]string{}, t.AttemptedWorkers...), workerID)
	res, err := q.Exec(`
		UPDATE tasks SET status = ?, assigned_worker = ?, attempted_workers = ?, assigned_at = ?, not_before = NULL
		WHERE id = ? AND status = ?
	`, string(models.TaskStatusAssigned), workerID, marshalStrings(trail), timeToMs(now),
		t.ID, string(models.TaskStatusPending))
	if err != nil {
		return false, storageErr("assign task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("assign task", err)
	}
	return n > 0, nil
}

// SetTaskStatus transitions a task from one status to another, stamping the
// timestamp that belongs to the target state. The update is guarded on the
// expected current status; false means the task was not in it.
func SetTaskStatus(q Querier, id string, from, to models.TaskStatus, errText string, now time.Time) (bool, error) {
	set := "status = ?"
	args := []any{string(to)}
	switch to {
	case models.TaskStatusRunning:
		set += ", started_at = ?"
		args = append(args, timeToMs(now))
	case models.TaskStatusCompleted, models.TaskStatusCancelled:
		set += ", completed_at = ?"
		args = append(args, timeToMs(now))
	}
	if errText != "" {
		set += ", last_error = ?"
		args = append(args, errText)
	}
	args = append(args, id, string(from))

	res, err := q.Exec("UPDATE tasks SET "+set+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return false, storageErr("update task status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("update task status", err)
	}
	return n > 0, nil
}

// RequeueTask returns a task to pending, clearing its assignment. A non-nil
// notBefore gates the task out of dequeue until that instant. The update is
// guarded on the expected current status.
func RequeueTask(q Querier, id string, from models.TaskStatus, notBefore *time.Time) (bool, error) {
	res, err := q.Exec(`
		UPDATE tasks SET status = ?, assigned_worker = NULL, assigned_at = NULL, started_at = NULL, not_before = ?
		WHERE id = ? AND status = ?
	`, string(models.TaskStatusPending), timePtrToMs(notBefore), id, string(from))
	if err != nil {
		return false, storageErr("requeue task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("requeue task", err)
	}
	return n > 0, nil
}

// MarkDeadLettered finalizes a failed or timed-out task after its dead-letter
// entry is written. The task ends in failed with its completion time set.
func MarkDeadLettered(q Querier, id, errText string, now time.Time) (bool, error) {
	res, err := q.Exec(`
		UPDATE tasks SET status = ?, last_error = ?, completed_at = ?
		WHERE id = ? AND status IN ('failed', 'timeout')
	`, string(models.TaskStatusFailed), nullIfEmpty(errText), timeToMs(now), id)
	if err != nil {
		return false, storageErr("mark dead-lettered", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("mark dead-lettered", err)
	}
	return n > 0, nil
}

// IncrementAttempt bumps the attempt counter and returns the new count.
// Callers needing read-after-write atomicity must pass a transaction.
func IncrementAttempt(q Querier, id string) (int, error) {
	res, err := q.Exec("UPDATE tasks SET attempt_count = attempt_count + 1 WHERE id = ?", id)
	if err != nil {
		return 0, storageErr("increment attempt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("increment attempt", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	var count int
	row := q.QueryRow("SELECT attempt_count FROM tasks WHERE id = ?", id)
	if err := row.Scan(&count); err != nil {
		return 0, storageErr("increment attempt", err)
	}
	return count, nil
}

// SetTaskResultID links a completed task to its stored result.
func SetTaskResultID(q Querier, taskID, resultID string) error {
	_, err := q.Exec("UPDATE tasks SET result_id = ? WHERE id = ?", resultID, taskID)
	if err != nil {
		return storageErr("set task result", err)
	}
	return nil
}

// CountTasksByStatus returns the number of tasks in each status.
func CountTasksByStatus(q Querier) (map[models.TaskStatus]int, error) {
	rows, err := q.Query("SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, storageErr("count tasks", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("count tasks", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, nil
}

// AvgPendingWaitMs returns the mean age in milliseconds of pending tasks as
// of now, zero when the queue is empty.
func AvgPendingWaitMs(q Querier, now time.Time) (int64, error) {
	var avg float64
	row := q.QueryRow("SELECT COALESCE(AVG(? - created_at), 0) FROM tasks WHERE status = 'pending'", timeToMs(now))
	if err := row.Scan(&avg); err != nil {
		return 0, storageErr("pending wait", err)
	}
	if avg < 0 {
		avg = 0
	}
	return int64(avg), nil
}

// NextEligibleAt returns the earliest future retry gate among pending tasks,
// or nil when nothing is waiting on a gate.
func NextEligibleAt(q Querier, now time.Time) (*time.Time, error) {
	var ms sql.NullInt64
	row := q.QueryRow("SELECT MIN(not_before) FROM tasks WHERE status = 'pending' AND not_before > ?", timeToMs(now))
	if err := row.Scan(&ms); err != nil {
		return nil, storageErr("next eligible", err)
	}
	return nullableTime(ms), nil
}

// PurgeCompletedTasks deletes completed and cancelled tasks whose completion
// time is before the cutoff, along with their stored results. Returns the
// number of tasks removed. Pass a transaction so both deletes commit together.
func PurgeCompletedTasks(q Querier, cutoff time.Time) (int64, error) {
	ms := timeToMs(cutoff)
	_, err := q.Exec(`
		DELETE FROM results WHERE task_id IN (
			SELECT id FROM tasks
			WHERE status IN ('completed', 'cancelled') AND completed_at IS NOT NULL AND completed_at < ?
		)
	`, ms)
	if err != nil {
		return 0, storageErr("purge results", err)
	}

	res, err := q.Exec(`
		DELETE FROM tasks
		WHERE status IN ('completed', 'cancelled') AND completed_at IS NOT NULL AND completed_at < ?
	`, ms)
	if err != nil {
		return 0, storageErr("purge tasks", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge tasks", err)
	}
	return count, nil
}

// nullIfEmpty converts an empty string to a NULL column value.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scanTask scans a single task row in taskColumns order.
func scanTask(s rowScanner) (*models.Task, error) {
	var t models.Task
	var payload []byte
	var metadata, requiredCaps, affinity, assignedWorker, attemptedWorkers sql.NullString
	var lastError, resultID, parentTaskID sql.NullString
	var priority, status string
	var createdAt int64
	var notBefore, assignedAt, startedAt, completedAt sql.NullInt64

	err := s.Scan(
		&t.ID, &t.Type, &payload, &metadata, &priority, &status, &requiredCaps, &affinity,
		&t.TimeoutMs, &t.Retry.MaxRetries, &t.Retry.BaseDelayMs, &t.Retry.MaxDelayMs,
		&t.Retry.BackoffFactor, &t.AttemptCount,
		&assignedWorker, &attemptedWorkers, &lastError, &resultID, &parentTaskID,
		&createdAt, &notBefore, &assignedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		t.Payload = payload
	}
	t.Metadata = unmarshalMeta(metadata)
	t.Priority = models.TaskPriority(priority)
	t.Status = models.TaskStatus(status)
	t.RequiredCapabilities = unmarshalStrings(requiredCaps)
	if affinity.Valid {
		t.Affinity = affinity.String
	}
	if assignedWorker.Valid {
		t.AssignedWorker = assignedWorker.String
	}
	t.AttemptedWorkers = unmarshalStrings(attemptedWorkers)
	if lastError.Valid {
		t.LastError = lastError.String
	}
	if resultID.Valid {
		t.ResultID = resultID.String
	}
	if parentTaskID.Valid {
		t.ParentTaskID = parentTaskID.String
	}
	t.CreatedAt = msToTime(createdAt)
	t.NotBefore = nullableTime(notBefore)
	t.AssignedAt = nullableTime(assignedAt)
	t.StartedAt = nullableTime(startedAt)
	t.CompletedAt = nullableTime(completedAt)
	return &t, nil
}

// scanTasks scans task rows into a slice.
func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan task", err)
	}
	return tasks, nil
}
