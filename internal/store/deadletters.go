package store

import (
	"database/sql"
	"errors"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// deadLetterColumns is the column list every dead-letter query selects, in
// scan order.
const deadLetterColumns = `id, task_id, task_type, payload, metadata, priority, required_caps,
	timeout_ms, max_retries, base_delay_ms, max_delay_ms, backoff_factor,
	final_status, final_error, stack, attempt_count, attempted_workers,
	task_created_at, failed_at`

// InsertDeadLetter writes a dead-letter entry and returns its assigned ID.
// The unique task_id constraint rejects a second entry for the same task.
func InsertDeadLetter(q Querier, e *models.DeadLetterEntry) (int64, error) {
	res, err := q.Exec(`
		INSERT INTO dead_letters (task_id, task_type, payload, metadata, priority, required_caps,
			timeout_ms, max_retries, base_delay_ms, max_delay_ms, backoff_factor,
			final_status, final_error, stack, attempt_count, attempted_workers,
			task_created_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.TaskID, e.TaskType, []byte(e.Payload), marshalMeta(e.Metadata), string(e.Priority),
		marshalStrings(e.RequiredCapabilities),
		e.TimeoutMs, e.Retry.MaxRetries, e.Retry.BaseDelayMs, e.Retry.MaxDelayMs, e.Retry.BackoffFactor,
		string(e.FinalStatus), nullIfEmpty(e.FinalError), nullIfEmpty(e.Stack),
		e.AttemptCount, marshalStrings(e.AttemptedWorkers),
		timeToMs(e.TaskCreatedAt), timeToMs(e.FailedAt),
	)
	if err != nil {
		return 0, storageErr("insert dead letter", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert dead letter", err)
	}
	return id, nil
}

// GetDeadLetter retrieves an entry by ID. Returns ErrNotFound if it does not
// exist.
func GetDeadLetter(q Querier, id int64) (*models.DeadLetterEntry, error) {
	row := q.QueryRow(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	e, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get dead letter", err)
	}
	return e, nil
}

// ListDeadLetters returns entries newest failure first. A limit of zero or
// less returns everything.
func ListDeadLetters(q Querier, limit int) ([]*models.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters ORDER BY failed_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, storageErr("list dead letters", err)
	}
	defer rows.Close()

	var entries []*models.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, storageErr("scan dead letter", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan dead letter", err)
	}
	return entries, nil
}

// DeleteDeadLetter removes an entry. Returns false if it did not exist.
func DeleteDeadLetter(q Querier, id int64) (bool, error) {
	res, err := q.Exec("DELETE FROM dead_letters WHERE id = ?", id)
	if err != nil {
		return false, storageErr("delete dead letter", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("delete dead letter", err)
	}
	return n > 0, nil
}

// CountDeadLetters returns the number of entries in the dead-letter queue.
func CountDeadLetters(q Querier) (int, error) {
	var n int
	row := q.QueryRow("SELECT COUNT(*) FROM dead_letters")
	if err := row.Scan(&n); err != nil {
		return 0, storageErr("count dead letters", err)
	}
	return n, nil
}

// scanDeadLetter scans a single entry row in deadLetterColumns order.
func scanDeadLetter(s rowScanner) (*models.DeadLetterEntry, error) {
	var e models.DeadLetterEntry
	var payload []byte
	var metadata, requiredCaps, finalError, stack, attemptedWorkers sql.NullString
	var priority, finalStatus string
	var taskCreatedAt, failedAt int64

	err := s.Scan(
		&e.ID, &e.TaskID, &e.TaskType, &payload, &metadata, &priority, &requiredCaps,
		&e.TimeoutMs, &e.Retry.MaxRetries, &e.Retry.BaseDelayMs, &e.Retry.MaxDelayMs,
		&e.Retry.BackoffFactor,
		&finalStatus, &finalError, &stack, &e.AttemptCount, &attemptedWorkers,
		&taskCreatedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		e.Payload = payload
	}
	e.Metadata = unmarshalMeta(metadata)
	e.Priority = models.TaskPriority(priority)
	e.RequiredCapabilities = unmarshalStrings(requiredCaps)
	e.FinalStatus = models.TaskStatus(finalStatus)
	if finalError.Valid {
		e.FinalError = finalError.String
	}
	if stack.Valid {
		e.Stack = stack.String
	}
	e.AttemptedWorkers = unmarshalStrings(attemptedWorkers)
	e.TaskCreatedAt = msToTime(taskCreatedAt)
	e.FailedAt = msToTime(failedAt)
	return &e, nil
}
