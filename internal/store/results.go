package store

import (
	"database/sql"
	"errors"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// InsertResult writes a task result. The unique task_id constraint makes
// results write-once per task.
func InsertResult(q Querier, r *models.Result) error {
	_, err := q.Exec(`
		INSERT INTO results (id, task_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, r.ID, r.TaskID, []byte(r.Payload), timeToMs(r.CreatedAt))
	if err != nil {
		return storageErr("insert result", err)
	}
	return nil
}

// GetResultByTask retrieves the result stored for a task. Returns ErrNotFound
// when the task has no result.
func GetResultByTask(q Querier, taskID string) (*models.Result, error) {
	row := q.QueryRow(`
		SELECT id, task_id, payload, created_at FROM results WHERE task_id = ?
	`, taskID)

	var r models.Result
	var payload []byte
	var createdAt int64
	err := row.Scan(&r.ID, &r.TaskID, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get result", err)
	}

	if len(payload) > 0 {
		r.Payload = payload
	}
	r.CreatedAt = msToTime(createdAt)
	return &r, nil
}
