package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// taskColumns is the column list shared by task scan helpers.
const taskColumns = `id, template, priority, status, mode, input, result, error,
	specialization, retry_count, max_retries, submitted_at, started_at,
	completed_at, parent_id, depth, depends_on, partial, version`

// insertTaskTx inserts a task row within an existing transaction.
func insertTaskTx(tx *sql.Tx, t *models.Task) error {
	dependsOn, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO tasks (id, template, priority, status, mode, input, result, error,
			specialization, retry_count, max_retries, submitted_at, started_at,
			completed_at, parent_id, depth, depends_on, partial, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Template, t.Priority, string(t.Status), string(t.Mode), t.Input, t.Result, t.Error,
		t.Specialization, t.RetryCount, t.MaxRetries, formatTime(t.SubmittedAt),
		formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
		t.ParentID, t.Depth, string(dependsOn), boolToInt(t.Partial), t.Version)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// SubmitTasks persists a batch of new tasks and their audit entries in
// a single transaction. The whole batch fails together, so a rejected
// submission persists nothing. Each task is written with version 1.
func (db *DB) SubmitTasks(tasks []*models.Task, entries []*models.AuditEntry) error {
	return db.Transaction(func(tx *sql.Tx) error {
		for _, t := range tasks {
			t.Version = 1
			if err := insertTaskTx(tx, t); err != nil {
				return err
			}
		}
		for _, e := range entries {
			if err := appendAuditTx(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTask retrieves a task by id. Returns ErrNotFound if absent.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TaskExists reports whether a task with the given id is persisted.
func (db *DB) TaskExists(id string) (bool, error) {
	var n int
	row := db.QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, id)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("task exists %s: %w", id, err)
	}
	return n > 0, nil
}

// ListTasks returns tasks filtered by status; with no statuses given it
// returns every task. Results are ordered by priority descending then
// submission time ascending, matching dispatch order.
func (db *DB) ListTasks(statuses ...models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY priority DESC, submitted_at ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListChildren returns the direct sub-tasks of a parent task.
func (db *DB) ListChildren(parentID string) ([]*models.Task, error) {
	rows, err := db.Query(`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ?`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask writes a task's mutable fields using optimistic
// concurrency: the write only lands if the stored version still equals
// t.Version, and the matching audit entry is appended in the same
// transaction. On success t.Version is incremented; a lost race returns
// ErrVersionConflict and the caller re-reads and retries.
func (db *DB) UpdateTask(t *models.Task, entry *models.AuditEntry) error {
	err := db.Transaction(func(tx *sql.Tx) error {
		// depends_on is immutable after submission and is deliberately
		// not part of the update set.
		res, err := tx.Exec(`
			UPDATE tasks
			SET priority = ?, status = ?, input = ?, result = ?, error = ?,
				retry_count = ?, started_at = ?, completed_at = ?, partial = ?,
				version = version + 1
			WHERE id = ? AND version = ?
		`, t.Priority, string(t.Status), t.Input, t.Result, t.Error,
			t.RetryCount, formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
			boolToInt(t.Partial), t.ID, t.Version)
		if err != nil {
			return fmt.Errorf("update task %s: %w", t.ID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("task %s at version %d: %w", t.ID, t.Version, ErrVersionConflict)
		}

		if entry != nil {
			if err := appendAuditTx(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.Version++
	return nil
}

// PurgeTask removes a task row and its checkpoints entirely. Tasks are
// only ever destroyed by explicit purge; a stale checkpoint left behind
// would make a resubmission under the same id resume mid-loop instead
// of starting fresh.
func (db *DB) PurgeTask(id string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM checkpoints WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("purge checkpoints for %s: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("purge task %s: %w", id, err)
		}
		return nil
	})
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var status, mode string
	var submittedAt string
	var startedAt, completedAt sql.NullString
	var template, input, result, errMsg, specialization, parentID, dependsOn sql.NullString
	var partial int

	err := row.Scan(&t.ID, &template, &t.Priority, &status, &mode, &input, &result, &errMsg,
		&specialization, &t.RetryCount, &t.MaxRetries, &submittedAt, &startedAt,
		&completedAt, &parentID, &t.Depth, &dependsOn, &partial, &t.Version)
	if err != nil {
		return nil, err
	}

	t.Template = template.String
	t.Status = models.TaskStatus(status)
	t.Mode = models.ExecutionMode(mode)
	t.Input = input.String
	t.Result = result.String
	t.Error = errMsg.String
	t.Specialization = specialization.String
	t.ParentID = parentID.String
	t.Partial = partial != 0

	t.SubmittedAt, _ = parseTime(submittedAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)

	if dependsOn.Valid && dependsOn.String != "" && dependsOn.String != "null" {
		if err := json.Unmarshal([]byte(dependsOn.String), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on for %s: %w", t.ID, err)
		}
	}

	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
