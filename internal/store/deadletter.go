package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// DeadLetter is a task that exhausted its retry budget, held for
// inspection and manual resubmission.
type DeadLetter struct {
	// TaskID is the id of the dead-lettered task.
	TaskID string `json:"task_id"`
	// Task is the full task snapshot at the time of dead-lettering.
	Task *models.Task `json:"task"`
	// Reason is the classified failure that exhausted the retries.
	Reason string `json:"reason"`
	// DeadLetteredAt is when the task entered the store.
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// DeadLetterTask moves a task snapshot into the dead-letter store,
// updates the task row to dead_lettered, and appends the audit entry,
// all in one transaction so the task is never silently dropped.
func (db *DB) DeadLetterTask(t *models.Task, reason string, entry *models.AuditEntry) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal dead-letter snapshot: %w", err)
	}
	now := time.Now()

	err = db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, error = ?, completed_at = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, string(models.TaskStatusDeadLettered), reason, formatTime(now), t.ID, t.Version)
		if err != nil {
			return fmt.Errorf("mark task %s dead-lettered: %w", t.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("task %s at version %d: %w", t.ID, t.Version, ErrVersionConflict)
		}

		_, err = tx.Exec(`
			INSERT INTO dead_letters (task_id, task, reason, dead_lettered_at)
			VALUES (?, ?, ?, ?)
		`, t.ID, string(snapshot), reason, formatTime(now))
		if err != nil {
			return fmt.Errorf("insert dead letter %s: %w", t.ID, err)
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
	t.Status = models.TaskStatusDeadLettered
	t.Error = reason
	t.CompletedAt = &now
	return nil
}

// GetDeadLetter retrieves a dead-lettered task by id.
func (db *DB) GetDeadLetter(taskID string) (*DeadLetter, error) {
	row := db.QueryRow(`
		SELECT task_id, task, reason, dead_lettered_at FROM dead_letters WHERE task_id = ?
	`, taskID)

	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dead letter %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", taskID, err)
	}
	return dl, nil
}

// ListDeadLetters returns every dead-lettered task, oldest first.
func (db *DB) ListDeadLetters() ([]*DeadLetter, error) {
	rows, err := db.Query(`
		SELECT task_id, task, reason, dead_lettered_at FROM dead_letters ORDER BY dead_lettered_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// RemoveDeadLetter deletes a dead letter after manual resubmission.
func (db *DB) RemoveDeadLetter(taskID string) error {
	_, err := db.Exec(`DELETE FROM dead_letters WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("remove dead letter %s: %w", taskID, err)
	}
	return nil
}

func scanDeadLetter(row scanner) (*DeadLetter, error) {
	var dl DeadLetter
	var snapshot, at string
	if err := row.Scan(&dl.TaskID, &snapshot, &dl.Reason, &at); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &dl.Task); err != nil {
		return nil, fmt.Errorf("unmarshal dead-letter snapshot %s: %w", dl.TaskID, err)
	}
	dl.DeadLetteredAt, _ = parseTime(at)
	return &dl, nil
}
