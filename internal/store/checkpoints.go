package store

import (
	"database/sql"
	"fmt"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// SaveCheckpoint durably writes an immutable loop checkpoint together
// with its audit entry. Checkpoints are keyed by (task id, iteration)
// and are never mutated after write; a duplicate key is an error.
func (db *DB) SaveCheckpoint(cp *models.Checkpoint, entry *models.AuditEntry) error {
	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO checkpoints (task_id, iteration, state, created_at)
			VALUES (?, ?, ?, ?)
		`, cp.TaskID, cp.Iteration, cp.State, formatTime(cp.CreatedAt))
		if err != nil {
			if isConstraintErr(err) {
				return fmt.Errorf("save checkpoint %s/%d: %w", cp.TaskID, cp.Iteration, ErrDuplicate)
			}
			return fmt.Errorf("save checkpoint %s/%d: %w", cp.TaskID, cp.Iteration, err)
		}

		if entry != nil {
			if err := appendAuditTx(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// LatestCheckpoint returns the highest-iteration checkpoint for a task,
// or ErrNotFound if the task has none.
func (db *DB) LatestCheckpoint(taskID string) (*models.Checkpoint, error) {
	row := db.QueryRow(`
		SELECT task_id, iteration, state, created_at
		FROM checkpoints
		WHERE task_id = ?
		ORDER BY iteration DESC
		LIMIT 1
	`, taskID)

	var cp models.Checkpoint
	var createdAt string
	err := row.Scan(&cp.TaskID, &cp.Iteration, &cp.State, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint for %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint %s: %w", taskID, err)
	}

	cp.CreatedAt, _ = parseTime(createdAt)
	return &cp, nil
}

// ListCheckpoints returns every checkpoint for a task in iteration order.
func (db *DB) ListCheckpoints(taskID string) ([]*models.Checkpoint, error) {
	rows, err := db.Query(`
		SELECT task_id, iteration, state, created_at
		FROM checkpoints
		WHERE task_id = ?
		ORDER BY iteration ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", taskID, err)
	}
	defer rows.Close()

	var cps []*models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		var createdAt string
		if err := rows.Scan(&cp.TaskID, &cp.Iteration, &cp.State, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.CreatedAt, _ = parseTime(createdAt)
		cps = append(cps, &cp)
	}
	return cps, rows.Err()
}
