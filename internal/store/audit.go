package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// appendAuditTx appends an audit entry within an existing transaction.
// This is how every status-changing operation makes its audit row
// atomic with the state change it describes.
func appendAuditTx(tx *sql.Tx, e *models.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := tx.Exec(`
		INSERT INTO audit (timestamp, correlation_id, actor, task_id, action, data, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, formatTime(e.Timestamp), e.CorrelationID, e.Actor, e.TaskID, string(e.Action), e.Data, e.Outcome)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// AppendAudit appends a standalone audit entry in its own transaction.
func (db *DB) AppendAudit(e *models.AuditEntry) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return appendAuditTx(tx, e)
	})
}

// ListAudit returns audit entries for a task in chronological order,
// or all entries when taskID is empty. limit <= 0 means no limit.
func (db *DB) ListAudit(taskID string, limit int) ([]*models.AuditEntry, error) {
	query := `SELECT id, timestamp, correlation_id, actor, task_id, action, data, outcome FROM audit`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var ts string
		var correlationID, tID, data sql.NullString
		var action string
		if err := rows.Scan(&e.ID, &ts, &correlationID, &e.Actor, &tID, &action, &data, &e.Outcome); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp, _ = parseTime(ts)
		e.CorrelationID = correlationID.String
		e.TaskID = tID.String
		e.Action = models.AuditAction(action)
		e.Data = data.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PurgeAudit deletes audit entries older than the retention window.
// This is the only sanctioned deletion from the audit log. Returns the
// number of entries removed.
func (db *DB) PurgeAudit(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := db.Exec(`DELETE FROM audit WHERE timestamp < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
