package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// CreateWorker persists a freshly spawned worker.
func (db *DB) CreateWorker(w *models.Worker) error {
	_, err := db.Exec(`
		INSERT INTO workers (id, task_id, specialization, state, priority, spawned_at, last_heartbeat,
			memory_bytes, elapsed_ms, tokens_used, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.TaskID, w.Specialization, string(w.State), w.Priority,
		formatTime(w.SpawnedAt), formatTime(w.LastHeartbeat),
		w.Usage.MemoryBytes, w.Usage.Elapsed.Milliseconds(), w.Usage.TokensUsed, w.Usage.Cost)
	if err != nil {
		return fmt.Errorf("create worker %s: %w", w.ID, err)
	}
	return nil
}

// UpdateWorker writes a worker's current state, binding, and resource
// snapshot.
func (db *DB) UpdateWorker(w *models.Worker) error {
	_, err := db.Exec(`
		UPDATE workers
		SET task_id = ?, state = ?, priority = ?, last_heartbeat = ?,
			memory_bytes = ?, elapsed_ms = ?, tokens_used = ?, cost = ?
		WHERE id = ?
	`, w.TaskID, string(w.State), w.Priority, formatTime(w.LastHeartbeat),
		w.Usage.MemoryBytes, w.Usage.Elapsed.Milliseconds(), w.Usage.TokensUsed, w.Usage.Cost, w.ID)
	if err != nil {
		return fmt.Errorf("update worker %s: %w", w.ID, err)
	}
	return nil
}

// TerminateWorker records the terminal state and final resource
// snapshot for a worker, together with the audit entry, in a single
// transaction. This is written before the worker leaves the in-memory
// pool.
func (db *DB) TerminateWorker(w *models.Worker, at time.Time, entry *models.AuditEntry) error {
	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE workers
			SET task_id = ?, state = ?, terminated_at = ?,
				memory_bytes = ?, elapsed_ms = ?, tokens_used = ?, cost = ?
			WHERE id = ?
		`, w.TaskID, string(w.State), formatTime(at),
			w.Usage.MemoryBytes, w.Usage.Elapsed.Milliseconds(), w.Usage.TokensUsed, w.Usage.Cost, w.ID)
		if err != nil {
			return fmt.Errorf("terminate worker %s: %w", w.ID, err)
		}

		if entry != nil {
			if err := appendAuditTx(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetWorker retrieves a worker by id. Returns ErrNotFound if absent.
func (db *DB) GetWorker(id string) (*models.Worker, error) {
	row := db.QueryRow(`
		SELECT id, task_id, specialization, state, priority, spawned_at, last_heartbeat,
			memory_bytes, elapsed_ms, tokens_used, cost
		FROM workers WHERE id = ?
	`, id)

	var w models.Worker
	var state string
	var taskID, specialization sql.NullString
	var spawnedAt string
	var lastHeartbeat sql.NullString
	var elapsedMs int64

	err := row.Scan(&w.ID, &taskID, &specialization, &state, &w.Priority, &spawnedAt, &lastHeartbeat,
		&w.Usage.MemoryBytes, &elapsedMs, &w.Usage.TokensUsed, &w.Usage.Cost)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}

	w.TaskID = taskID.String
	w.Specialization = specialization.String
	w.State = models.WorkerState(state)
	w.SpawnedAt, _ = parseTime(spawnedAt)
	if hb := parseNullableTime(lastHeartbeat); hb != nil {
		w.LastHeartbeat = *hb
	}
	w.Usage.Elapsed = time.Duration(elapsedMs) * time.Millisecond

	return &w, nil
}
