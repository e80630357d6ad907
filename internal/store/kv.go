package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SetKV writes a shared key/value entry. Swarm workers use this table
// to pass partial context between sub-tasks.
func (db *DB) SetKV(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

// GetKV reads a shared key/value entry. Returns ErrNotFound for a
// missing key.
func (db *DB) GetKV(key string) (string, error) {
	row := db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key)

	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("kv %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get kv %s: %w", key, err)
	}
	return value, nil
}

// ListKV returns all entries whose keys start with prefix, keyed by
// full key. The engine drains CLI-filed control requests through this.
func (db *DB) ListKV(prefix string) (map[string]string, error) {
	rows, err := db.Query(`SELECT key, value FROM kv WHERE key LIKE ? ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list kv %s: %w", prefix, err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan kv entry: %w", err)
		}
		entries[key] = value
	}
	return entries, rows.Err()
}

// DeleteKV removes a shared key/value entry.
func (db *DB) DeleteKV(key string) error {
	_, err := db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	return nil
}
