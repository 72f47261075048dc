// Package repository provides data access for durable bridge state.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// reloadPendingKey is the fixed key under which the "was connected when the
// host discarded memory" flag is stored.
const reloadPendingKey = "bridge.reload_pending"

// StateRepository reads and writes the bridge_state key/value table.
type StateRepository struct {
	db *sql.DB
}

// NewStateRepository creates a new StateRepository.
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// Set stores a value under key, replacing any previous value.
func (r *StateRepository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO bridge_state (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key, or ("", false) when absent.
func (r *StateRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM bridge_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, true, nil
}

// Delete removes the value stored under key. Deleting an absent key is not an
// error.
func (r *StateRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM bridge_state WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// SetReloadPending records that the bridge was live when the host announced
// an imminent memory reset. It must complete before the reset occurs, so it
// runs synchronously on the caller's goroutine.
func (r *StateRepository) SetReloadPending(ctx context.Context) error {
	return r.Set(ctx, reloadPendingKey, "1")
}

// ReloadPending reports whether a reload flag is set.
func (r *StateRepository) ReloadPending(ctx context.Context) (bool, error) {
	_, ok, err := r.Get(ctx, reloadPendingKey)
	return ok, err
}

// ClearReloadPending removes the reload flag. It is consumed exactly once,
// immediately after the host resumes.
func (r *StateRepository) ClearReloadPending(ctx context.Context) error {
	return r.Delete(ctx, reloadPendingKey)
}
