// ABOUTME: Config entry store for encrypted third-party credentials
// ABOUTME: Keys are unique per user; values are stored only as envelopes and keep no history

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carelink/carelink-core/internal/crypt"
)

// ConfigEntryStore defines methods for managing encrypted config entries.
type ConfigEntryStore interface {
	UpsertConfigEntry(ctx context.Context, e *ConfigEntry) error
	GetConfigEntry(ctx context.Context, userID int64, key string) (*ConfigEntry, error)
	DeleteConfigEntry(ctx context.Context, userID int64, key string) error
}

var _ ConfigEntryStore = (*SQLiteStore)(nil)

// UpsertConfigEntry creates or replaces e.UserID's entry for e.Key.
// The value must be a well-formed envelope.
func (s *SQLiteStore) UpsertConfigEntry(ctx context.Context, e *ConfigEntry) error {
	if e.Key == "" {
		return fmt.Errorf("%w: config key is required", ErrInvalidInput)
	}
	if _, err := crypt.ParseEnvelope(e.ValueEnvelope); err != nil {
		return fmt.Errorf("config value: %w", err)
	}

	now := time.Now().UTC()
	e.UpdatedAt = now
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_entries (key, user_id, value_envelope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value_envelope = excluded.value_envelope,
			updated_at = excluded.updated_at
	`, e.Key, e.UserID, e.ValueEnvelope, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving config entry: %w", err)
	}

	s.logger.Debug("saved config entry", "key", e.Key, "user_id", e.UserID)
	return nil
}

// GetConfigEntry retrieves userID's entry for key.
// Returns ErrNotFound if that user has no such key.
func (s *SQLiteStore) GetConfigEntry(ctx context.Context, userID int64, key string) (*ConfigEntry, error) {
	var row struct {
		Key           string `db:"key"`
		UserID        int64  `db:"user_id"`
		ValueEnvelope string `db:"value_envelope"`
		CreatedAt     string `db:"created_at"`
		UpdatedAt     string `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT key, user_id, value_envelope, created_at, updated_at
		FROM config_entries WHERE user_id = ? AND key = ?
	`, userID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying config entry: %w", err)
	}

	return &ConfigEntry{
		Key:           row.Key,
		UserID:        row.UserID,
		ValueEnvelope: row.ValueEnvelope,
		CreatedAt:     parseTime(row.CreatedAt),
		UpdatedAt:     parseTime(row.UpdatedAt),
	}, nil
}

// DeleteConfigEntry removes userID's entry for key.
// Returns ErrNotFound if that user has no such key.
func (s *SQLiteStore) DeleteConfigEntry(ctx context.Context, userID int64, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM config_entries WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return fmt.Errorf("deleting config entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted config entry", "key", key, "user_id", userID)
	return nil
}
