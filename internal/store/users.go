// ABOUTME: User account persistence for local login
// ABOUTME: Stores login verifiers, salts, and key versions; deletes accounts with an explicit cascade

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carelink/carelink-core/internal/dbx"
)

type userRow struct {
	ID           int64  `db:"id"`
	Username     string `db:"username"`
	PasswordHash []byte `db:"password_hash"`
	PasswordSalt []byte `db:"password_salt"`
	KeyVersion   int    `db:"key_version"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

func (r userRow) toUser() *User {
	return &User{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		PasswordSalt: r.PasswordSalt,
		KeyVersion:   r.KeyVersion,
		CreatedAt:    parseTime(r.CreatedAt),
		UpdatedAt:    parseTime(r.UpdatedAt),
	}
}

const userColumns = `id, username, password_hash, password_salt, key_version, created_at, updated_at`

// CreateUser inserts a user and sets its ID.
// Returns ErrDuplicateUser if the username is taken (exact, case-sensitive).
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.KeyVersion == 0 {
		u.KeyVersion = 1
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, password_salt, key_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.Username, u.PasswordHash, u.PasswordSalt, u.KeyVersion, formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading user id: %w", err)
	}
	u.ID = id

	s.logger.Debug("created user", "id", u.ID)
	return nil
}

// GetUserByUsername retrieves a user by exact username.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.getUser(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserTx is GetUser inside a caller's transaction.
func (s *SQLiteStore) GetUserTx(ctx context.Context, q dbx.DBTX, id int64) (*User, error) {
	return s.getUser(ctx, q, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *SQLiteStore) getUser(ctx context.Context, q dbx.DBTX, query string, arg any) (*User, error) {
	var row userRow
	if err := q.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return row.toUser(), nil
}

// UpdateUserCredentials replaces the verifier, salt, and key version of a user
// inside a caller's transaction.
func (s *SQLiteStore) UpdateUserCredentials(ctx context.Context, q dbx.DBTX, u *User) error {
	u.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, password_salt = ?, key_version = ?, updated_at = ?
		WHERE id = ?
	`, u.PasswordHash, u.PasswordSalt, u.KeyVersion, formatTime(u.UpdatedAt), u.ID)
	if err != nil {
		return fmt.Errorf("updating user credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers returns the number of registered users.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// DeleteUserCascade removes a user with their config entries, members, and
// every dependent record of those members, inside a caller's transaction.
func (s *SQLiteStore) DeleteUserCascade(ctx context.Context, q dbx.DBTX, userID int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM config_entries WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting config entries: %w", err)
	}

	var memberIDs []int64
	if err := q.SelectContext(ctx, &memberIDs, `SELECT id FROM members WHERE owner_user_id = ?`, userID); err != nil {
		return fmt.Errorf("listing members: %w", err)
	}
	for _, id := range memberIDs {
		if _, err := deleteMemberCascade(ctx, q, id); err != nil {
			return err
		}
	}

	res, err := q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted user", "id", userID, "members", len(memberIDs))
	return nil
}
