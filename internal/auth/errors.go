// ABOUTME: Error values for registration, login, sessions, and password change
// ABOUTME: RotationError names the stored field that blocked a key rotation

package auth

import (
	"errors"
	"fmt"

	"github.com/carelink/carelink-core/internal/store"
)

// Sentinel errors
var (
	ErrInvalidInput       = store.ErrInvalidInput
	ErrDuplicateUser      = store.ErrDuplicateUser
	ErrNotFound           = store.ErrNotFound
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
	ErrRotationFailed     = errors.New("key rotation failed")
	ErrOrphansPending     = errors.New("orphaned records must be remapped first")
)

// RotationError is returned when a password change cannot re-encrypt every
// envelope the user owns. Nothing was written.
type RotationError struct {
	Table   string
	Column  string
	RowID   any
	Orphans int // records with no member that blocked the rotation
	Err     error
}

func (e *RotationError) Error() string {
	if e.Orphans > 0 {
		return fmt.Sprintf("key rotation failed: %d orphaned records: %v", e.Orphans, e.Err)
	}
	if e.Table == "" {
		return fmt.Sprintf("key rotation failed: %v", e.Err)
	}
	return fmt.Sprintf("key rotation failed at %s.%s row %v: %v", e.Table, e.Column, e.RowID, e.Err)
}

func (e *RotationError) Is(target error) bool { return target == ErrRotationFailed }

func (e *RotationError) Unwrap() error { return e.Err }
