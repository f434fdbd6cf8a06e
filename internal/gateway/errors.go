// ABOUTME: Maps typed errors from the core packages to stable error kinds for the desktop shell
// ABOUTME: Every failure leaves the gateway as an ErrorBody; nothing is logged and swallowed

package gateway

import (
	"errors"

	"github.com/carelink/carelink-core/internal/auth"
	"github.com/carelink/carelink-core/internal/backup"
	"github.com/carelink/carelink-core/internal/companion"
	"github.com/carelink/carelink-core/internal/crypt"
	"github.com/carelink/carelink-core/internal/store"
)

// ErrorKind is the machine-readable class of a failed operation.
type ErrorKind string

const (
	KindInvalidInput         ErrorKind = "InvalidInput"
	KindDuplicateUser        ErrorKind = "DuplicateUser"
	KindInvalidCredentials   ErrorKind = "InvalidCredentials"
	KindSessionExpired       ErrorKind = "SessionExpired"
	KindRotationFailed       ErrorKind = "RotationFailed"
	KindKeyUnavailable       ErrorKind = "KeyUnavailable"
	KindKeyDerivationError   ErrorKind = "KeyDerivationError"
	KindDecryptionError      ErrorKind = "DecryptionError"
	KindDanglingReference    ErrorKind = "DanglingReference"
	KindAmbiguousRepair      ErrorKind = "AmbiguousRepair"
	KindMalformedEnvelope    ErrorKind = "MalformedEnvelope"
	KindBackupIOError        ErrorKind = "BackupIOError"
	KindBackupCorrupt        ErrorKind = "BackupCorrupt"
	KindNotFound             ErrorKind = "NotFound"
	KindCompanionUnavailable ErrorKind = "CompanionUnavailable"
	KindRestartExhausted     ErrorKind = "RestartExhausted"
	KindInternal             ErrorKind = "Internal"
)

// ErrorBody is the error half of a Response.
type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

// detailedError attaches a payload for the shell, such as a partial repair
// result, to an error.
type detailedError struct {
	err     error
	details any
}

func (e *detailedError) Error() string { return e.err.Error() }

func (e *detailedError) Unwrap() error { return e.err }

func withDetails(err error, details any) error {
	return &detailedError{err: err, details: details}
}

// classify maps err to its kind and any structured details. Wrapping
// errors are checked before the errors they wrap.
func classify(err error) (ErrorKind, any) {
	var rot *auth.RotationError
	if errors.As(err, &rot) {
		details := map[string]any{"table": rot.Table, "column": rot.Column, "rowId": rot.RowID}
		if rot.Orphans > 0 {
			details["orphans"] = rot.Orphans
		}
		if kind, ok := crypt.DecryptKindOf(err); ok {
			details["kind"] = kind
		}
		return KindRotationFailed, details
	}
	if errors.Is(err, auth.ErrRotationFailed) {
		return KindRotationFailed, nil
	}

	if kind, ok := crypt.DecryptKindOf(err); ok {
		return KindDecryptionError, map[string]any{"kind": kind}
	}

	var dangling *store.DanglingReferenceError
	if errors.As(err, &dangling) {
		return KindDanglingReference, map[string]any{"table": dangling.Table, "memberId": dangling.MemberID}
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return KindInvalidCredentials, nil
	case errors.Is(err, auth.ErrSessionExpired):
		return KindSessionExpired, nil
	case errors.Is(err, store.ErrDuplicateUser):
		return KindDuplicateUser, nil
	case errors.Is(err, crypt.ErrKeyUnavailable):
		return KindKeyUnavailable, nil
	case errors.Is(err, crypt.ErrKeyDerivation):
		return KindKeyDerivationError, nil
	case errors.Is(err, crypt.ErrMalformedEnvelope):
		return KindMalformedEnvelope, nil
	case errors.Is(err, store.ErrAmbiguousRepair):
		return KindAmbiguousRepair, nil
	case errors.Is(err, backup.ErrBackupCorrupt):
		return KindBackupCorrupt, nil
	case errors.Is(err, backup.ErrBackupIO):
		return KindBackupIOError, nil
	case errors.Is(err, backup.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return KindNotFound, nil
	case errors.Is(err, companion.ErrRestartExhausted):
		return KindRestartExhausted, nil
	case errors.Is(err, companion.ErrCompanionUnavailable):
		return KindCompanionUnavailable, nil
	case errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, store.ErrUnknownKind),
		errors.Is(err, backup.ErrInvalidName):
		return KindInvalidInput, nil
	}
	return KindInternal, nil
}

// errorBody converts err for the wire. Details attached with withDetails
// replace the ones derived from the error type.
func errorBody(err error) *ErrorBody {
	kind, details := classify(err)
	var de *detailedError
	if errors.As(err, &de) {
		details = de.details
	}
	return &ErrorBody{Kind: kind, Message: err.Error(), Details: details}
}

// DetailsOf returns the payload attached to err by an operation, or nil.
func DetailsOf(err error) any {
	var de *detailedError
	if errors.As(err, &de) {
		return de.details
	}
	return nil
}
