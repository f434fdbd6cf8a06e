// ABOUTME: Tests for mapping core errors to wire error kinds
// ABOUTME: Wrapped errors must keep their kind and structured details

package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carelink/carelink-core/internal/auth"
	"github.com/carelink/carelink-core/internal/backup"
	"github.com/carelink/carelink-core/internal/companion"
	"github.com/carelink/carelink-core/internal/crypt"
	"github.com/carelink/carelink-core/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{store.ErrInvalidInput, KindInvalidInput},
		{store.ErrUnknownKind, KindInvalidInput},
		{backup.ErrInvalidName, KindInvalidInput},
		{store.ErrDuplicateUser, KindDuplicateUser},
		{auth.ErrInvalidCredentials, KindInvalidCredentials},
		{auth.ErrSessionExpired, KindSessionExpired},
		{auth.ErrRotationFailed, KindRotationFailed},
		{crypt.ErrKeyUnavailable, KindKeyUnavailable},
		{&crypt.KeyDerivationError{Reason: "salt too short"}, KindKeyDerivationError},
		{crypt.ErrMalformedEnvelope, KindMalformedEnvelope},
		{store.ErrAmbiguousRepair, KindAmbiguousRepair},
		{backup.ErrBackupIO, KindBackupIOError},
		{backup.ErrBackupCorrupt, KindBackupCorrupt},
		{backup.ErrNotFound, KindNotFound},
		{store.ErrNotFound, KindNotFound},
		{companion.ErrCompanionUnavailable, KindCompanionUnavailable},
		{companion.ErrRestartExhausted, KindRestartExhausted},
		{errors.New("disk on fire"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.want)+"/"+tt.err.Error(), func(t *testing.T) {
			kind, _ := classify(fmt.Errorf("doing something: %w", tt.err))
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestClassify_StructuredDetails(t *testing.T) {
	kind, details := classify(fmt.Errorf("reading notes: %w", &crypt.DecryptionError{Kind: crypt.Tampered}))
	assert.Equal(t, KindDecryptionError, kind)
	assert.Equal(t, map[string]any{"kind": crypt.Tampered}, details)

	kind, details = classify(&store.DanglingReferenceError{Table: "allergies", MemberID: 4})
	assert.Equal(t, KindDanglingReference, kind)
	assert.Equal(t, map[string]any{"table": "allergies", "memberId": int64(4)}, details)

	kind, details = classify(&auth.RotationError{
		Table:  "members",
		Column: "notes",
		RowID:  int64(3),
		Err:    &crypt.DecryptionError{Kind: crypt.BadKey},
	})
	assert.Equal(t, KindRotationFailed, kind, "a rotation failure is not reported as a plain decryption error")
	assert.Equal(t, map[string]any{"table": "members", "column": "notes", "rowId": int64(3), "kind": crypt.BadKey}, details)

	kind, details = classify(&auth.RotationError{Orphans: 2, Err: auth.ErrOrphansPending})
	assert.Equal(t, KindRotationFailed, kind)
	assert.Equal(t, map[string]any{"table": "", "column": "", "rowId": nil, "orphans": 2}, details)
}

func TestErrorBody_AttachedDetailsWin(t *testing.T) {
	partial := &store.RemapResult{Remapped: []store.Remap{}}
	body := errorBody(withDetails(fmt.Errorf("%w: 1 record", store.ErrAmbiguousRepair), partial))
	assert.Equal(t, KindAmbiguousRepair, body.Kind)
	assert.Same(t, partial, body.Details)
	assert.Equal(t, "ambiguous orphan repair: 1 record", body.Message)
}
