// ABOUTME: Error types for key derivation and envelope decryption
// ABOUTME: Distinguishes wrong keys from tampered or structurally corrupt envelopes

package crypt

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrKeyDerivation     = errors.New("key derivation failed")
	ErrDecryption        = errors.New("decryption failed")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrKeyUnavailable    = errors.New("no encryption key available")
	ErrRotation          = errors.New("key rotation failed")
)

// KeyDerivationError reports malformed key derivation input.
type KeyDerivationError struct {
	Reason string
	Err    error
}

func (e *KeyDerivationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("key derivation: %s: %v", e.Reason, e.Err)
	}
	return "key derivation: " + e.Reason
}

func (e *KeyDerivationError) Is(target error) bool { return target == ErrKeyDerivation }

func (e *KeyDerivationError) Unwrap() error { return e.Err }

// DecryptKind classifies a decryption failure.
type DecryptKind string

const (
	// BadKey means the envelope was sealed under a different key or key version.
	BadKey DecryptKind = "BadKey"
	// Tampered means the key matched but authentication failed.
	Tampered DecryptKind = "Tampered"
	// Corrupt means the envelope could not be parsed.
	Corrupt DecryptKind = "Corrupt"
)

// DecryptionError is returned whenever an envelope cannot be opened.
// Callers must surface it; the stored value is left untouched.
type DecryptionError struct {
	Kind DecryptKind
	Err  error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("decryption failed (%s)", e.Kind)
}

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

func (e *DecryptionError) Unwrap() error { return e.Err }

// RotationError reports which envelope of a batch could not be rotated.
type RotationError struct {
	Index int
	Err   error
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("key rotation failed: envelope %d: %v", e.Index, e.Err)
}

func (e *RotationError) Is(target error) bool { return target == ErrRotation }

func (e *RotationError) Unwrap() error { return e.Err }

// DecryptKindOf returns the kind of a DecryptionError in err's chain.
func DecryptKindOf(err error) (DecryptKind, bool) {
	var de *DecryptionError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}
