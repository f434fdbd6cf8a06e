// Package crypt implements field-level encryption for carelink-core.
//
// # Key Derivation
//
// DeriveKey stretches a password with argon2id and splits the result with
// HKDF-SHA256 into two independent outputs:
//
//   - a login verifier, stored in the users table and compared at login
//   - a field key bound to a key version, kept only in memory
//
// Each key has an 8-byte fingerprint (an HMAC of the key material) that is
// recorded in every envelope it seals.
//
// # Envelopes
//
// Sensitive values are stored as self-describing strings:
//
//	enc1:aes-256-gcm:<version>:<keyid>:<nonce>:<ciphertext>:<tag>
//
// Binary parts are base64 (raw URL alphabet). The algorithm, version, and key
// id are authenticated as additional data. Values without the enc1: prefix
// are legacy plaintext and pass through untouched.
//
// # Failures
//
// Decrypt never returns garbage. Failures are *DecryptionError with a kind:
//
//   - BadKey: the envelope names a different key id or version
//   - Tampered: right key, authentication failed
//   - Corrupt: the envelope could not be parsed
//
// Callers propagate these errors. Nothing in this module replaces an
// undecryptable value with an empty one.
package crypt
