// Package auth provides local accounts and sessions for carelink-core.
//
// # Accounts
//
// Register derives a login verifier and a field key from the password
// (see package crypt). Only the verifier and the salt are stored. Usernames
// are compared exactly, case included.
//
// # Sessions
//
// Login opens one in-memory session per user and returns it with a signed
// token:
//
//	sess, err := svc.Login(ctx, "alice", "Secret123")
//	sess, err = svc.Authenticate(sess.Token)
//
// Tokens are HS256 JWTs carrying the user id ("sub"), session id ("sid"),
// and key version ("kv"). The signing secret is random per process, so a
// restart logs everyone out. The session holds the field key; Logout wipes it.
//
// Login never says whether a username exists. Unknown usernames cost the
// same key derivation as wrong passwords.
//
// # Password Change
//
// ChangePassword re-encrypts every envelope the user owns under a key at
// the next version:
//
//   - members.social_security_number, members.notes
//   - notes and details of every dependent record
//   - config_entries.value_envelope
//
// All of it happens in one transaction together with the new verifier,
// salt, and key version. If any value fails to decrypt the transaction is
// rolled back, a *RotationError names the field, and the old password stays
// valid. Records whose member no longer exists belong to nobody and cannot
// be rotated, so the change is refused until they are remapped.
//
// # Secure Config
//
// SecureConfig keeps third-party credentials as envelopes under the
// session's key. Keys are scoped to the user. Get surfaces decryption failures instead of returning an
// empty value.
package auth
