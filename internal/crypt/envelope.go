// ABOUTME: AES-256-GCM envelope encryption for sensitive field values
// ABOUTME: Envelopes are self-describing strings carrying algorithm, key version, key id, nonce, and tag

package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const (
	// AlgAES256GCM is the only algorithm currently written.
	AlgAES256GCM = "aes-256-gcm"

	// EnvelopePrefix marks a stored value as an envelope rather than legacy plaintext.
	EnvelopePrefix = "enc1:"

	nonceSize = 12
	tagSize   = 16
)

var b64 = base64.RawURLEncoding

// Envelope is an encrypted field value.
type Envelope struct {
	Algorithm  string
	KeyVersion int
	KeyID      []byte
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// String renders the envelope in its stored form:
// enc1:<alg>:<version>:<keyid>:<nonce>:<ciphertext>:<tag>
func (e Envelope) String() string {
	return EnvelopePrefix + strings.Join([]string{
		e.Algorithm,
		strconv.Itoa(e.KeyVersion),
		b64.EncodeToString(e.KeyID),
		b64.EncodeToString(e.Nonce),
		b64.EncodeToString(e.Ciphertext),
		b64.EncodeToString(e.Tag),
	}, ":")
}

// IsEnvelope reports whether s claims to be an envelope. Values without the
// prefix are legacy plaintext.
func IsEnvelope(s string) bool {
	return strings.HasPrefix(s, EnvelopePrefix)
}

// LooksMalformed reports whether s claims to be an envelope but cannot be parsed.
// Such values must never be persisted.
func LooksMalformed(s string) bool {
	if !IsEnvelope(s) {
		return false
	}
	_, err := ParseEnvelope(s)
	return err != nil
}

// ParseEnvelope decodes the stored form. Parse failures are DecryptionErrors
// of kind Corrupt wrapping ErrMalformedEnvelope.
func ParseEnvelope(s string) (Envelope, error) {
	if !IsEnvelope(s) {
		return Envelope{}, corrupt("missing envelope prefix")
	}
	parts := strings.Split(strings.TrimPrefix(s, EnvelopePrefix), ":")
	if len(parts) != 6 {
		return Envelope{}, corrupt(fmt.Sprintf("expected 6 fields, got %d", len(parts)))
	}

	env := Envelope{Algorithm: parts[0]}
	if env.Algorithm != AlgAES256GCM {
		return Envelope{}, corrupt(fmt.Sprintf("unsupported algorithm %q", env.Algorithm))
	}

	version, err := strconv.Atoi(parts[1])
	if err != nil || version < 1 {
		return Envelope{}, corrupt(fmt.Sprintf("invalid key version %q", parts[1]))
	}
	env.KeyVersion = version

	fields := []struct {
		name string
		dst  *[]byte
		size int
	}{
		{"key id", &env.KeyID, KeyIDSize},
		{"nonce", &env.Nonce, nonceSize},
		{"ciphertext", &env.Ciphertext, -1},
		{"tag", &env.Tag, tagSize},
	}
	for i, f := range fields {
		raw, err := b64.DecodeString(parts[i+2])
		if err != nil {
			return Envelope{}, corrupt(fmt.Sprintf("decoding %s: %v", f.name, err))
		}
		if f.size >= 0 && len(raw) != f.size {
			return Envelope{}, corrupt(fmt.Sprintf("%s is %d bytes, want %d", f.name, len(raw), f.size))
		}
		*f.dst = raw
	}

	return env, nil
}

func corrupt(reason string) error {
	return &DecryptionError{Kind: Corrupt, Err: fmt.Errorf("%w: %s", ErrMalformedEnvelope, reason)}
}

// Encrypt seals plaintext under k with a fresh random nonce.
func Encrypt(plaintext string, k *Key) (Envelope, error) {
	if k == nil || k.material == nil {
		return Envelope{}, ErrKeyUnavailable
	}

	gcm, err := newGCM(k)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Algorithm:  AlgAES256GCM,
		KeyVersion: k.Version,
		KeyID:      k.ID(),
		Nonce:      make([]byte, nonceSize),
	}
	if _, err := rand.Read(env.Nonce); err != nil {
		return Envelope{}, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, env.Nonce, []byte(plaintext), env.additionalData())
	split := len(sealed) - tagSize
	env.Ciphertext = sealed[:split]
	env.Tag = sealed[split:]
	return env, nil
}

// EncryptString is Encrypt followed by String.
func EncryptString(plaintext string, k *Key) (string, error) {
	env, err := Encrypt(plaintext, k)
	if err != nil {
		return "", err
	}
	return env.String(), nil
}

// Decrypt opens env with k. A key id or version mismatch is BadKey; an
// authentication failure under the right key is Tampered.
func Decrypt(env Envelope, k *Key) (string, error) {
	if k == nil || k.material == nil {
		return "", ErrKeyUnavailable
	}
	if env.Algorithm != AlgAES256GCM {
		return "", corrupt(fmt.Sprintf("unsupported algorithm %q", env.Algorithm))
	}
	if len(env.Nonce) != nonceSize || len(env.Tag) != tagSize {
		return "", corrupt("nonce or tag has the wrong length")
	}
	if env.KeyVersion != k.Version || !VerifierMatches(env.KeyID, k.id[:]) {
		return "", &DecryptionError{
			Kind: BadKey,
			Err:  fmt.Errorf("envelope sealed with key v%d, have v%d", env.KeyVersion, k.Version),
		}
	}

	gcm, err := newGCM(k)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plain, err := gcm.Open(nil, env.Nonce, sealed, env.additionalData())
	if err != nil {
		return "", &DecryptionError{Kind: Tampered, Err: err}
	}
	return string(plain), nil
}

// DecryptString parses s and decrypts it.
func DecryptString(s string, k *Key) (string, error) {
	env, err := ParseEnvelope(s)
	if err != nil {
		return "", err
	}
	return Decrypt(env, k)
}

// RotateKey re-encrypts every envelope from oldKey to newKey. Either every
// envelope is rotated or none is: on the first failure it returns a
// *RotationError naming the offending index and no envelopes.
func RotateKey(oldKey, newKey *Key, envs []Envelope) ([]Envelope, error) {
	if oldKey == nil || newKey == nil {
		return nil, ErrKeyUnavailable
	}

	out := make([]Envelope, len(envs))
	for i, env := range envs {
		plain, err := Decrypt(env, oldKey)
		if err != nil {
			return nil, &RotationError{Index: i, Err: err}
		}
		rotated, err := Encrypt(plain, newKey)
		if err != nil {
			return nil, &RotationError{Index: i, Err: err}
		}
		out[i] = rotated
	}
	return out, nil
}

func (e Envelope) additionalData() []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", e.Algorithm, e.KeyVersion, b64.EncodeToString(e.KeyID)))
}

func newGCM(k *Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.material)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return gcm, nil
}
