// ABOUTME: Password-based key derivation using argon2id and HKDF
// ABOUTME: Splits one master secret into a login verifier and a versioned field key

package crypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the length of freshly generated password salts.
	SaltSize = 16
	// KeySize is the length of derived keys and verifiers.
	KeySize = 32
	// KeyIDSize is the length of the key fingerprint stored in envelopes.
	KeyIDSize = 8

	hkdfSalt         = "carelink:hkdf:v1"
	hkdfInfoVerifier = "carelink:login-verifier:v1"
	hkdfInfoFieldKey = "carelink:field-key:v%d"
	keyIDLabel       = "carelink:key-id"
)

// Params are the argon2id cost parameters.
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultParams are used when no configuration overrides them.
var DefaultParams = Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// Validate rejects parameters argon2 cannot run with.
func (p Params) Validate() error {
	if p.Time < 1 {
		return &KeyDerivationError{Reason: "argon2 time must be at least 1"}
	}
	if p.Threads < 1 {
		return &KeyDerivationError{Reason: "argon2 threads must be at least 1"}
	}
	if p.MemoryKiB < 8*uint32(p.Threads) {
		return &KeyDerivationError{Reason: fmt.Sprintf("argon2 memory %d KiB below minimum %d KiB", p.MemoryKiB, 8*uint32(p.Threads))}
	}
	return nil
}

// Key is a derived field-encryption key. It lives only in process memory.
type Key struct {
	Version  int
	id       [KeyIDSize]byte
	material []byte
	verifier []byte
}

// ID returns the key fingerprint recorded in every envelope sealed with it.
func (k *Key) ID() []byte {
	out := make([]byte, KeyIDSize)
	copy(out, k.id[:])
	return out
}

// IDHex returns the fingerprint as lowercase hex, for logs.
func (k *Key) IDHex() string {
	return hex.EncodeToString(k.id[:])
}

// Verifier returns the login verifier derived alongside the key.
func (k *Key) Verifier() []byte {
	out := make([]byte, len(k.verifier))
	copy(out, k.verifier)
	return out
}

// Wipe zeroes the key material. The key is unusable afterwards.
func (k *Key) Wipe() {
	if k == nil {
		return
	}
	for i := range k.material {
		k.material[i] = 0
	}
	for i := range k.verifier {
		k.verifier[i] = 0
	}
	k.material = nil
	k.verifier = nil
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// DeriveKey runs argon2id over password and salt, then expands the result
// with HKDF into a login verifier and a field key bound to version.
// The same inputs always produce the same key.
func DeriveKey(password string, salt []byte, version int, p Params) (*Key, error) {
	if password == "" {
		return nil, &KeyDerivationError{Reason: "password is empty"}
	}
	if len(salt) < SaltSize {
		return nil, &KeyDerivationError{Reason: fmt.Sprintf("salt is %d bytes, need at least %d", len(salt), SaltSize)}
	}
	if version < 1 {
		return nil, &KeyDerivationError{Reason: fmt.Sprintf("key version %d is not positive", version)}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	master := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, KeySize)
	defer func() {
		for i := range master {
			master[i] = 0
		}
	}()

	verifier, err := expand(master, hkdfInfoVerifier)
	if err != nil {
		return nil, err
	}
	material, err := expand(master, fmt.Sprintf(hkdfInfoFieldKey, version))
	if err != nil {
		return nil, err
	}

	k := &Key{
		Version:  version,
		material: material,
		verifier: verifier,
	}
	mac := hmac.New(sha256.New, material)
	mac.Write([]byte(keyIDLabel))
	copy(k.id[:], mac.Sum(nil))

	return k, nil
}

// VerifierMatches compares two login verifiers in constant time.
func VerifierMatches(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

func expand(master []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, []byte(hkdfSalt), []byte(info))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, &KeyDerivationError{Reason: "hkdf expansion failed", Err: err}
	}
	return out, nil
}
