// ABOUTME: Tests for session token signing and verification
// ABOUTME: Covers round trips, tampering, missing claims, expiry, and per-process secrets

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testClaims      = SessionClaims{SessionID: "session-123", UserID: 7, KeyVersion: 2}
	testTokenSecret = []byte("test-secret-key-for-jwt-signing")
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier(testTokenSecret)

	token, err := v.Generate(testClaims, time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, testClaims, *got)
}

func TestJWTVerifier_KeyVersionZeroIsPresent(t *testing.T) {
	v := NewJWTVerifier(testTokenSecret)
	c := SessionClaims{SessionID: "s", UserID: 1}

	token, err := v.Generate(c, time.Hour)
	require.NoError(t, err)
	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Zero(t, got.KeyVersion)
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	v := NewJWTVerifier(testTokenSecret)

	otherSecret, err := NewJWTVerifier([]byte("different-secret")).Generate(testClaims, time.Hour)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "7", "sid": "s", "kv": 1, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "sid": "s", "kv": 1, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testTokenSecret)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":          "",
		"garbage":        "not-a-jwt-token",
		"malformed":      "header.payload.signature",
		"wrong secret":   otherSecret,
		"unsigned":       noneAlg,
		"subject not id": badSubject,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	v := NewJWTVerifier(testTokenSecret)
	exp := time.Now().Add(time.Hour).Unix()

	tests := map[string]jwt.MapClaims{
		"sub": {"sid": "s", "kv": 1, "exp": exp},
		"sid": {"sub": "7", "kv": 1, "exp": exp},
		"kv":  {"sub": "7", "sid": "s", "exp": exp},
	}
	for name, claims := range tests {
		t.Run(name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testTokenSecret)
			require.NoError(t, err)
			_, err = v.Verify(token)
			assert.ErrorIs(t, err, ErrMissingClaim)
			assert.ErrorContains(t, err, name)
		})
	}

	// exp is required too
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "7", "sid": "s", "kv": 1}).
		SignedString(testTokenSecret)
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v := NewJWTVerifier(testTokenSecret)
	start := time.Now()
	v.now = func() time.Time { return start }

	token, err := v.Generate(testClaims, time.Minute)
	require.NoError(t, err)

	v.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_RandomSecrets(t *testing.T) {
	a, err := NewRandomJWTVerifier()
	require.NoError(t, err)
	b, err := NewRandomJWTVerifier()
	require.NoError(t, err)

	token, err := a.Generate(testClaims, time.Hour)
	require.NoError(t, err)
	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
