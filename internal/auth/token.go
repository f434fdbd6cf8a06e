// ABOUTME: JWT session tokens handed to the desktop shell after login
// ABOUTME: HS256 with a per-process secret; tokens never outlive the process

package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// SessionClaims are the identity fields carried by a session token.
type SessionClaims struct {
	SessionID  string
	UserID     int64
	KeyVersion int
}

// tokenClaims is the JWT body. "sub" holds the user id.
type tokenClaims struct {
	SessionID  string `json:"sid,omitempty"`
	KeyVersion *int   `json:"kv,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier issues and checks session tokens.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, now: time.Now}
}

// NewRandomJWTVerifier creates a verifier with a fresh 32-byte secret.
func NewRandomJWTVerifier() (*JWTVerifier, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating token secret: %w", err)
	}
	return NewJWTVerifier(secret), nil
}

// Verify checks the signature and expiry and returns the session claims.
func (v *JWTVerifier) Verify(tokenString string) (*SessionClaims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: sub is not a user id", ErrInvalidToken)
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: sid", ErrMissingClaim)
	}
	if claims.KeyVersion == nil {
		return nil, fmt.Errorf("%w: kv", ErrMissingClaim)
	}

	return &SessionClaims{SessionID: claims.SessionID, UserID: userID, KeyVersion: *claims.KeyVersion}, nil
}

// Generate signs a token for c that expires after ttl.
func (v *JWTVerifier) Generate(c SessionClaims, ttl time.Duration) (string, error) {
	now := v.now()
	kv := c.KeyVersion
	claims := tokenClaims{
		SessionID:  c.SessionID,
		KeyVersion: &kv,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(c.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
