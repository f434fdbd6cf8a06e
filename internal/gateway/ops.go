// ABOUTME: Account, session, field encryption, and secure config operations
// ABOUTME: Writes take the database lock exclusively, reads share it

package gateway

import (
	"context"
	"strconv"
	"time"

	"github.com/carelink/carelink-core/internal/auth"
	"github.com/carelink/carelink-core/internal/crypt"
	"github.com/carelink/carelink-core/internal/store"
)

// NoArgs is the argument type of operations that take none.
type NoArgs struct{}

// Credentials are the arguments of register and login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResult struct {
	UserID int64 `json:"userId"`
}

// Register creates a local account.
func (g *Gateway) Register(ctx context.Context, args Credentials) (*RegisterResult, error) {
	id, err := exclusive(ctx, g.lock, func() (int64, error) {
		return g.auth.Register(ctx, args.Username, args.Password)
	})
	if err != nil {
		return nil, err
	}
	return &RegisterResult{UserID: id}, nil
}

type LoginResult struct {
	SessionToken string    `json:"sessionToken"`
	UserID       int64     `json:"userId"`
	Username     string    `json:"username"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Login verifies credentials and makes the new session the active one.
func (g *Gateway) Login(ctx context.Context, args Credentials) (*LoginResult, error) {
	sess, err := shared(ctx, g.lock, func() (*auth.Session, error) {
		return g.auth.Login(ctx, args.Username, args.Password)
	})
	if err != nil {
		return nil, err
	}
	g.setSession(sess)
	return &LoginResult{
		SessionToken: sess.Token,
		UserID:       sess.UserID,
		Username:     sess.Username,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// Logout ends the active session. Logging out twice is not an error.
func (g *Gateway) Logout(ctx context.Context, _ NoArgs) (*struct{}, error) {
	g.endSession()
	return &struct{}{}, nil
}

type ChangePasswordArgs struct {
	UserID      int64  `json:"userId"`
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// ChangePassword rotates every encrypted field of the user to a key
// derived from the new password.
func (g *Gateway) ChangePassword(ctx context.Context, args ChangePasswordArgs) (*struct{}, error) {
	_, err := exclusive(ctx, g.lock, func() (struct{}, error) {
		return struct{}{}, g.auth.ChangePassword(ctx, args.UserID, args.OldPassword, args.NewPassword)
	})
	if err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

type DeleteUserArgs struct {
	UserID   int64  `json:"userId"`
	Password string `json:"password"`
}

// DeleteUser removes an account and everything it owns.
func (g *Gateway) DeleteUser(ctx context.Context, args DeleteUserArgs) (*struct{}, error) {
	_, err := exclusive(ctx, g.lock, func() (struct{}, error) {
		return struct{}{}, g.auth.DeleteUser(ctx, args.UserID, args.Password)
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.active != nil && g.active.UserID == args.UserID {
		g.active = nil
	}
	g.mu.Unlock()
	return &struct{}{}, nil
}

type EncryptArgs struct {
	Plaintext string `json:"plaintext"`
}

type EncryptResult struct {
	Envelope string `json:"envelope"`
}

// EncryptText seals plaintext under the active session key.
func (g *Gateway) EncryptText(ctx context.Context, args EncryptArgs) (*EncryptResult, error) {
	_, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	env, err := crypt.EncryptString(args.Plaintext, sess.Key())
	if err != nil {
		return nil, err
	}
	return &EncryptResult{Envelope: env}, nil
}

type DecryptArgs struct {
	Envelope string `json:"envelope"`
}

type DecryptResult struct {
	Plaintext string `json:"plaintext"`
}

// DecryptText opens an envelope with the active session key. Failures are
// always reported; an unreadable value is never returned as empty.
func (g *Gateway) DecryptText(ctx context.Context, args DecryptArgs) (*DecryptResult, error) {
	_, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	pt, err := crypt.DecryptString(args.Envelope, sess.Key())
	if err != nil {
		return nil, err
	}
	return &DecryptResult{Plaintext: pt}, nil
}

type ConfigKeyArgs struct {
	Key string `json:"key"`
}

type ConfigSaveArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ConfigValue struct {
	Value string `json:"value"`
}

// SecureSaveConfig stores a credential encrypted under the session key.
func (g *Gateway) SecureSaveConfig(ctx context.Context, args ConfigSaveArgs) (*struct{}, error) {
	ctx, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	_, err = exclusive(ctx, g.lock, func() (struct{}, error) {
		return struct{}{}, g.secrets.Save(ctx, sess, args.Key, args.Value)
	})
	if err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

// SecureGetConfig returns a decrypted credential.
func (g *Gateway) SecureGetConfig(ctx context.Context, args ConfigKeyArgs) (*ConfigValue, error) {
	ctx, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	v, err := shared(ctx, g.lock, func() (string, error) {
		return g.secrets.Get(ctx, sess, args.Key)
	})
	if err != nil {
		return nil, err
	}
	return &ConfigValue{Value: v}, nil
}

// SecureDeleteConfig removes a credential.
func (g *Gateway) SecureDeleteConfig(ctx context.Context, args ConfigKeyArgs) (*struct{}, error) {
	ctx, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	_, err = exclusive(ctx, g.lock, func() (struct{}, error) {
		return struct{}{}, g.secrets.Delete(ctx, sess, args.Key)
	})
	if err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

type AuditListArgs struct {
	Limit int `json:"limit"`
}

// AuditList returns the newest audit entries.
func (g *Gateway) AuditList(ctx context.Context, args AuditListArgs) ([]store.AuditEntry, error) {
	if _, _, err := g.withSession(ctx); err != nil {
		return nil, err
	}
	entries, err := shared(ctx, g.lock, func() ([]store.AuditEntry, error) {
		return g.store.ListAuditLog(ctx, args.Limit)
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	return entries, nil
}

func actor(sess *auth.Session) *int64 {
	id := sess.UserID
	return &id
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
