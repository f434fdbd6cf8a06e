// ABOUTME: Local user accounts: registration, login sessions, password change, and deletion
// ABOUTME: Password change re-encrypts every envelope the user owns in one transaction

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink-core/internal/crypt"
	"github.com/carelink/carelink-core/internal/dbx"
	"github.com/carelink/carelink-core/internal/store"
)

// MinPasswordLength is the shortest password Register and ChangePassword accept.
const MinPasswordLength = 8

// dummySalt feeds the derivation run for unknown usernames.
var dummySalt = []byte("carelink-dummy-salt")

// Store is the persistence Service needs.
type Store interface {
	CreateUser(ctx context.Context, u *store.User) error
	GetUser(ctx context.Context, id int64) (*store.User, error)
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	UpdateUserCredentials(ctx context.Context, q dbx.DBTX, u *store.User) error
	DeleteUserCascade(ctx context.Context, q dbx.DBTX, userID int64) error
	CollectEnvelopes(ctx context.Context, q dbx.DBTX, userID int64) ([]store.FieldRef, error)
	WriteEnvelopes(ctx context.Context, q dbx.DBTX, refs []store.FieldRef) error
	ScanOrphansTx(ctx context.Context, q dbx.DBTX) (*store.OrphanReport, error)
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
	AppendAuditLogTx(ctx context.Context, q dbx.DBTX, e *store.AuditEntry) error
	WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
}

var _ Store = (*store.SQLiteStore)(nil)

// Session is a logged-in user. It holds the user's field key in memory.
type Session struct {
	ID        string
	UserID    int64
	Username  string
	Token     string
	ExpiresAt time.Time

	mu  sync.RWMutex
	key *crypt.Key
}

// Key returns the field key currently bound to the session.
func (s *Session) Key() *crypt.Key {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

func (s *Session) swapKey(k *crypt.Key) {
	s.mu.Lock()
	old := s.key
	s.key = k
	s.mu.Unlock()
	old.Wipe()
}

// Options configures a Service.
type Options struct {
	Params     crypt.Params
	SessionTTL time.Duration
	// Tokens signs session tokens; a random-secret verifier is used when nil.
	Tokens *JWTVerifier
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service implements the credential store.
type Service struct {
	store  Store
	params crypt.Params
	ttl    time.Duration
	tokens *JWTVerifier
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // by session id
	byUser   map[int64]string    // user id -> session id
}

// NewService creates a credential service over st.
func NewService(st Store, opts Options, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Params == (crypt.Params{}) {
		opts.Params = crypt.DefaultParams
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 12 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tokens == nil {
		v, err := NewRandomJWTVerifier()
		if err != nil {
			return nil, err
		}
		opts.Tokens = v
	}
	opts.Tokens.now = opts.Now

	return &Service{
		store:    st,
		params:   opts.Params,
		ttl:      opts.SessionTTL,
		tokens:   opts.Tokens,
		now:      opts.Now,
		logger:   logger.With("component", "auth"),
		sessions: make(map[string]*Session),
		byUser:   make(map[int64]string),
	}, nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	return nil
}

// Register creates a user at key version 1 and returns its id.
func (s *Service) Register(ctx context.Context, username, password string) (int64, error) {
	if strings.TrimSpace(username) == "" {
		return 0, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if err := validatePassword(password); err != nil {
		return 0, err
	}

	salt, err := crypt.NewSalt()
	if err != nil {
		return 0, err
	}
	k, err := crypt.DeriveKey(password, salt, 1, s.params)
	if err != nil {
		return 0, err
	}
	defer k.Wipe()

	u := &store.User{
		Username:     username,
		PasswordHash: k.Verifier(),
		PasswordSalt: salt,
		KeyVersion:   1,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateUser, username)
		}
		return 0, err
	}

	actor := u.ID
	if err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorUserID: &actor,
		Action:      store.AuditRegisterUser,
		TargetType:  "user",
		TargetID:    strconv.FormatInt(u.ID, 10),
	}); err != nil {
		s.logger.Warn("failed to append audit entry", "action", store.AuditRegisterUser, "error", err)
	}

	s.logger.Info("registered user", "user_id", u.ID)
	return u.ID, nil
}

// verify derives the user's current key from password and checks it against
// the stored verifier. The caller owns the returned key.
func (s *Service) verify(u *store.User, password string) (*crypt.Key, error) {
	k, err := crypt.DeriveKey(password, u.PasswordSalt, u.KeyVersion, s.params)
	if err != nil {
		if errors.Is(err, crypt.ErrKeyDerivation) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !crypt.VerifierMatches(k.Verifier(), u.PasswordHash) {
		k.Wipe()
		return nil, ErrInvalidCredentials
	}
	return k, nil
}

// dummyDerive spends the same work as a real check so unknown usernames
// cannot be told apart by timing.
func (s *Service) dummyDerive(password string) {
	if password == "" {
		password = "x"
	}
	k, err := crypt.DeriveKey(password, dummySalt, 1, s.params)
	if err == nil {
		k.Wipe()
	}
}

// Login checks credentials and opens a session. Any mismatch, including an
// unknown username, is ErrInvalidCredentials. A previous session of the same
// user is closed.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.dummyDerive(password)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	k, err := s.verify(u, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.logger.Info("login rejected", "user_id", u.ID)
		}
		return nil, err
	}

	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    u.ID,
		Username:  u.Username,
		ExpiresAt: s.now().Add(s.ttl),
		key:       k,
	}
	sess.Token, err = s.tokens.Generate(SessionClaims{
		SessionID:  sess.ID,
		UserID:     u.ID,
		KeyVersion: u.KeyVersion,
	}, s.ttl)
	if err != nil {
		k.Wipe()
		return nil, fmt.Errorf("signing session token: %w", err)
	}

	s.mu.Lock()
	if prev, ok := s.byUser[u.ID]; ok {
		s.dropLocked(prev)
	}
	s.sessions[sess.ID] = sess
	s.byUser[u.ID] = sess.ID
	s.mu.Unlock()

	s.logger.Info("user logged in", "user_id", u.ID, "key_id", k.IDHex())
	return sess, nil
}

// Authenticate resolves a session token to its live session.
func (s *Service) Authenticate(token string) (*Session, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return nil, ErrSessionExpired
		}
		return nil, ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[claims.SessionID]
	if !ok || sess.UserID != claims.UserID {
		return nil, ErrInvalidCredentials
	}
	if !s.now().Before(sess.ExpiresAt) {
		s.dropLocked(sess.ID)
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Logout closes the session named by token and wipes its key.
func (s *Service) Logout(token string) error {
	claims, err := s.tokens.Verify(token)
	if err != nil && !errors.Is(err, ErrExpiredToken) {
		return ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if claims == nil {
		// Expired token: the claims are gone, so drop any session holding this token.
		for id, sess := range s.sessions {
			if sess.Token == token {
				s.dropLocked(id)
				return nil
			}
		}
		return ErrSessionExpired
	}
	if _, ok := s.sessions[claims.SessionID]; !ok {
		return ErrInvalidCredentials
	}
	s.dropLocked(claims.SessionID)
	return nil
}

// dropLocked removes a session. Caller holds s.mu.
func (s *Service) dropLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if s.byUser[sess.UserID] == id {
		delete(s.byUser, sess.UserID)
	}
	sess.swapKey(nil)
}

func (s *Service) sessionFor(userID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[s.byUser[userID]]
}

// ChangePassword verifies oldPassword, derives a key at the next version and
// re-encrypts every envelope the user owns. The new credentials and the
// rotated values commit together or not at all. A live session of the user
// switches to the new key.
func (s *Service) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.dummyDerive(oldPassword)
			return ErrInvalidCredentials
		}
		return err
	}
	oldKey, err := s.verify(u, oldPassword)
	if err != nil {
		return err
	}
	defer oldKey.Wipe()

	salt, err := crypt.NewSalt()
	if err != nil {
		return err
	}
	newKey, err := crypt.DeriveKey(newPassword, salt, u.KeyVersion+1, s.params)
	if err != nil {
		return err
	}

	var rotatedCount int
	err = s.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		// Orphans have no owner to rotate them with; after a remap they
		// would carry the old key for good.
		orphans, err := s.store.ScanOrphansTx(ctx, tx)
		if err != nil {
			return &RotationError{Err: err}
		}
		if orphans.Total > 0 {
			return &RotationError{Orphans: orphans.Total, Err: ErrOrphansPending}
		}

		refs, err := s.store.CollectEnvelopes(ctx, tx, userID)
		if err != nil {
			return &RotationError{Err: err}
		}

		envs := make([]crypt.Envelope, len(refs))
		for i, ref := range refs {
			env, err := crypt.ParseEnvelope(ref.Value)
			if err != nil {
				return &RotationError{Table: ref.Table, Column: ref.Column, RowID: ref.RowKey, Err: err}
			}
			envs[i] = env
		}

		rotated, err := crypt.RotateKey(oldKey, newKey, envs)
		if err != nil {
			var re *crypt.RotationError
			if errors.As(err, &re) && re.Index < len(refs) {
				ref := refs[re.Index]
				return &RotationError{Table: ref.Table, Column: ref.Column, RowID: ref.RowKey, Err: re.Err}
			}
			return &RotationError{Err: err}
		}
		for i := range refs {
			refs[i].Value = rotated[i].String()
		}
		if err := s.store.WriteEnvelopes(ctx, tx, refs); err != nil {
			return &RotationError{Err: err}
		}

		updated := *u
		updated.PasswordHash = newKey.Verifier()
		updated.PasswordSalt = salt
		updated.KeyVersion = u.KeyVersion + 1
		if err := s.store.UpdateUserCredentials(ctx, tx, &updated); err != nil {
			return &RotationError{Err: err}
		}

		rotatedCount = len(refs)
		actor := userID
		return s.store.AppendAuditLogTx(ctx, tx, &store.AuditEntry{
			ActorUserID: &actor,
			Action:      store.AuditChangePassword,
			TargetType:  "user",
			TargetID:    strconv.FormatInt(userID, 10),
			Detail:      map[string]any{"key_version": updated.KeyVersion, "rotated": len(refs)},
		})
	})
	if err != nil {
		newKey.Wipe()
		s.logger.Error("password change rolled back", "user_id", userID, "error", err)
		return err
	}

	if sess := s.sessionFor(userID); sess != nil {
		sess.swapKey(newKey)
	} else {
		newKey.Wipe()
	}

	s.logger.Info("password changed", "user_id", userID, "key_version", u.KeyVersion+1, "rotated", rotatedCount)
	return nil
}

// DeleteUser verifies password, then removes the user and everything they
// own in one transaction. Their session is closed.
func (s *Service) DeleteUser(ctx context.Context, userID int64, password string) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.dummyDerive(password)
			return ErrInvalidCredentials
		}
		return err
	}
	k, err := s.verify(u, password)
	if err != nil {
		return err
	}
	k.Wipe()

	err = s.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.store.DeleteUserCascade(ctx, tx, userID); err != nil {
			return err
		}
		return s.store.AppendAuditLogTx(ctx, tx, &store.AuditEntry{
			Action:     store.AuditDeleteUser,
			TargetType: "user",
			TargetID:   strconv.FormatInt(userID, 10),
		})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if id, ok := s.byUser[userID]; ok {
		s.dropLocked(id)
	}
	s.mu.Unlock()

	s.logger.Info("deleted user", "user_id", userID)
	return nil
}
