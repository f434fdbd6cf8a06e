// ABOUTME: Encrypted key/value store for third-party credentials
// ABOUTME: Values are sealed with the session key and kept only as envelopes

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/carelink/carelink-core/internal/crypt"
	"github.com/carelink/carelink-core/internal/store"
)

// MaxConfigKeyLength bounds config entry keys.
const MaxConfigKeyLength = 256

// SecureConfig stores credentials encrypted under the logged-in user's key.
type SecureConfig struct {
	store  store.ConfigEntryStore
	logger *slog.Logger
}

// NewSecureConfig creates a secure config store over st.
func NewSecureConfig(st store.ConfigEntryStore, logger *slog.Logger) *SecureConfig {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecureConfig{store: st, logger: logger.With("component", "secure-config")}
}

func validateConfigKey(key string) error {
	if key == "" || len(key) > MaxConfigKeyLength {
		return fmt.Errorf("%w: config key must be 1..%d characters", ErrInvalidInput, MaxConfigKeyLength)
	}
	return nil
}

func sessionKey(sess *Session) (*crypt.Key, error) {
	k := sess.Key()
	if k == nil {
		return nil, crypt.ErrKeyUnavailable
	}
	return k, nil
}

// Save creates or replaces the value stored under key.
func (c *SecureConfig) Save(ctx context.Context, sess *Session, key, value string) error {
	if err := validateConfigKey(key); err != nil {
		return err
	}
	k, err := sessionKey(sess)
	if err != nil {
		return err
	}

	env, err := crypt.EncryptString(value, k)
	if err != nil {
		return err
	}
	if err := c.store.UpsertConfigEntry(ctx, &store.ConfigEntry{
		Key:           key,
		UserID:        sess.UserID,
		ValueEnvelope: env,
	}); err != nil {
		return err
	}

	c.logger.Debug("saved secure config", "key", key, "user_id", sess.UserID)
	return nil
}

// Get decrypts the value stored under key. Decryption failures are returned
// as they are; the stored value is never altered.
func (c *SecureConfig) Get(ctx context.Context, sess *Session, key string) (string, error) {
	if err := validateConfigKey(key); err != nil {
		return "", err
	}
	k, err := sessionKey(sess)
	if err != nil {
		return "", err
	}

	e, err := c.store.GetConfigEntry(ctx, sess.UserID, key)
	if err != nil {
		return "", err
	}
	value, err := crypt.DecryptString(e.ValueEnvelope, k)
	if err != nil {
		if errors.Is(err, crypt.ErrDecryption) {
			c.logger.Error("secure config value could not be decrypted", "key", key, "error", err)
		}
		return "", err
	}
	return value, nil
}

// Delete removes the entry stored under key. Other users' keys are never touched.
func (c *SecureConfig) Delete(ctx context.Context, sess *Session, key string) error {
	if err := validateConfigKey(key); err != nil {
		return err
	}
	if _, err := sessionKey(sess); err != nil {
		return err
	}
	return c.store.DeleteConfigEntry(ctx, sess.UserID, key)
}
