// ABOUTME: Tests for encrypted config entry storage
// ABOUTME: Covers upsert, lookup, delete, per-user key scoping and refusal of non-envelope values

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/carelink-core/internal/crypt"
)

var fastParams = crypt.Params{Time: 1, MemoryKiB: 64, Threads: 1}

func testKey(t *testing.T, password string, version int) *crypt.Key {
	t.Helper()
	k, err := crypt.DeriveKey(password, []byte("0123456789abcdef"), version, fastParams)
	require.NoError(t, err)
	return k
}

func TestConfigEntry_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")
	k := testKey(t, "Secret123", 1)

	env, err := crypt.EncryptString("sk-first", k)
	require.NoError(t, err)
	require.NoError(t, s.UpsertConfigEntry(ctx, &ConfigEntry{Key: "llm.api_key", UserID: u.ID, ValueEnvelope: env}))

	got, err := s.GetConfigEntry(ctx, u.ID, "llm.api_key")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)
	plain, err := crypt.DecryptString(got.ValueEnvelope, k)
	require.NoError(t, err)
	assert.Equal(t, "sk-first", plain)

	// Second save replaces the value; no history is kept
	env2, err := crypt.EncryptString("sk-second", k)
	require.NoError(t, err)
	require.NoError(t, s.UpsertConfigEntry(ctx, &ConfigEntry{Key: "llm.api_key", UserID: u.ID, ValueEnvelope: env2}))

	got, err = s.GetConfigEntry(ctx, u.ID, "llm.api_key")
	require.NoError(t, err)
	plain, err = crypt.DecryptString(got.ValueEnvelope, k)
	require.NoError(t, err)
	assert.Equal(t, "sk-second", plain)

	var count int
	require.NoError(t, s.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM config_entries`))
	assert.Equal(t, 1, count)
}

func TestConfigEntry_RejectsPlaintext(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.UpsertConfigEntry(ctx, &ConfigEntry{Key: "llm.api_key", UserID: 1, ValueEnvelope: "sk-plain"})
	assert.ErrorIs(t, err, crypt.ErrMalformedEnvelope)

	err = s.UpsertConfigEntry(ctx, &ConfigEntry{Key: "", UserID: 1, ValueEnvelope: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.GetConfigEntry(ctx, 1, "llm.api_key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfigEntry_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")
	env, err := crypt.EncryptString("token", testKey(t, "Secret123", 1))
	require.NoError(t, err)

	require.NoError(t, s.UpsertConfigEntry(ctx, &ConfigEntry{Key: "sync.token", UserID: u.ID, ValueEnvelope: env}))
	require.NoError(t, s.DeleteConfigEntry(ctx, u.ID, "sync.token"))
	assert.ErrorIs(t, s.DeleteConfigEntry(ctx, u.ID, "sync.token"), ErrNotFound)
}

func TestConfigEntry_KeysAreScopedToUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")
	aliceEnv, err := crypt.EncryptString("alice-token", testKey(t, "Secret123", 1))
	require.NoError(t, err)
	bobEnv, err := crypt.EncryptString("bob-token", testKey(t, "Other456", 1))
	require.NoError(t, err)

	require.NoError(t, s.UpsertConfigEntry(ctx, &ConfigEntry{Key: "sync.token", UserID: alice.ID, ValueEnvelope: aliceEnv}))
	require.NoError(t, s.UpsertConfigEntry(ctx, &ConfigEntry{Key: "sync.token", UserID: bob.ID, ValueEnvelope: bobEnv}))

	got, err := s.GetConfigEntry(ctx, alice.ID, "sync.token")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.UserID)
	assert.Equal(t, aliceEnv, got.ValueEnvelope, "another user's save must not replace the value")

	require.NoError(t, s.DeleteConfigEntry(ctx, bob.ID, "sync.token"))
	assert.ErrorIs(t, s.DeleteConfigEntry(ctx, bob.ID, "sync.token"), ErrNotFound)

	got, err = s.GetConfigEntry(ctx, alice.ID, "sync.token")
	require.NoError(t, err)
	assert.Equal(t, aliceEnv, got.ValueEnvelope, "another user's delete must not remove the value")
}
