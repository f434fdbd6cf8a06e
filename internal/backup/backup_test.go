// ABOUTME: Tests for backup creation, listing, status, validation, restore, deletion, and rotation
// ABOUTME: Uses a real SQLite store and a controllable clock for deterministic file names

package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/carelink-core/internal/dblock"
	"github.com/carelink/carelink-core/internal/logging"
	"github.com/carelink/carelink-core/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	mgr   *Manager
	store *store.SQLiteStore
	clock *fakeClock
}

func newTestEnv(t *testing.T, retentionDays int) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "carelink.db")

	st, err := store.NewSQLiteStore(context.Background(), dbPath, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	lock, err := dblock.NewRegistry().For(dbPath)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	mgr, err := New(st, lock, Options{
		Dir:           filepath.Join(dir, "backups"),
		RetentionDays: retentionDays,
		AppVersion:    "test",
		RetryDelay:    time.Millisecond,
		Now:           clock.Now,
		Logger:        logging.Discard(),
	})
	require.NoError(t, err)
	return &testEnv{mgr: mgr, store: st, clock: clock}
}

func (e *testEnv) addUser(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, e.store.CreateUser(context.Background(), &store.User{
		Username:     name,
		PasswordHash: []byte("v"),
		PasswordSalt: []byte("0123456789abcdef"),
	}))
}

func (e *testEnv) hasUser(t *testing.T, name string) bool {
	t.Helper()
	_, err := e.store.GetUserByUsername(context.Background(), name)
	if err != nil {
		require.ErrorIs(t, err, store.ErrNotFound)
		return false
	}
	return true
}

func TestCreate_AndList(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)
	env.addUser(t, "alice")

	first, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)
	assert.Equal(t, "carelink_backup_manual_2025-06-01_10-00-00.zip", first.FileName)
	assert.Len(t, first.Checksum, 64)
	assert.Equal(t, int64(4), first.SchemaVersion)

	env.clock.Advance(time.Minute)
	second, err := env.mgr.Create(ctx, TypeAuto)
	require.NoError(t, err)

	records, err := env.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.FileName, records[0].FileName)
	assert.Equal(t, first.FileName, records[1].FileName)
	assert.Equal(t, first.Checksum, records[1].Checksum)
	assert.Equal(t, first.CreatedAt, records[1].CreatedAt)
	assert.False(t, records[0].Corrupt)

	// No temporary files left behind
	entries, err := os.ReadDir(env.mgr.Folder())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), e.Name())
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
	}
}

func TestCreate_SameSecondGetsSuffix(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)

	a, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)
	b, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)

	assert.NotEqual(t, a.FileName, b.FileName)
	assert.True(t, strings.HasSuffix(b.FileName, "-2.zip"))

	records, err := env.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, b.FileName, records[0].FileName, "later backup sorts first")
}

func TestCreate_CancelledLeavesNoFiles(t *testing.T) {
	env := newTestEnv(t, 30)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.mgr.Create(ctx, TypeManual)
	require.ErrorIs(t, err, context.Canceled)

	records, err := env.mgr.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCreate_UnknownType(t *testing.T) {
	env := newTestEnv(t, 30)
	_, err := env.mgr.Create(context.Background(), Type("weekly"))
	assert.Error(t, err)
}

func TestStatus_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)

	empty, err := env.mgr.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.BackupCount)
	assert.Nil(t, empty.LastBackupAt)
	assert.Equal(t, env.mgr.Folder(), empty.Folder)

	_, err = env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	last, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)

	s1, err := env.mgr.Status(ctx)
	require.NoError(t, err)
	s2, err := env.mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	assert.Equal(t, 2, s1.BackupCount)
	require.NotNil(t, s1.LastBackupAt)
	assert.Equal(t, last.CreatedAt, *s1.LastBackupAt)
	assert.Positive(t, s1.TotalSizeBytes)
}

func TestRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)
	env.addUser(t, "alice")

	rec, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)

	env.addUser(t, "bob")

	result, err := env.mgr.Restore(ctx, rec.FileName)
	require.NoError(t, err)
	assert.Equal(t, rec.FileName, result.RestoredFrom)
	assert.Zero(t, result.OrphanCount)

	assert.True(t, env.hasUser(t, "alice"))
	assert.False(t, env.hasUser(t, "bob"))

	// Restore is non-destructive to the backup set
	records, err := env.mgr.List(ctx)
	require.NoError(t, err)
	var names []string
	for _, r := range records {
		names = append(names, r.FileName)
	}
	assert.Contains(t, names, rec.FileName)

	// The restore is audited in the restored database
	entries, err := env.store.ListAuditLog(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.AuditRestoreBackup, entries[0].Action)

	// No safety copies left behind
	matches, err := filepath.Glob(filepath.Join(env.mgr.Folder(), ".safety-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

// Corrupt one byte of the checksum region: restore refuses, live DB unchanged.
func TestRestore_CorruptChecksumLeavesLiveDatabase(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)
	env.addUser(t, "alice")

	rec, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)
	env.addUser(t, "bob")

	path := filepath.Join(env.mgr.Folder(), rec.FileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	marker := []byte(`"database_sha256": "`)
	idx := bytes.Index(data, marker)
	require.GreaterOrEqual(t, idx, 0, "manifest is stored uncompressed")
	pos := idx + len(marker)
	if data[pos] == '0' {
		data[pos] = '1'
	} else {
		data[pos] = '0'
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = env.mgr.Restore(ctx, rec.FileName)
	require.ErrorIs(t, err, ErrBackupCorrupt)

	assert.True(t, env.hasUser(t, "bob"), "live database unchanged")

	_, err = env.mgr.Validate(ctx, rec.FileName)
	assert.ErrorIs(t, err, ErrBackupCorrupt)
}

// failingSwapDB is the live store with ReplaceWith calls that fail on demand.
// A failing call still swaps the file first, like a crash after the copy.
type failingSwapDB struct {
	*store.SQLiteStore
	failures int
	calls    []string
}

func (d *failingSwapDB) ReplaceWith(ctx context.Context, src string) error {
	d.calls = append(d.calls, src)
	if len(d.calls) > d.failures {
		return d.SQLiteStore.ReplaceWith(ctx, src)
	}
	if err := d.SQLiteStore.ReplaceWith(ctx, src); err != nil {
		return err
	}
	return errors.New("disk full while reopening")
}

func newFailingSwapManager(t *testing.T, env *testEnv, failures int) (*Manager, *failingSwapDB) {
	t.Helper()
	db := &failingSwapDB{SQLiteStore: env.store, failures: failures}
	lock, err := dblock.NewRegistry().For(env.store.Path())
	require.NoError(t, err)
	mgr, err := New(db, lock, Options{
		Dir:        env.mgr.Folder(),
		AppVersion: "test",
		RetryDelay: time.Millisecond,
		Now:        env.clock.Now,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	return mgr, db
}

func TestRestore_FailedSwapPutsLiveDatabaseBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)
	env.addUser(t, "alice")

	rec, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)
	env.addUser(t, "bob")

	mgr, db := newFailingSwapManager(t, env, 1)
	_, err = mgr.Restore(ctx, rec.FileName)
	require.ErrorIs(t, err, ErrBackupIO)
	assert.NotContains(t, err.Error(), "safety copy kept")

	require.Len(t, db.calls, 2, "swap, then roll back")
	assert.Contains(t, filepath.Base(db.calls[1]), ".safety-")
	assert.True(t, env.hasUser(t, "bob"), "live database is the pre-restore one")
	assert.True(t, env.hasUser(t, "alice"))

	matches, err := filepath.Glob(filepath.Join(env.mgr.Folder(), ".safety-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "safety copy removed after a successful rollback")
}

func TestRestore_FailedRollbackKeepsSafetyCopy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)
	env.addUser(t, "alice")

	rec, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)
	env.addUser(t, "bob")

	mgr, db := newFailingSwapManager(t, env, 2)
	_, err = mgr.Restore(ctx, rec.FileName)
	require.ErrorIs(t, err, ErrBackupIO)
	assert.Contains(t, err.Error(), "safety copy kept at")
	require.Len(t, db.calls, 2)

	_, statErr := os.Stat(db.calls[1])
	assert.NoError(t, statErr, "the safety copy is left for manual recovery")
}

func TestRestore_TruncatedArchive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)
	rec, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)

	path := filepath.Join(env.mgr.Folder(), rec.FileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o600))

	_, err = env.mgr.Restore(ctx, rec.FileName)
	assert.ErrorIs(t, err, ErrBackupCorrupt)

	records, err := env.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Corrupt)
}

func TestRestore_ReportsOrphans(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := env.store.DB().ExecContext(ctx,
		`INSERT INTO treatments (member_id, title, created_at, updated_at) VALUES (12, 'legacy', ?, ?)`, now, now)
	require.NoError(t, err)

	rec, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)

	result, err := env.mgr.Restore(ctx, rec.FileName)
	require.NoError(t, err, "orphans are a warning, not a failure")
	assert.Equal(t, 1, result.OrphanCount)
	require.Len(t, result.Orphans, 1)
	assert.Equal(t, int64(12), result.Orphans[0].MemberID)
}

func TestRestore_NotFoundAndInvalidName(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)

	_, err := env.mgr.Restore(ctx, "carelink_backup_manual_2020-01-01_00-00-00.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.mgr.Restore(ctx, "../carelink.db")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestValidate_Healthy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)
	rec, err := env.mgr.Create(ctx, TypeClose)
	require.NoError(t, err)

	manifest, err := env.mgr.Validate(ctx, rec.FileName)
	require.NoError(t, err)
	assert.Equal(t, TypeClose, manifest.Type)
	assert.Equal(t, rec.Checksum, manifest.DatabaseSHA256)
	assert.Equal(t, "test", manifest.AppVersion)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)
	rec, err := env.mgr.Create(ctx, TypeManual)
	require.NoError(t, err)

	assert.ErrorIs(t, env.mgr.Delete(ctx, "backups/"+rec.FileName), ErrInvalidName)
	assert.ErrorIs(t, env.mgr.Delete(ctx, "notes.txt"), ErrInvalidName)

	require.NoError(t, env.mgr.Delete(ctx, rec.FileName))
	assert.ErrorIs(t, env.mgr.Delete(ctx, rec.FileName), ErrNotFound)

	records, err := env.mgr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRotate_RemovesExpiredKeepsNewest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)

	old, err := env.mgr.Create(ctx, TypeAuto)
	require.NoError(t, err)
	env.clock.Advance(5 * 24 * time.Hour)

	// Nothing else exists yet: the only backup is never rotated away
	removed, err := env.mgr.Rotate(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)

	fresh, err := env.mgr.Create(ctx, TypeAuto)
	require.NoError(t, err)

	records, err := env.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, fresh.FileName, records[0].FileName)
	assert.NotEqual(t, old.FileName, records[0].FileName)
}

func TestRotate_Disabled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, -1)

	_, err := env.mgr.Create(ctx, TypeAuto)
	require.NoError(t, err)
	env.clock.Advance(400 * 24 * time.Hour)
	_, err = env.mgr.Create(ctx, TypeAuto)
	require.NoError(t, err)

	records, err := env.mgr.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestList_IgnoresForeignFilesAndFallsBackToMtime(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)
	dir := env.mgr.Folder()
	require.NoError(t, os.MkdirAll(dir, 0o700))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "carelink_backup_manual_2025-06-01_10-00-00.zip.tmp"), []byte("x"), 0o600))

	odd := "carelink_backup_manual_2025-13-45_10-00-00.zip"
	require.NoError(t, os.WriteFile(filepath.Join(dir, odd), []byte("not a zip"), 0o600))
	mtime := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(dir, odd), mtime, mtime))

	records, err := env.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, odd, records[0].FileName)
	assert.True(t, records[0].CreatedAt.Equal(mtime))
	assert.True(t, records[0].Corrupt)
}

func TestFutures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 30)
	env.addUser(t, "alice")

	created := env.mgr.CreateAsync(ctx, TypeManual)
	rec, err := created.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-created.Done():
	default:
		t.Fatal("Done must be closed after Wait returns a result")
	}

	env.addUser(t, "bob")
	restored, err := env.mgr.RestoreAsync(ctx, rec.FileName).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.FileName, restored.RestoredFrom)
	assert.False(t, env.hasUser(t, "bob"))
}

func TestFuture_WaitGivesUp(t *testing.T) {
	block := make(chan struct{})
	f := Go(context.Background(), func(context.Context) (int, error) {
		<-block
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}
