// ABOUTME: SQLite implementation of the record store using modernc.org/sqlite
// ABOUTME: Opens the database file, applies goose migrations, and owns snapshot and replace of the file

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/carelink/carelink-core/internal/dbx"
	"github.com/carelink/carelink-core/internal/store/migrations"
)

// SQLiteStore owns the primary database file.
type SQLiteStore struct {
	path   string
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and brings
// the schema up to date. Parent directories are created if needed.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	s := &SQLiteStore{
		path:   abs,
		logger: logger,
	}
	if err := s.open(ctx); err != nil {
		return nil, err
	}

	logger.Info("SQLite store initialized", "path", abs)
	return s, nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (s *SQLiteStore) open(ctx context.Context) error {
	db, err := sqlx.Open("sqlite", dsn(s.path))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("opening database: %w", err)
	}

	if _, err := migrate(ctx, db.DB, s.logger); err != nil {
		_ = db.Close()
		return fmt.Errorf("running migrations: %w", err)
	}

	s.db = db
	return nil
}

func newProvider(db *sql.DB) (*goose.Provider, error) {
	return goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
}

// migrate applies pending migrations and returns the resulting schema version.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) (int64, error) {
	provider, err := newProvider(db)
	if err != nil {
		return 0, fmt.Errorf("creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range results {
		logger.Info("applied migration", "version", r.Source.Version, "path", r.Source.Path)
	}
	return provider.GetDBVersion(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the absolute path of the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// DB exposes the underlying handle for callers composing transactions.
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a transaction on the live database.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return dbx.WithTx(ctx, s.db, nil, fn)
}

// SchemaVersion returns the applied goose version of the live database.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int64, error) {
	provider, err := newProvider(s.db.DB)
	if err != nil {
		return 0, fmt.Errorf("creating migration provider: %w", err)
	}
	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// SnapshotTo writes a transactionally consistent copy of the live database
// to dest, which must not exist yet.
func (s *SQLiteStore) SnapshotTo(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot destination %s already exists", dest)
	}
	quoted := "'" + strings.ReplaceAll(dest, "'", "''") + "'"
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO "+quoted); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("snapshotting database: %w", err)
	}
	s.logger.Debug("snapshot written", "dest", dest)
	return nil
}

// ReplaceWith swaps the live database file for the contents of src and
// reopens it. The caller must hold the database file lock exclusively.
// The source is staged next to the live file first so the final rename stays
// on one filesystem. If the swap fails the original file is reopened.
func (s *SQLiteStore) ReplaceWith(ctx context.Context, src string) error {
	staged := s.path + ".incoming"
	if err := copyFile(src, staged); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("staging replacement: %w", err)
	}
	defer func() { _ = os.Remove(staged) }()

	// Last point where cancellation is honoured.
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("closing live database: %w", err)
		}
		s.db = nil
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("removing sidecar file", "path", s.path+suffix, "error", err)
		}
	}

	renameErr := os.Rename(staged, s.path)
	if err := s.open(ctx); err != nil {
		return fmt.Errorf("reopening database: %w", errors.Join(renameErr, err))
	}
	if renameErr != nil {
		return fmt.Errorf("replacing database file: %w", renameErr)
	}

	s.logger.Info("database file replaced", "source", filepath.Base(src))
	return nil
}

// FileCheck is the result of inspecting a database file that is not live.
type FileCheck struct {
	IntegrityOK   bool
	Message       string
	SchemaVersion int64
}

// CheckFile runs PRAGMA integrity_check against the database at path and
// reads its schema version. The file must exist.
func CheckFile(ctx context.Context, path string) (*FileCheck, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = db.Close() }()

	var messages []string
	if err := db.SelectContext(ctx, &messages, "PRAGMA integrity_check"); err != nil {
		return nil, fmt.Errorf("checking integrity: %w", err)
	}

	check := &FileCheck{
		IntegrityOK: len(messages) == 1 && messages[0] == "ok",
		Message:     strings.Join(messages, "; "),
	}

	var version sql.NullInt64
	err = db.GetContext(ctx, &version, `SELECT MAX(version_id) FROM goose_db_version WHERE is_applied = 1`)
	if err != nil && !strings.Contains(err.Error(), "no such table") {
		return nil, fmt.Errorf("reading schema version: %w", err)
	}
	check.SchemaVersion = version.Int64

	return check, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
