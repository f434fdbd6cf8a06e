// ABOUTME: Backup manager types, errors, and construction
// ABOUTME: Backups are immutable zip archives of a database snapshot plus a checksummed manifest

package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/carelink/carelink-core/internal/dblock"
	"github.com/carelink/carelink-core/internal/store"
)

// Sentinel errors
var (
	ErrBackupIO      = errors.New("backup I/O error")
	ErrBackupCorrupt = errors.New("backup is corrupt")
	ErrNotFound      = errors.New("backup not found")
	ErrInvalidName   = errors.New("invalid backup file name")
)

// Type records why a backup was taken.
type Type string

const (
	TypeManual Type = "manual"
	TypeAuto   Type = "auto"
	TypeClose  Type = "close"
)

func (t Type) valid() bool {
	return t == TypeManual || t == TypeAuto || t == TypeClose
}

const (
	namePrefix   = "carelink_backup_"
	nameTimeFmt  = "2006-01-02_15-04-05"
	dbEntry      = "database.db"
	manifestName = "manifest.json"

	// FormatVersion is written into every manifest.
	FormatVersion = 1
)

var nameRE = regexp.MustCompile(`^carelink_backup_(manual|auto|close)_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})(?:-(\d+))?\.zip$`)

// Record describes one backup file. It is derived from the file on every
// call and never stored in the live database.
type Record struct {
	FileName      string    `json:"fileName"`
	Type          Type      `json:"type"`
	CreatedAt     time.Time `json:"createdAt"`
	SizeBytes     int64     `json:"sizeBytes"`
	Checksum      string    `json:"checksum,omitempty"`
	SchemaVersion int64     `json:"schemaVersion,omitempty"`
	Corrupt       bool      `json:"corrupt,omitempty"`
	Reason        string    `json:"reason,omitempty"`

	seq int
}

// Manifest is the metadata entry stored next to the database in each archive.
type Manifest struct {
	FormatVersion  int       `json:"format_version"`
	CreatedAt      time.Time `json:"created_at"`
	DatabaseSHA256 string    `json:"database_sha256"`
	DatabaseSize   int64     `json:"database_size"`
	SchemaVersion  int64     `json:"schema_version"`
	Type           Type      `json:"type"`
	AppVersion     string    `json:"app_version"`
}

// Status summarises the backup folder.
type Status struct {
	LastBackupAt   *time.Time `json:"lastBackupAt"`
	OldestBackupAt *time.Time `json:"oldestBackupAt"`
	BackupCount    int        `json:"backupCount"`
	TotalSizeBytes int64      `json:"totalSizeBytes"`
	Folder         string     `json:"folder"`
}

// RestoreResult reports a completed restore. Orphans are a warning: the
// caller decides whether to run a remap.
type RestoreResult struct {
	RestoredFrom  string         `json:"restoredFrom"`
	SchemaVersion int64          `json:"schemaVersion"`
	OrphanCount   int            `json:"orphanCount"`
	Orphans       []store.Orphan `json:"orphans"`
}

// Database is the live database the manager snapshots and replaces.
type Database interface {
	Path() string
	SnapshotTo(ctx context.Context, dest string) error
	ReplaceWith(ctx context.Context, src string) error
	SchemaVersion(ctx context.Context) (int64, error)
	ScanOrphans(ctx context.Context) (*store.OrphanReport, error)
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

var _ Database = (*store.SQLiteStore)(nil)

// Options configures a Manager.
type Options struct {
	Dir           string
	RetentionDays int // <= 0 disables rotation
	AppVersion    string
	RetryDelay    time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Manager creates, lists, validates, and restores backups of one database.
type Manager struct {
	db         Database
	lock       *dblock.Lock
	dir        string
	retention  int
	appVersion string
	retryDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger

	// dirMu serialises changes to the backup folder.
	dirMu sync.Mutex
}

// New creates a manager for db. lock must be the lock for db's file.
func New(db Database, lock *dblock.Lock, opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving backup directory: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.AppVersion == "" {
		opts.AppVersion = "dev"
	}

	return &Manager{
		db:         db,
		lock:       lock,
		dir:        dir,
		retention:  opts.RetentionDays,
		appVersion: opts.AppVersion,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "backup"),
	}, nil
}

// Folder returns the backup directory. It has no side effects.
func (m *Manager) Folder() string {
	return m.dir
}

// parseName extracts type, timestamp, and collision suffix from a backup
// file name. ok is false for names that are not backups.
func parseName(name string) (typ Type, ts time.Time, seq int, tsOK bool, ok bool) {
	match := nameRE.FindStringSubmatch(name)
	if match == nil {
		return "", time.Time{}, 0, false, false
	}
	typ = Type(match[1])
	ts, err := time.ParseInLocation(nameTimeFmt, match[2], time.UTC)
	tsOK = err == nil
	if match[3] != "" {
		seq, _ = strconv.Atoi(match[3])
	}
	return typ, ts, seq, tsOK, true
}

// checkName rejects anything that is not a plain backup file name.
func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || filepath.IsAbs(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, _, _, _, ok := parseName(name); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
