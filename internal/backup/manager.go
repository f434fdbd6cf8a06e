// ABOUTME: Backup creation, listing, validation, restore, deletion, and rotation
// ABOUTME: The rename of a finished archive, or of a restored database, is the commit point

package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/carelink/carelink-core/internal/store"
)

// withIORetry runs fn, retrying once after a short pause. Context errors are
// not retried. Persistent failures are ErrBackupIO.
func (m *Manager) withIORetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(m.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		m.logger.Debug("backup I/O failed", "op", op, "error", err)
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrBackupIO, op, err)
}

// nextName returns an unused archive name for typ at ts.
func (m *Manager) nextName(typ Type, ts time.Time) string {
	base := namePrefix + string(typ) + "_" + ts.UTC().Format(nameTimeFmt)
	name := base + ".zip"
	for i := 2; ; i++ {
		if _, err := os.Lstat(filepath.Join(m.dir, name)); errors.Is(err, fs.ErrNotExist) {
			return name
		}
		name = base + "-" + strconv.Itoa(i) + ".zip"
	}
}

// Create takes a consistent snapshot of the live database and stores it as
// a new archive. Cancellation is honoured until the final rename; the
// existing backup set is never changed by a failed call.
func (m *Manager) Create(ctx context.Context, typ Type) (*Record, error) {
	if !typ.valid() {
		return nil, fmt.Errorf("%w: unknown backup type %q", store.ErrInvalidInput, typ)
	}

	release, err := m.lock.Exclusive(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	return m.createLocked(ctx, typ)
}

func (m *Manager) createLocked(ctx context.Context, typ Type) (*Record, error) {
	if err := m.withIORetry(ctx, "creating backup folder", func(context.Context) error {
		return os.MkdirAll(m.dir, 0o700)
	}); err != nil {
		return nil, err
	}

	createdAt := m.now().UTC()
	name := m.nextName(typ, createdAt)
	final := filepath.Join(m.dir, name)
	tmpZip := final + ".tmp"
	tmpDB := filepath.Join(m.dir, "."+name+".db")
	defer func() { _ = os.Remove(tmpDB) }()

	if err := m.withIORetry(ctx, "snapshotting database", func(ctx context.Context) error {
		_ = os.Remove(tmpDB)
		return m.db.SnapshotTo(ctx, tmpDB)
	}); err != nil {
		return nil, err
	}

	sum, size, err := hashFile(tmpDB)
	if err != nil {
		return nil, fmt.Errorf("%w: hashing snapshot: %w", ErrBackupIO, err)
	}
	schema, err := m.db.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		FormatVersion:  FormatVersion,
		CreatedAt:      createdAt,
		DatabaseSHA256: sum,
		DatabaseSize:   size,
		SchemaVersion:  schema,
		Type:           typ,
		AppVersion:     m.appVersion,
	}

	if err := m.withIORetry(ctx, "writing archive", func(context.Context) error {
		_ = os.Remove(tmpZip)
		return writeArchive(tmpZip, tmpDB, manifest)
	}); err != nil {
		return nil, err
	}

	// Last point where cancellation is honoured.
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmpZip)
		return nil, err
	}
	if err := os.Rename(tmpZip, final); err != nil {
		_ = os.Remove(tmpZip)
		return nil, fmt.Errorf("%w: publishing archive: %w", ErrBackupIO, err)
	}
	syncDir(m.dir)

	info, err := os.Stat(final)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackupIO, err)
	}

	m.logger.Info("backup created", "file", name, "type", typ, "size", info.Size(), "schema_version", schema)

	if _, err := m.rotateLocked(context.WithoutCancel(ctx), name); err != nil {
		m.logger.Warn("backup rotation failed", "error", err)
	}

	return &Record{
		FileName:      name,
		Type:          typ,
		CreatedAt:     createdAt.Truncate(time.Second),
		SizeBytes:     info.Size(),
		Checksum:      sum,
		SchemaVersion: schema,
	}, nil
}

// syncDir flushes directory metadata so a rename survives a crash.
// Not every platform supports it; failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// List re-derives every backup record from the folder, newest first.
// In-progress temporary files are never listed. A missing folder is an
// empty list.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("%w: reading backup folder: %w", ErrBackupIO, err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() {
			continue
		}
		typ, ts, seq, tsOK, ok := parseName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}

		rec := Record{
			FileName:  e.Name(),
			Type:      typ,
			CreatedAt: ts,
			SizeBytes: info.Size(),
			seq:       seq,
		}
		if !tsOK {
			rec.CreatedAt = info.ModTime().UTC().Truncate(time.Second)
		}

		manifest, err := readManifest(filepath.Join(m.dir, e.Name()))
		if err != nil {
			rec.Corrupt = true
			rec.Reason = err.Error()
		} else {
			rec.Checksum = manifest.DatabaseSHA256
			rec.SchemaVersion = manifest.SchemaVersion
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.seq != b.seq {
			return a.seq > b.seq
		}
		return a.FileName > b.FileName
	})
	return records, nil
}

// Status summarises the folder. Two calls with no backup activity in
// between return equal results.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	records, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{BackupCount: len(records), Folder: m.dir}
	for _, r := range records {
		st.TotalSizeBytes += r.SizeBytes
	}
	if len(records) > 0 {
		last := records[0].CreatedAt
		oldest := records[len(records)-1].CreatedAt
		st.LastBackupAt = &last
		st.OldestBackupAt = &oldest
	}
	return st, nil
}

func (m *Manager) pathFor(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	path := filepath.Join(m.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("%w: %w", ErrBackupIO, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}

// extract validates the named archive and leaves its database at a
// temporary path the caller must remove.
func (m *Manager) extract(ctx context.Context, name string) (string, *Manifest, error) {
	path, err := m.pathFor(name)
	if err != nil {
		return "", nil, err
	}

	dest := filepath.Join(m.dir, "."+name+".restore.db")
	_ = os.Remove(dest)

	manifest, err := extractDatabase(path, dest)
	if err != nil {
		return "", nil, err
	}

	check, err := store.CheckFile(ctx, dest)
	if err != nil {
		_ = os.Remove(dest)
		return "", nil, fmt.Errorf("%w: %v", ErrBackupCorrupt, err)
	}
	if !check.IntegrityOK {
		_ = os.Remove(dest)
		return "", nil, fmt.Errorf("%w: integrity check: %s", ErrBackupCorrupt, check.Message)
	}
	return dest, manifest, nil
}

// Validate checks the named archive end to end: manifest, checksum, size,
// and SQLite integrity. It never touches the live database.
func (m *Manager) Validate(ctx context.Context, name string) (*Manifest, error) {
	dest, manifest, err := m.extract(ctx, name)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(dest)
	return manifest, nil
}

// Restore replaces the live database with the named backup. The archive is
// validated before anything is touched; a corrupt archive changes nothing.
// A safety copy of the live database is taken first and put back if the
// swap fails. Orphans found afterwards are reported, not repaired.
func (m *Manager) Restore(ctx context.Context, name string) (*RestoreResult, error) {
	release, err := m.lock.Exclusive(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	extracted, manifest, err := m.extract(ctx, name)
	if err != nil {
		m.logger.Warn("restore refused", "file", name, "error", err)
		return nil, err
	}
	defer func() { _ = os.Remove(extracted) }()

	safety := filepath.Join(m.dir, ".safety-"+strconv.FormatInt(m.now().UnixNano(), 10)+".db")
	if err := m.withIORetry(ctx, "taking safety copy", func(ctx context.Context) error {
		_ = os.Remove(safety)
		return m.db.SnapshotTo(ctx, safety)
	}); err != nil {
		return nil, err
	}

	// Last point where cancellation is honoured.
	if err := ctx.Err(); err != nil {
		_ = os.Remove(safety)
		return nil, err
	}
	commit := context.WithoutCancel(ctx)

	if err := m.db.ReplaceWith(commit, extracted); err != nil {
		if rerr := m.db.ReplaceWith(commit, safety); rerr != nil {
			m.logger.Error("restore failed and safety copy could not be put back",
				"file", name, "safety_copy", safety, "error", err, "rollback_error", rerr)
			return nil, fmt.Errorf("%w: restoring %s: %w (safety copy kept at %s: %v)", ErrBackupIO, name, err, safety, rerr)
		}
		_ = os.Remove(safety)
		m.logger.Error("restore failed, live database put back", "file", name, "error", err)
		return nil, fmt.Errorf("%w: restoring %s: %w", ErrBackupIO, name, err)
	}
	_ = os.Remove(safety)

	result := &RestoreResult{
		RestoredFrom:  name,
		SchemaVersion: manifest.SchemaVersion,
		Orphans:       []store.Orphan{},
	}
	report, err := m.db.ScanOrphans(commit)
	if err != nil {
		return nil, fmt.Errorf("scanning restored database: %w", err)
	}
	result.OrphanCount = report.Total
	result.Orphans = report.Orphans

	if err := m.db.AppendAuditLog(commit, &store.AuditEntry{
		Action:     store.AuditRestoreBackup,
		TargetType: "backup",
		TargetID:   name,
		Detail:     map[string]any{"orphans": report.Total, "schema_version": manifest.SchemaVersion},
	}); err != nil {
		m.logger.Warn("failed to append audit entry", "action", store.AuditRestoreBackup, "error", err)
	}

	m.logger.Info("backup restored", "file", name, "orphans", report.Total)
	return result, nil
}

// Delete removes the named backup permanently.
func (m *Manager) Delete(ctx context.Context, name string) error {
	path, err := m.pathFor(name)
	if err != nil {
		return err
	}

	m.dirMu.Lock()
	err = os.Remove(path)
	m.dirMu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("%w: deleting %s: %w", ErrBackupIO, name, err)
	}

	release, err := m.lock.Exclusive(ctx)
	if err == nil {
		err = m.db.AppendAuditLog(ctx, &store.AuditEntry{
			Action:     store.AuditDeleteBackup,
			TargetType: "backup",
			TargetID:   name,
		})
		release()
	}
	if err != nil {
		m.logger.Warn("failed to append audit entry", "action", store.AuditDeleteBackup, "error", err)
	}

	m.logger.Info("backup deleted", "file", name)
	return nil
}

// Rotate deletes backups older than the retention period. The newest
// backup is always kept.
func (m *Manager) Rotate(ctx context.Context) ([]string, error) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	return m.rotateLocked(ctx, "")
}

func (m *Manager) rotateLocked(ctx context.Context, keep string) ([]string, error) {
	if m.retention <= 0 {
		return nil, nil
	}
	records, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := m.now().Add(-time.Duration(m.retention) * 24 * time.Hour)
	var removed []string
	for i, r := range records {
		if i == 0 || r.FileName == keep || !r.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, r.FileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("%w: removing %s: %w", ErrBackupIO, r.FileName, err)
		}
		removed = append(removed, r.FileName)
	}
	if len(removed) > 0 {
		m.logger.Info("old backups removed", "count", len(removed), "retention_days", m.retention)
	}
	return removed, nil
}

// RunAuto takes an automatic backup every interval until ctx is done.
// A tick that finds the database busy is skipped.
func (m *Manager) RunAuto(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("automatic backups enabled", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			release, ok := m.lock.TryExclusive()
			if !ok {
				m.logger.Debug("database busy, skipping automatic backup")
				continue
			}
			m.dirMu.Lock()
			_, err := m.createLocked(ctx, TypeAuto)
			m.dirMu.Unlock()
			release()
			if err != nil && ctx.Err() == nil {
				m.logger.Error("automatic backup failed", "error", err)
			}
		}
	}
}
