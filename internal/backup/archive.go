// ABOUTME: Zip archive reading and writing for backups
// ABOUTME: Hashes the database while copying so corrupt archives are caught before restore

package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

// hashFile returns the hex sha256 and size of the file at path.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// writeArchive writes dbPath and manifest into a new zip at dest and syncs it.
func writeArchive(dest, dbPath string, manifest *Manifest) (err error) {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	zw := zip.NewWriter(out)

	dbWriter, err := zw.CreateHeader(&zip.FileHeader{
		Name:     dbEntry,
		Method:   zip.Deflate,
		Modified: manifest.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("adding %s: %w", dbEntry, err)
	}
	in, err := os.Open(dbPath)
	if err != nil {
		return err
	}
	_, err = io.Copy(dbWriter, in)
	_ = in.Close()
	if err != nil {
		return fmt.Errorf("writing %s: %w", dbEntry, err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	// Stored uncompressed so the manifest stays human-readable in the archive.
	mw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     manifestName,
		Method:   zip.Store,
		Modified: manifest.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("adding %s: %w", manifestName, err)
	}
	if _, err := mw.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", manifestName, err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing archive: %w", err)
	}
	return out.Sync()
}

func findEntry(r *zip.Reader, name string) *zip.File {
	for _, f := range r.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readManifestEntry(r *zip.Reader) (*Manifest, error) {
	f := findEntry(r, manifestName)
	if f == nil {
		return nil, errors.New("manifest missing")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.FormatVersion < 1 || m.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("unsupported manifest format %d", m.FormatVersion)
	}
	if len(m.DatabaseSHA256) != sha256.Size*2 {
		return nil, errors.New("manifest checksum is malformed")
	}
	return &m, nil
}

// readManifest opens the archive at path and decodes its manifest.
func readManifest(path string) (*Manifest, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()
	return readManifestEntry(&zr.Reader)
}

// extractDatabase copies the database entry of the archive at path to dest
// and checks it against the manifest. Any mismatch is ErrBackupCorrupt.
func extractDatabase(path, dest string) (*Manifest, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening archive: %v", ErrBackupCorrupt, err)
	}
	defer zr.Close()

	manifest, err := readManifestEntry(&zr.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupCorrupt, err)
	}

	f := findEntry(&zr.Reader, dbEntry)
	if f == nil {
		return nil, fmt.Errorf("%w: %s missing", ErrBackupCorrupt, dbEntry)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrBackupCorrupt, dbEntry, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackupIO, err)
	}

	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(out, h), rc)
	syncErr := out.Sync()
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dest)
		// zip reports CRC mismatches as read errors
		return nil, fmt.Errorf("%w: reading %s: %v", ErrBackupCorrupt, dbEntry, copyErr)
	}
	if err := errors.Join(syncErr, closeErr); err != nil {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("%w: %w", ErrBackupIO, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if sum != manifest.DatabaseSHA256 || n != manifest.DatabaseSize {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBackupCorrupt)
	}
	return manifest, nil
}
