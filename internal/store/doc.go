// Package store provides persistent storage for carelink-core using SQLite.
//
// # Architecture
//
// SQLiteStore exclusively owns the primary database file. It covers:
//
//   - Users: login verifiers, salts, key versions
//   - Members: root of the medical schema
//   - Records: eight dependent tables keyed by member_id
//   - Config entries: encrypted third-party credentials
//   - Audit log: destructive and security-relevant actions
//
// # Data Models
//
// Dependent record kinds share one shape (title, date, status, notes,
// details). Their tables are:
//
//	appointments, treatments, vaccinations, allergies,
//	antecedents, diagnoses, lab_results, consultations
//
// Sensitive columns (members.social_security_number, members.notes,
// <record>.notes, <record>.details, config_entries.value_envelope) hold either
// legacy plaintext or a crypt envelope. A value that starts like an envelope
// but does not parse is refused on write.
//
// # Referential Integrity
//
// Record writes check their member inside the same transaction and fail with
// a *DanglingReferenceError. DeleteMember removes dependents explicitly.
// ScanOrphans (strict) and RemapOrphans (heuristic, exact-name, refuses
// ambiguous matches) handle files restored from older installs.
//
// # SQLite Configuration
//
// Every pooled connection is opened with:
//
//	PRAGMA foreign_keys=ON;
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// # Migrations
//
// Migrations are embedded from internal/store/migrations and applied with
// goose on open, including after ReplaceWith swaps in a restored file.
//
// # File Ownership
//
// SnapshotTo writes a consistent copy with VACUUM INTO. ReplaceWith swaps the
// live file for another and reopens it; callers hold the database file lock.
//
// # Testing
//
// Tests open a real database under t.TempDir().
package store
