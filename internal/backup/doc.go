// Package backup manages point-in-time backups of the carelink database.
//
// # Archive Layout
//
// Each backup is one zip file in the backup folder:
//
//	carelink_backup_<manual|auto|close>_YYYY-MM-DD_HH-MM-SS.zip
//	  database.db     VACUUM INTO snapshot of the live database
//	  manifest.json   format version, sha256, size, schema version, type
//
// Archives are written under a .tmp name, synced, and renamed into place.
// List only ever sees finished archives. Encrypted fields are stored as the
// envelopes they already are.
//
// # Restore
//
// Restore validates the archive (manifest, checksum, size, SQLite
// integrity) before touching the live database, snapshots the live database
// to a safety copy, swaps the file, and scans for orphaned records. If the
// swap fails the safety copy goes back.
//
// # Locking
//
// Create and Restore hold the database file lock exclusively for their
// whole run. Cancellation is honoured up to the final rename.
package backup
