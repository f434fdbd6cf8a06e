// ABOUTME: CRUD over the dependent medical tables (appointments, treatments, vaccinations, ...)
// ABOUTME: Every write checks that its member exists and fails with a DanglingReferenceError otherwise

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carelink/carelink-core/internal/dbx"
)

type recordRow struct {
	ID         int64          `db:"id"`
	MemberID   int64          `db:"member_id"`
	Title      string         `db:"title"`
	OccurredOn sql.NullString `db:"occurred_on"`
	Status     sql.NullString `db:"status"`
	Notes      sql.NullString `db:"notes"`
	Details    sql.NullString `db:"details"`
	CreatedAt  string         `db:"created_at"`
	UpdatedAt  string         `db:"updated_at"`
}

func (r recordRow) toRecord(kind Kind) Record {
	return Record{
		ID:         r.ID,
		Kind:       kind,
		MemberID:   r.MemberID,
		Title:      r.Title,
		OccurredOn: r.OccurredOn.String,
		Status:     r.Status.String,
		Notes:      r.Notes.String,
		Details:    r.Details.String,
		CreatedAt:  parseTime(r.CreatedAt),
		UpdatedAt:  parseTime(r.UpdatedAt),
	}
}

func newRecordRow(r *Record) recordRow {
	return recordRow{
		ID:         r.ID,
		MemberID:   r.MemberID,
		Title:      r.Title,
		OccurredOn: nullString(r.OccurredOn),
		Status:     nullString(r.Status),
		Notes:      nullString(r.Notes),
		Details:    nullString(r.Details),
		CreatedAt:  formatTime(r.CreatedAt),
		UpdatedAt:  formatTime(r.UpdatedAt),
	}
}

const recordColumns = `id, member_id, title, occurred_on, status, notes, details, created_at, updated_at`

func validateRecord(r *Record) (string, error) {
	table, err := r.Kind.Table()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(r.Title) == "" {
		return "", fmt.Errorf("%w: record title is required", ErrInvalidInput)
	}
	if err := checkSensitive(map[string]string{"notes": r.Notes, "details": r.Details}); err != nil {
		return "", err
	}
	return table, nil
}

// InsertRecord inserts a dependent record and sets its ID.
// Returns a DanglingReferenceError if MemberID does not resolve.
func (s *SQLiteStore) InsertRecord(ctx context.Context, r *Record) error {
	table, err := validateRecord(r)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	err = s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		ok, err := memberExists(ctx, tx, r.MemberID)
		if err != nil {
			return err
		}
		if !ok {
			return &DanglingReferenceError{Table: table, MemberID: r.MemberID}
		}

		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO `+table+` (member_id, title, occurred_on, status, notes, details, created_at, updated_at)
			VALUES (:member_id, :title, :occurred_on, :status, :notes, :details, :created_at, :updated_at)
		`, newRecordRow(r))
		if err != nil {
			return fmt.Errorf("inserting %s: %w", table, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading %s id: %w", table, err)
		}
		r.ID = id
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("inserted record", "table", table, "id", r.ID, "member_id", r.MemberID)
	return nil
}

// UpdateRecord rewrites a dependent record, including its member.
// Returns a DanglingReferenceError if MemberID does not resolve and
// ErrNotFound if the record does not exist.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, r *Record) error {
	table, err := validateRecord(r)
	if err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()

	return s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		ok, err := memberExists(ctx, tx, r.MemberID)
		if err != nil {
			return err
		}
		if !ok {
			return &DanglingReferenceError{Table: table, MemberID: r.MemberID}
		}

		res, err := tx.NamedExecContext(ctx, `
			UPDATE `+table+` SET member_id = :member_id, title = :title, occurred_on = :occurred_on,
				status = :status, notes = :notes, details = :details, updated_at = :updated_at
			WHERE id = :id
		`, newRecordRow(r))
		if err != nil {
			return fmt.Errorf("updating %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetRecord retrieves one dependent record.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetRecord(ctx context.Context, kind Kind, id int64) (*Record, error) {
	table, err := kind.Table()
	if err != nil {
		return nil, err
	}

	var row recordRow
	err = s.db.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	r := row.toRecord(kind)
	return &r, nil
}

// ListRecords returns a member's records of one kind, most recent first.
func (s *SQLiteStore) ListRecords(ctx context.Context, kind Kind, memberID int64) ([]Record, error) {
	table, err := kind.Table()
	if err != nil {
		return nil, err
	}

	var rows []recordRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT `+recordColumns+` FROM `+table+`
		WHERE member_id = ?
		ORDER BY COALESCE(occurred_on, created_at) DESC, id DESC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", table, err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord(kind))
	}
	return records, nil
}

// DeleteRecord removes one dependent record.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, kind Kind, id int64) error {
	table, err := kind.Table()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
