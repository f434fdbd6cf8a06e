// ABOUTME: Member CRUD for the medical schema root entity
// ABOUTME: Member deletion cascades explicitly through every dependent table in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carelink/carelink-core/internal/crypt"
	"github.com/carelink/carelink-core/internal/dbx"
)

type memberRow struct {
	ID                   int64          `db:"id"`
	OwnerUserID          int64          `db:"owner_user_id"`
	FirstName            string         `db:"first_name"`
	LastName             string         `db:"last_name"`
	BirthDate            sql.NullString `db:"birth_date"`
	Sex                  sql.NullString `db:"sex"`
	BloodType            sql.NullString `db:"blood_type"`
	Phone                sql.NullString `db:"phone"`
	Email                sql.NullString `db:"email"`
	SocialSecurityNumber sql.NullString `db:"social_security_number"`
	Notes                sql.NullString `db:"notes"`
	CreatedAt            string         `db:"created_at"`
	UpdatedAt            string         `db:"updated_at"`
}

func (r memberRow) toMember() Member {
	return Member{
		ID:                   r.ID,
		OwnerUserID:          r.OwnerUserID,
		FirstName:            r.FirstName,
		LastName:             r.LastName,
		BirthDate:            r.BirthDate.String,
		Sex:                  r.Sex.String,
		BloodType:            r.BloodType.String,
		Phone:                r.Phone.String,
		Email:                r.Email.String,
		SocialSecurityNumber: r.SocialSecurityNumber.String,
		Notes:                r.Notes.String,
		CreatedAt:            parseTime(r.CreatedAt),
		UpdatedAt:            parseTime(r.UpdatedAt),
	}
}

func newMemberRow(m *Member) memberRow {
	return memberRow{
		ID:                   m.ID,
		OwnerUserID:          m.OwnerUserID,
		FirstName:            m.FirstName,
		LastName:             m.LastName,
		BirthDate:            nullString(m.BirthDate),
		Sex:                  nullString(m.Sex),
		BloodType:            nullString(m.BloodType),
		Phone:                nullString(m.Phone),
		Email:                nullString(m.Email),
		SocialSecurityNumber: nullString(m.SocialSecurityNumber),
		Notes:                nullString(m.Notes),
		CreatedAt:            formatTime(m.CreatedAt),
		UpdatedAt:            formatTime(m.UpdatedAt),
	}
}

const memberColumns = `id, owner_user_id, first_name, last_name, birth_date, sex, blood_type,
	phone, email, social_security_number, notes, created_at, updated_at`

func validateMember(m *Member) error {
	if strings.TrimSpace(m.FirstName) == "" || strings.TrimSpace(m.LastName) == "" {
		return fmt.Errorf("%w: member first and last name are required", ErrInvalidInput)
	}
	return checkSensitive(map[string]string{
		"social_security_number": m.SocialSecurityNumber,
		"notes":                  m.Notes,
	})
}

// checkSensitive refuses values that claim to be envelopes but do not parse.
func checkSensitive(values map[string]string) error {
	for column, v := range values {
		if crypt.LooksMalformed(v) {
			return fmt.Errorf("%s: %w", column, crypt.ErrMalformedEnvelope)
		}
	}
	return nil
}

// CreateMember inserts a member and sets its ID.
func (s *SQLiteStore) CreateMember(ctx context.Context, m *Member) error {
	if err := validateMember(m); err != nil {
		return err
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO members (owner_user_id, first_name, last_name, birth_date, sex, blood_type,
			phone, email, social_security_number, notes, created_at, updated_at)
		VALUES (:owner_user_id, :first_name, :last_name, :birth_date, :sex, :blood_type,
			:phone, :email, :social_security_number, :notes, :created_at, :updated_at)
	`, newMemberRow(m))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: owner user %d does not exist", ErrInvalidInput, m.OwnerUserID)
		}
		return fmt.Errorf("inserting member: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading member id: %w", err)
	}
	m.ID = id

	s.logger.Debug("created member", "id", m.ID)
	return nil
}

// GetMember retrieves a member by ID.
// Returns ErrNotFound if the member doesn't exist.
func (s *SQLiteStore) GetMember(ctx context.Context, id int64) (*Member, error) {
	var row memberRow
	err := s.db.GetContext(ctx, &row, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying member: %w", err)
	}
	m := row.toMember()
	return &m, nil
}

// ListMembers returns the members owned by a user, ordered by ID.
func (s *SQLiteStore) ListMembers(ctx context.Context, ownerUserID int64) ([]Member, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+memberColumns+` FROM members WHERE owner_user_id = ? ORDER BY id`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}

	members := make([]Member, 0, len(rows))
	for _, r := range rows {
		members = append(members, r.toMember())
	}
	return members, nil
}

// UpdateMember rewrites a member's fields.
// Returns ErrNotFound if the member doesn't exist.
func (s *SQLiteStore) UpdateMember(ctx context.Context, m *Member) error {
	if err := validateMember(m); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()

	res, err := s.db.NamedExecContext(ctx, `
		UPDATE members SET first_name = :first_name, last_name = :last_name, birth_date = :birth_date,
			sex = :sex, blood_type = :blood_type, phone = :phone, email = :email,
			social_security_number = :social_security_number, notes = :notes, updated_at = :updated_at
		WHERE id = :id
	`, newMemberRow(m))
	if err != nil {
		return fmt.Errorf("updating member: %w", err)
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

// DeleteMember removes a member and every dependent record referencing it.
// Returns the number of dependent records removed, or ErrNotFound.
func (s *SQLiteStore) DeleteMember(ctx context.Context, id int64) (int64, error) {
	var removed int64
	err := s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		removed, err = deleteMemberCascade(ctx, tx, id)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("deleted member", "id", id, "dependents", removed)
	return removed, nil
}

func deleteMemberCascade(ctx context.Context, q dbx.DBTX, memberID int64) (int64, error) {
	var removed int64
	for _, kind := range Kinds() {
		table := kindTables[kind]
		res, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE member_id = ?`, memberID)
		if err != nil {
			return 0, fmt.Errorf("deleting %s of member %d: %w", table, memberID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("checking rows affected: %w", err)
		}
		removed += n
	}

	res, err := q.ExecContext(ctx, `DELETE FROM members WHERE id = ?`, memberID)
	if err != nil {
		return 0, fmt.Errorf("deleting member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return removed, nil
}

func memberExists(ctx context.Context, q dbx.DBTX, id int64) (bool, error) {
	var one int
	err := q.GetContext(ctx, &one, `SELECT 1 FROM members WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking member %d: %w", id, err)
	}
	return true, nil
}
