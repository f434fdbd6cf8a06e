// ABOUTME: Enumerates and rewrites every encrypted value owned by a user
// ABOUTME: Used by password change to rotate all envelopes inside one transaction

package store

import (
	"context"
	"fmt"

	"github.com/carelink/carelink-core/internal/crypt"
	"github.com/carelink/carelink-core/internal/dbx"
)

// sensitiveColumn names one encrypted column and how its rows are keyed.
type sensitiveColumn struct {
	table  string
	column string
	keyCol string
	owned  string // WHERE clause selecting the user's rows, one ? for the user id
}

func sensitiveColumns() []sensitiveColumn {
	cols := []sensitiveColumn{
		{"members", "social_security_number", "id", "owner_user_id = ?"},
		{"members", "notes", "id", "owner_user_id = ?"},
		{"config_entries", "value_envelope", "rowid", "user_id = ?"},
	}
	for _, kind := range Kinds() {
		table := kindTables[kind]
		owned := "member_id IN (SELECT id FROM members WHERE owner_user_id = ?)"
		cols = append(cols,
			sensitiveColumn{table, "notes", "id", owned},
			sensitiveColumn{table, "details", "id", owned},
		)
	}
	return cols
}

// CollectEnvelopes returns every sensitive value owned by userID that claims
// to be an envelope. Legacy plaintext values are skipped. Values that claim
// to be envelopes but do not parse are included so rotation fails on them.
func (s *SQLiteStore) CollectEnvelopes(ctx context.Context, q dbx.DBTX, userID int64) ([]FieldRef, error) {
	var refs []FieldRef
	for _, c := range sensitiveColumns() {
		// substr keeps the prefix match case-sensitive; LIKE would also
		// collect plaintext such as "ENC1:...".
		rows, err := q.QueryContext(ctx,
			`SELECT `+c.keyCol+`, `+c.column+` FROM `+c.table+
				` WHERE `+c.owned+` AND substr(`+c.column+`, 1, ?) = ?`,
			userID, len(crypt.EnvelopePrefix), crypt.EnvelopePrefix)
		if err != nil {
			return nil, fmt.Errorf("collecting %s.%s: %w", c.table, c.column, err)
		}
		for rows.Next() {
			var id int64
			ref := FieldRef{Table: c.table, Column: c.column}
			if err := rows.Scan(&id, &ref.Value); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scanning %s.%s: %w", c.table, c.column, err)
			}
			ref.RowKey = id
			refs = append(refs, ref)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("iterating %s.%s: %w", c.table, c.column, err)
		}
		_ = rows.Close()
	}
	return refs, nil
}

// WriteEnvelopes stores each ref's Value back into its row.
func (s *SQLiteStore) WriteEnvelopes(ctx context.Context, q dbx.DBTX, refs []FieldRef) error {
	allowed := map[string]string{}
	for _, c := range sensitiveColumns() {
		allowed[c.table+"."+c.column] = c.keyCol
	}

	for _, ref := range refs {
		keyCol, ok := allowed[ref.Table+"."+ref.Column]
		if !ok {
			return fmt.Errorf("%s.%s is not a sensitive column", ref.Table, ref.Column)
		}
		if crypt.LooksMalformed(ref.Value) {
			return fmt.Errorf("%s.%s: %w", ref.Table, ref.Column, crypt.ErrMalformedEnvelope)
		}
		res, err := q.ExecContext(ctx,
			`UPDATE `+ref.Table+` SET `+ref.Column+` = ? WHERE `+keyCol+` = ?`, ref.Value, ref.RowKey)
		if err != nil {
			return fmt.Errorf("writing %s.%s: %w", ref.Table, ref.Column, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("writing %s.%s: %w", ref.Table, ref.Column, ErrNotFound)
		}
	}
	return nil
}
