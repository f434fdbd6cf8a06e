// ABOUTME: Referential integrity scan and repair for dependent medical tables
// ABOUTME: Strict scan reports orphans; heuristic remap matches them by exact name and refuses ambiguity

package store

import (
	"context"
	"fmt"

	"github.com/carelink/carelink-core/internal/dbx"
)

// ScanOrphans lists every dependent record whose member_id does not resolve.
// It never mutates the database.
func (s *SQLiteStore) ScanOrphans(ctx context.Context) (*OrphanReport, error) {
	report, err := scanOrphans(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if report.Total > 0 {
		s.logger.Warn("orphan records found", "total", report.Total)
	}
	return report, nil
}

// ScanOrphansTx is ScanOrphans inside the caller's transaction.
func (s *SQLiteStore) ScanOrphansTx(ctx context.Context, q dbx.DBTX) (*OrphanReport, error) {
	return scanOrphans(ctx, q)
}

func scanOrphans(ctx context.Context, q dbx.DBTX) (*OrphanReport, error) {
	report := &OrphanReport{
		Orphans: []Orphan{},
		ByTable: map[string]int{},
	}

	for _, kind := range Kinds() {
		table := kindTables[kind]
		var rows []struct {
			ID       int64 `db:"id"`
			MemberID int64 `db:"member_id"`
		}
		err := q.SelectContext(ctx, &rows, `
			SELECT t.id, t.member_id FROM `+table+` t
			LEFT JOIN members m ON m.id = t.member_id
			WHERE m.id IS NULL
			ORDER BY t.id
		`)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		for _, r := range rows {
			report.Orphans = append(report.Orphans, Orphan{Table: table, RecordID: r.ID, MemberID: r.MemberID})
		}
		if len(rows) > 0 {
			report.ByTable[table] = len(rows)
		}
	}

	report.Total = len(report.Orphans)
	return report, nil
}

// RemapOrphans rewrites orphaned member_id values using an ordered list of
// expected historical identities: identities[i] stands for the member that
// used to have id i+1. An orphan is remapped only when exactly one current
// member has that identity's exact first and last name. Orphans with several
// candidates are returned as AmbiguousRepairErrors and left untouched, and
// the call then also returns an error matching ErrAmbiguousRepair. Unique
// matches are committed either way.
func (s *SQLiteStore) RemapOrphans(ctx context.Context, identities []Identity) (*RemapResult, error) {
	result := &RemapResult{
		Remapped:   []Remap{},
		Ambiguous:  []*AmbiguousRepairError{},
		Unresolved: []Orphan{},
	}

	err := s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		report, err := scanOrphans(ctx, tx)
		if err != nil {
			return err
		}

		candidates := map[Identity][]int64{}
		for _, o := range report.Orphans {
			if o.MemberID < 1 || o.MemberID > int64(len(identities)) {
				result.Unresolved = append(result.Unresolved, o)
				continue
			}
			ident := identities[o.MemberID-1]

			ids, seen := candidates[ident]
			if !seen {
				if err := tx.SelectContext(ctx, &ids,
					`SELECT id FROM members WHERE first_name = ? AND last_name = ? ORDER BY id`,
					ident.FirstName, ident.LastName); err != nil {
					return fmt.Errorf("matching %s %s: %w", ident.FirstName, ident.LastName, err)
				}
				candidates[ident] = ids
			}

			switch len(ids) {
			case 0:
				result.Unresolved = append(result.Unresolved, o)
			case 1:
				if _, err := tx.ExecContext(ctx,
					`UPDATE `+o.Table+` SET member_id = ? WHERE id = ?`, ids[0], o.RecordID); err != nil {
					return fmt.Errorf("remapping %s record %d: %w", o.Table, o.RecordID, err)
				}
				result.Remapped = append(result.Remapped, Remap{Orphan: o, NewMemberID: ids[0]})
			default:
				result.Ambiguous = append(result.Ambiguous, &AmbiguousRepairError{
					Orphan:     o,
					Identity:   ident,
					Candidates: ids,
				})
			}
		}

		if len(result.Remapped) == 0 {
			return nil
		}
		return appendAudit(ctx, tx, &AuditEntry{
			Action:     AuditRemapOrphans,
			TargetType: "database",
			TargetID:   "records",
			Detail: map[string]any{
				"remapped":   len(result.Remapped),
				"ambiguous":  len(result.Ambiguous),
				"unresolved": len(result.Unresolved),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("orphan remap finished",
		"remapped", len(result.Remapped),
		"ambiguous", len(result.Ambiguous),
		"unresolved", len(result.Unresolved),
	)

	if len(result.Ambiguous) > 0 {
		return result, fmt.Errorf("%w: %d records match more than one member", ErrAmbiguousRepair, len(result.Ambiguous))
	}
	return result, nil
}
