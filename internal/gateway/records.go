// ABOUTME: Member, medical record, and integrity operations for the logged-in user
// ABOUTME: Sensitive fields are sealed on the way in and returned as stored envelopes

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carelink/carelink-core/internal/auth"
	"github.com/carelink/carelink-core/internal/crypt"
	"github.com/carelink/carelink-core/internal/store"
)

// MemberFields are the editable member attributes. SocialSecurityNumber and
// Notes may be plaintext, which is encrypted, or envelopes from encryptText.
type MemberFields struct {
	FirstName            string `json:"firstName"`
	LastName             string `json:"lastName"`
	BirthDate            string `json:"birthDate,omitempty"`
	Sex                  string `json:"sex,omitempty"`
	BloodType            string `json:"bloodType,omitempty"`
	Phone                string `json:"phone,omitempty"`
	Email                string `json:"email,omitempty"`
	SocialSecurityNumber string `json:"socialSecurityNumber,omitempty"`
	Notes                string `json:"notes,omitempty"`
}

type MemberUpdateArgs struct {
	MemberID int64 `json:"memberId"`
	MemberFields
}

type MemberIDArgs struct {
	MemberID int64 `json:"memberId"`
}

type MemberView struct {
	ID int64 `json:"id"`
	MemberFields
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func memberView(m *store.Member) MemberView {
	return MemberView{
		ID: m.ID,
		MemberFields: MemberFields{
			FirstName:            m.FirstName,
			LastName:             m.LastName,
			BirthDate:            m.BirthDate,
			Sex:                  m.Sex,
			BloodType:            m.BloodType,
			Phone:                m.Phone,
			Email:                m.Email,
			SocialSecurityNumber: m.SocialSecurityNumber,
			Notes:                m.Notes,
		},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// seal encrypts a sensitive value with the session's current key. An
// envelope is kept as-is only if that key opens it, so values sealed under an
// older key version or by another user are refused. Callers hold the
// exclusive lock so a password change cannot rotate the key in between.
func seal(sess *auth.Session, value string) (string, error) {
	if value == "" {
		return value, nil
	}
	k := sess.Key()
	if crypt.IsEnvelope(value) {
		if _, err := crypt.DecryptString(value, k); err != nil {
			return "", err
		}
		return value, nil
	}
	return crypt.EncryptString(value, k)
}

func (f MemberFields) toMember(sess *auth.Session) (*store.Member, error) {
	ssn, err := seal(sess, f.SocialSecurityNumber)
	if err != nil {
		return nil, err
	}
	notes, err := seal(sess, f.Notes)
	if err != nil {
		return nil, err
	}
	return &store.Member{
		OwnerUserID:          sess.UserID,
		FirstName:            f.FirstName,
		LastName:             f.LastName,
		BirthDate:            f.BirthDate,
		Sex:                  f.Sex,
		BloodType:            f.BloodType,
		Phone:                f.Phone,
		Email:                f.Email,
		SocialSecurityNumber: ssn,
		Notes:                notes,
	}, nil
}

// ownedMember loads a member of the session user. Members of other users
// are reported as not found.
func (g *Gateway) ownedMember(ctx context.Context, id int64) (*store.Member, error) {
	sess := auth.MustFromContext(ctx)
	m, err := g.store.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.OwnerUserID != sess.UserID {
		return nil, fmt.Errorf("%w: member %d", store.ErrNotFound, id)
	}
	return m, nil
}

// MemberCreate adds a member to the logged-in user's family.
func (g *Gateway) MemberCreate(ctx context.Context, args MemberFields) (*MemberView, error) {
	ctx, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	m, err := exclusive(ctx, g.lock, func() (*store.Member, error) {
		m, err := args.toMember(sess)
		if err != nil {
			return nil, err
		}
		return m, g.store.CreateMember(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	v := memberView(m)
	return &v, nil
}

// MemberUpdate replaces a member's attributes.
func (g *Gateway) MemberUpdate(ctx context.Context, args MemberUpdateArgs) (*MemberView, error) {
	ctx, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	updated, err := exclusive(ctx, g.lock, func() (*store.Member, error) {
		if _, err := g.ownedMember(ctx, args.MemberID); err != nil {
			return nil, err
		}
		m, err := args.toMember(sess)
		if err != nil {
			return nil, err
		}
		m.ID = args.MemberID
		if err := g.store.UpdateMember(ctx, m); err != nil {
			return nil, err
		}
		return g.store.GetMember(ctx, m.ID)
	})
	if err != nil {
		return nil, err
	}
	v := memberView(updated)
	return &v, nil
}

// MemberList returns the logged-in user's members.
func (g *Gateway) MemberList(ctx context.Context, _ NoArgs) ([]MemberView, error) {
	ctx, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	members, err := shared(ctx, g.lock, func() ([]store.Member, error) {
		return g.store.ListMembers(ctx, sess.UserID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]MemberView, 0, len(members))
	for i := range members {
		out = append(out, memberView(&members[i]))
	}
	return out, nil
}

type MemberDeleteResult struct {
	RemovedRecords int64 `json:"removedRecords"`
}

// MemberDelete removes a member and every record that references it.
func (g *Gateway) MemberDelete(ctx context.Context, args MemberIDArgs) (*MemberDeleteResult, error) {
	ctx, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	removed, err := exclusive(ctx, g.lock, func() (int64, error) {
		if _, err := g.ownedMember(ctx, args.MemberID); err != nil {
			return 0, err
		}
		removed, err := g.store.DeleteMember(ctx, args.MemberID)
		if err != nil {
			return 0, err
		}
		g.audit(ctx, &store.AuditEntry{
			ActorUserID: actor(sess),
			Action:      store.AuditDeleteMember,
			TargetType:  "member",
			TargetID:    idString(args.MemberID),
			Detail:      map[string]any{"removed_records": removed},
		})
		return removed, nil
	})
	if err != nil {
		return nil, err
	}
	return &MemberDeleteResult{RemovedRecords: removed}, nil
}

// RecordFields are the attributes of a dependent medical record. Notes and
// Details are sensitive.
type RecordFields struct {
	Kind       store.Kind `json:"kind"`
	MemberID   int64      `json:"memberId"`
	Title      string     `json:"title"`
	OccurredOn string     `json:"occurredOn,omitempty"`
	Status     string     `json:"status,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	Details    string     `json:"details,omitempty"`
}

type RecordView struct {
	ID int64 `json:"id"`
	RecordFields
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func recordView(r *store.Record) RecordView {
	return RecordView{
		ID: r.ID,
		RecordFields: RecordFields{
			Kind:       r.Kind,
			MemberID:   r.MemberID,
			Title:      r.Title,
			OccurredOn: r.OccurredOn,
			Status:     r.Status,
			Notes:      r.Notes,
			Details:    r.Details,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type RecordListArgs struct {
	Kind     store.Kind `json:"kind"`
	MemberID int64      `json:"memberId"`
}

type RecordIDArgs struct {
	Kind store.Kind `json:"kind"`
	ID   int64      `json:"id"`
}

// checkRecordMember verifies the member of a record write. A member that
// does not exist is a dangling reference; one owned by another user is not
// found.
func (g *Gateway) checkRecordMember(ctx context.Context, kind store.Kind, memberID int64) error {
	table, err := kind.Table()
	if err != nil {
		return err
	}
	_, err = g.ownedMember(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) {
		if _, gerr := g.store.GetMember(ctx, memberID); errors.Is(gerr, store.ErrNotFound) {
			return &store.DanglingReferenceError{Table: table, MemberID: memberID}
		}
	}
	return err
}

func (f RecordFields) toRecord(sess *auth.Session) (*store.Record, error) {
	notes, err := seal(sess, f.Notes)
	if err != nil {
		return nil, err
	}
	details, err := seal(sess, f.Details)
	if err != nil {
		return nil, err
	}
	return &store.Record{
		Kind:       f.Kind,
		MemberID:   f.MemberID,
		Title:      f.Title,
		OccurredOn: f.OccurredOn,
		Status:     f.Status,
		Notes:      notes,
		Details:    details,
	}, nil
}

// RecordInsert adds a medical record to one of the logged-in user's members.
func (g *Gateway) RecordInsert(ctx context.Context, args RecordFields) (*RecordView, error) {
	ctx, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	r, err := exclusive(ctx, g.lock, func() (*store.Record, error) {
		if err := g.checkRecordMember(ctx, args.Kind, args.MemberID); err != nil {
			return nil, err
		}
		r, err := args.toRecord(sess)
		if err != nil {
			return nil, err
		}
		return r, g.store.InsertRecord(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	v := recordView(r)
	return &v, nil
}

type RecordUpdateArgs struct {
	ID int64 `json:"id"`
	RecordFields
}

// RecordUpdate replaces a record's fields. Moving it to another member
// requires that member to belong to the same user.
func (g *Gateway) RecordUpdate(ctx context.Context, args RecordUpdateArgs) (*RecordView, error) {
	ctx, sess, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	return exclusive(ctx, g.lock, func() (*RecordView, error) {
		current, err := g.store.GetRecord(ctx, args.Kind, args.ID)
		if err != nil {
			return nil, err
		}
		if _, err := g.ownedMember(ctx, current.MemberID); err != nil {
			return nil, err
		}
		if err := g.checkRecordMember(ctx, args.Kind, args.MemberID); err != nil {
			return nil, err
		}
		r, err := args.toRecord(sess)
		if err != nil {
			return nil, err
		}
		r.ID = args.ID
		if err := g.store.UpdateRecord(ctx, r); err != nil {
			return nil, err
		}
		updated, err := g.store.GetRecord(ctx, args.Kind, args.ID)
		if err != nil {
			return nil, err
		}
		v := recordView(updated)
		return &v, nil
	})
}

// RecordList returns the records of one kind for a member.
func (g *Gateway) RecordList(ctx context.Context, args RecordListArgs) ([]RecordView, error) {
	ctx, _, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	records, err := shared(ctx, g.lock, func() ([]store.Record, error) {
		if _, err := g.ownedMember(ctx, args.MemberID); err != nil {
			return nil, err
		}
		return g.store.ListRecords(ctx, args.Kind, args.MemberID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]RecordView, 0, len(records))
	for i := range records {
		out = append(out, recordView(&records[i]))
	}
	return out, nil
}

// RecordDelete removes one medical record.
func (g *Gateway) RecordDelete(ctx context.Context, args RecordIDArgs) (*struct{}, error) {
	ctx, _, err := g.withSession(ctx)
	if err != nil {
		return nil, err
	}
	_, err = exclusive(ctx, g.lock, func() (struct{}, error) {
		r, err := g.store.GetRecord(ctx, args.Kind, args.ID)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := g.ownedMember(ctx, r.MemberID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, g.store.DeleteRecord(ctx, args.Kind, args.ID)
	})
	if err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

// IntegrityScan reports every dependent record whose member is missing.
// It runs exclusively so the report reflects one consistent state.
func (g *Gateway) IntegrityScan(ctx context.Context, _ NoArgs) (*store.OrphanReport, error) {
	if _, _, err := g.withSession(ctx); err != nil {
		return nil, err
	}
	return exclusive(ctx, g.lock, func() (*store.OrphanReport, error) {
		return g.store.ScanOrphans(ctx)
	})
}

type RemapArgs struct {
	// Identities are the historical members in id order: entry i stood
	// for member id i+1.
	Identities []store.Identity `json:"identities"`
}

// IntegrityRemap reassigns orphans to live members by exact name. An
// ambiguous match fails with AmbiguousRepair and the partial result in the
// error details; unambiguous matches are still applied.
func (g *Gateway) IntegrityRemap(ctx context.Context, args RemapArgs) (*store.RemapResult, error) {
	if _, _, err := g.withSession(ctx); err != nil {
		return nil, err
	}
	result, err := exclusive(ctx, g.lock, func() (*store.RemapResult, error) {
		return g.store.RemapOrphans(ctx, args.Identities)
	})
	if err != nil {
		if result != nil {
			return nil, withDetails(err, result)
		}
		return nil, err
	}
	return result, nil
}
