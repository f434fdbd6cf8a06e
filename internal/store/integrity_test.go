// ABOUTME: Tests for orphan scanning, heuristic remap, and envelope rotation plumbing
// ABOUTME: Orphans are injected with raw SQL the way an old restored file would contain them

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/carelink-core/internal/crypt"
	"github.com/carelink/carelink-core/internal/dbx"
)

// insertOrphan writes a dependent row without any member check.
func insertOrphan(t *testing.T, s *SQLiteStore, table string, memberID int64) int64 {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.DB().ExecContext(context.Background(),
		`INSERT INTO `+table+` (member_id, title, created_at, updated_at) VALUES (?, 'legacy', ?, ?)`,
		memberID, now, now)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestScanOrphans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	owner := newTestUser(t, s, "alice")
	m := newTestMember(t, s, owner.ID, "Jean", "Dupont")

	require.NoError(t, s.InsertRecord(ctx, &Record{Kind: KindTreatment, MemberID: m.ID, Title: "ok"}))
	tid := insertOrphan(t, s, "treatments", 40)
	insertOrphan(t, s, "lab_results", 41)
	insertOrphan(t, s, "lab_results", 42)

	report, err := s.ScanOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.ByTable["treatments"])
	assert.Equal(t, 2, report.ByTable["lab_results"])
	assert.Contains(t, report.Orphans, Orphan{Table: "treatments", RecordID: tid, MemberID: 40})

	// Scanning never mutates
	again, err := s.ScanOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, report, again)
}

func TestRemapOrphans_Unique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	owner := newTestUser(t, s, "alice")
	newTestMember(t, s, owner.ID, "Marie", "Dupont")
	jean := newTestMember(t, s, owner.ID, "Jean", "Dupont")

	// Old install: Jean Dupont was member 1
	rid := insertOrphan(t, s, "treatments", 1)
	_, err := s.DB().ExecContext(ctx, `DELETE FROM members WHERE id = 1`)
	require.NoError(t, err)

	identities := []Identity{{FirstName: "Jean", LastName: "Dupont"}}
	result, err := s.RemapOrphans(ctx, identities)
	require.NoError(t, err)
	require.Len(t, result.Remapped, 1)
	assert.Equal(t, jean.ID, result.Remapped[0].NewMemberID)
	assert.Equal(t, rid, result.Remapped[0].RecordID)
	assert.Empty(t, result.Ambiguous)

	got, err := s.GetRecord(ctx, KindTreatment, rid)
	require.NoError(t, err)
	assert.Equal(t, jean.ID, got.MemberID)

	report, err := s.ScanOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total)

	entries, err := s.ListAuditLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditRemapOrphans, entries[0].Action)
}

func TestRemapOrphans_AmbiguousIsRefused(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	owner := newTestUser(t, s, "alice")
	newTestMember(t, s, owner.ID, "Jean", "Dupont")
	newTestMember(t, s, owner.ID, "Jean", "Dupont")
	marie := newTestMember(t, s, owner.ID, "Marie", "Curie")

	ambiguous := insertOrphan(t, s, "allergies", 10)
	unique := insertOrphan(t, s, "allergies", 11)
	unresolved := insertOrphan(t, s, "allergies", 99)

	identities := make([]Identity, 11)
	identities[9] = Identity{FirstName: "Jean", LastName: "Dupont"}
	identities[10] = Identity{FirstName: "Marie", LastName: "Curie"}

	result, err := s.RemapOrphans(ctx, identities)
	require.ErrorIs(t, err, ErrAmbiguousRepair)
	require.NotNil(t, result)

	require.Len(t, result.Ambiguous, 1)
	assert.Equal(t, ambiguous, result.Ambiguous[0].Orphan.RecordID)
	assert.Len(t, result.Ambiguous[0].Candidates, 2)

	require.Len(t, result.Remapped, 1)
	assert.Equal(t, unique, result.Remapped[0].RecordID)
	assert.Equal(t, marie.ID, result.Remapped[0].NewMemberID)

	require.Len(t, result.Unresolved, 1)
	assert.Equal(t, unresolved, result.Unresolved[0].RecordID)

	got, err := s.GetRecord(ctx, KindAllergy, ambiguous)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.MemberID, "ambiguous orphan left untouched")
}

func TestRemapOrphans_NothingToDo(t *testing.T) {
	s := newTestStore(t)

	result, err := s.RemapOrphans(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Remapped)

	entries, err := s.ListAuditLog(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "no audit entry without changes")
}

func TestCollectAndWriteEnvelopes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")
	k := testKey(t, "Secret123", 1)

	enc := func(v string) string {
		env, err := crypt.EncryptString(v, k)
		require.NoError(t, err)
		return env
	}

	am := &Member{OwnerUserID: alice.ID, FirstName: "Jean", LastName: "Dupont", SocialSecurityNumber: enc("1500412"), Notes: "legacy plaintext"}
	require.NoError(t, s.CreateMember(ctx, am))
	require.NoError(t, s.InsertRecord(ctx, &Record{Kind: KindConsultation, MemberID: am.ID, Title: "GP", Details: enc("fever")}))
	require.NoError(t, s.UpsertConfigEntry(ctx, &ConfigEntry{Key: "llm.api_key", UserID: alice.ID, ValueEnvelope: enc("sk")}))

	bm := &Member{OwnerUserID: bob.ID, FirstName: "Claude", LastName: "Martin", Notes: enc("bob's")}
	require.NoError(t, s.CreateMember(ctx, bm))

	var refs []FieldRef
	err := s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		refs, err = s.CollectEnvelopes(ctx, tx, alice.ID)
		return err
	})
	require.NoError(t, err)
	require.Len(t, refs, 3, "plaintext and other users' values are skipped")

	k2 := testKey(t, "NewSecret456", 2)
	for i := range refs {
		plain, err := crypt.DecryptString(refs[i].Value, k)
		require.NoError(t, err)
		refs[i].Value, err = crypt.EncryptString(plain, k2)
		require.NoError(t, err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return s.WriteEnvelopes(ctx, tx, refs)
	})
	require.NoError(t, err)

	got, err := s.GetMember(ctx, am.ID)
	require.NoError(t, err)
	ssn, err := crypt.DecryptString(got.SocialSecurityNumber, k2)
	require.NoError(t, err)
	assert.Equal(t, "1500412", ssn)
	assert.Equal(t, "legacy plaintext", got.Notes)

	entry, err := s.GetConfigEntry(ctx, alice.ID, "llm.api_key")
	require.NoError(t, err)
	_, err = crypt.DecryptString(entry.ValueEnvelope, k2)
	assert.NoError(t, err)
}

func TestWriteEnvelopes_RejectsUnknownColumn(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return s.WriteEnvelopes(ctx, tx, []FieldRef{{Table: "users", Column: "username", RowKey: int64(1), Value: "x"}})
	})
	assert.Error(t, err)

	err = s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return s.WriteEnvelopes(ctx, tx, []FieldRef{{Table: "members", Column: "notes", RowKey: int64(1), Value: "x"}})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectEnvelopes_PrefixIsCaseSensitive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := newTestUser(t, s, "alice")
	env, err := crypt.EncryptString("1500412", testKey(t, "Secret123", 1))
	require.NoError(t, err)

	m := &Member{OwnerUserID: alice.ID, FirstName: "Jean", LastName: "Dupont", SocialSecurityNumber: env, Notes: "ENC1:typed by hand"}
	require.NoError(t, s.CreateMember(ctx, m))
	require.NoError(t, s.InsertRecord(ctx, &Record{Kind: KindConsultation, MemberID: m.ID, Title: "GP", Details: "Enc1:not an envelope"}))

	var refs []FieldRef
	err = s.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		refs, err = s.CollectEnvelopes(ctx, tx, alice.ID)
		return err
	})
	require.NoError(t, err)
	require.Len(t, refs, 1, "plaintext with a differently cased prefix is not an envelope")
	assert.Equal(t, "social_security_number", refs[0].Column)
	assert.Equal(t, env, refs[0].Value)
}
