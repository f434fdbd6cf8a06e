// ABOUTME: Data types and sentinel errors for the carelink record store
// ABOUTME: Defines users, members, medical records, config entries, and integrity findings

package store

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateUser     = errors.New("username already exists")
	ErrDanglingReference = errors.New("dangling member reference")
	ErrAmbiguousRepair   = errors.New("ambiguous orphan repair")
	ErrUnknownKind       = errors.New("unknown record kind")
	ErrInvalidInput      = errors.New("invalid input")
)

// User is a local account. PasswordHash holds the login verifier derived
// from the password; raw keys are never stored.
type User struct {
	ID           int64
	Username     string
	PasswordHash []byte
	PasswordSalt []byte
	KeyVersion   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Member is the root of the medical schema. SocialSecurityNumber and Notes
// are sensitive and normally hold envelopes.
type Member struct {
	ID                   int64
	OwnerUserID          int64
	FirstName            string
	LastName             string
	BirthDate            string // YYYY-MM-DD
	Sex                  string
	BloodType            string
	Phone                string
	Email                string
	SocialSecurityNumber string
	Notes                string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Kind names a dependent medical table.
type Kind string

const (
	KindAppointment  Kind = "appointment"
	KindTreatment    Kind = "treatment"
	KindVaccination  Kind = "vaccination"
	KindAllergy      Kind = "allergy"
	KindAntecedent   Kind = "antecedent"
	KindDiagnosis    Kind = "diagnosis"
	KindLabResult    Kind = "lab_result"
	KindConsultation Kind = "consultation"
)

var kindTables = map[Kind]string{
	KindAppointment:  "appointments",
	KindTreatment:    "treatments",
	KindVaccination:  "vaccinations",
	KindAllergy:      "allergies",
	KindAntecedent:   "antecedents",
	KindDiagnosis:    "diagnoses",
	KindLabResult:    "lab_results",
	KindConsultation: "consultations",
}

// Kinds lists every record kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindAppointment,
		KindTreatment,
		KindVaccination,
		KindAllergy,
		KindAntecedent,
		KindDiagnosis,
		KindLabResult,
		KindConsultation,
	}
}

// Table returns the table backing k.
func (k Kind) Table() (string, error) {
	t, ok := kindTables[k]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
	return t, nil
}

// Record is a row in one of the dependent medical tables. Notes and
// Details are sensitive.
type Record struct {
	ID         int64
	Kind       Kind
	MemberID   int64
	Title      string
	OccurredOn string
	Status     string
	Notes      string
	Details    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ConfigEntry is an encrypted third-party credential.
type ConfigEntry struct {
	Key           string
	UserID        int64
	ValueEnvelope string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DanglingReferenceError is returned when a record write names a member that
// does not exist.
type DanglingReferenceError struct {
	Table    string
	MemberID int64
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("%s: member %d does not exist", e.Table, e.MemberID)
}

func (e *DanglingReferenceError) Is(target error) bool { return target == ErrDanglingReference }

// Orphan is a dependent record whose member_id resolves to nothing.
type Orphan struct {
	Table    string `json:"table"`
	RecordID int64  `json:"recordId"`
	MemberID int64  `json:"memberId"`
}

// OrphanReport is the result of a strict integrity scan.
type OrphanReport struct {
	Orphans []Orphan       `json:"orphans"`
	ByTable map[string]int `json:"byTable"`
	Total   int            `json:"total"`
}

// Identity is an expected historical member, matched by exact name.
type Identity struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Remap records one orphan rewritten to a live member.
type Remap struct {
	Orphan
	NewMemberID int64 `json:"newMemberId"`
}

// AmbiguousRepairError describes an orphan that matched more than one member.
type AmbiguousRepairError struct {
	Orphan     Orphan   `json:"orphan"`
	Identity   Identity `json:"identity"`
	Candidates []int64  `json:"candidates"`
}

func (e *AmbiguousRepairError) Error() string {
	return fmt.Sprintf("%s record %d: %s %s matches %d members",
		e.Orphan.Table, e.Orphan.RecordID, e.Identity.FirstName, e.Identity.LastName, len(e.Candidates))
}

func (e *AmbiguousRepairError) Is(target error) bool { return target == ErrAmbiguousRepair }

// RemapResult summarises a heuristic remap pass.
type RemapResult struct {
	Remapped   []Remap                 `json:"remapped"`
	Ambiguous  []*AmbiguousRepairError `json:"ambiguous"`
	Unresolved []Orphan                `json:"unresolved"`
}

// FieldRef addresses one sensitive value for key rotation.
type FieldRef struct {
	Table  string
	Column string
	RowKey int64 // id, or rowid for config_entries
	Value  string
}
