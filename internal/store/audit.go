// ABOUTME: Audit log entity and store methods for tracking destructive and security-relevant actions
// ABOUTME: Records who did what to which resource; never stores field values

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink-core/internal/dbx"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditRegisterUser   AuditAction = "register_user"
	AuditChangePassword AuditAction = "change_password"
	AuditDeleteUser     AuditAction = "delete_user"
	AuditDeleteMember   AuditAction = "delete_member"
	AuditRestoreBackup  AuditAction = "restore_backup"
	AuditDeleteBackup   AuditAction = "delete_backup"
	AuditRemapOrphans   AuditAction = "remap_orphans"
)

// auditTimeFormat is fixed-width so that ts sorts lexically.
const auditTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID          string         `json:"id"`
	ActorUserID *int64         `json:"actorUserId,omitempty"`
	Action      AuditAction    `json:"action"`
	TargetType  string         `json:"targetType"` // "user", "member", "backup", "database"
	TargetID    string         `json:"targetId"`
	Timestamp   time.Time      `json:"timestamp"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if err := appendAudit(ctx, s.db, e); err != nil {
		return err
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// AppendAuditLogTx appends an entry inside a caller's transaction.
func (s *SQLiteStore) AppendAuditLogTx(ctx context.Context, q dbx.DBTX, e *AuditEntry) error {
	return appendAudit(ctx, q, e)
}

func appendAudit(ctx context.Context, q dbx.DBTX, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor_user_id, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.ActorUserID,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		e.Timestamp.UTC().Format(auditTimeFormat),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

type auditRow struct {
	ID          string  `db:"audit_id"`
	ActorUserID *int64  `db:"actor_user_id"`
	Action      string  `db:"action"`
	TargetType  string  `db:"target_type"`
	TargetID    string  `db:"target_id"`
	Timestamp   string  `db:"ts"`
	DetailJSON  *string `db:"detail_json"`
}

// ListAuditLog returns the most recent audit entries, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT audit_id, actor_user_id, action, target_type, target_id, ts, detail_json
		FROM audit_log
		ORDER BY ts DESC
		LIMIT ?
	`, normalizeAuditLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}

	entries := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := AuditEntry{
			ID:          r.ID,
			ActorUserID: r.ActorUserID,
			Action:      AuditAction(r.Action),
			TargetType:  r.TargetType,
			TargetID:    r.TargetID,
		}
		e.Timestamp, err = time.Parse(auditTimeFormat, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if r.DetailJSON != nil {
			if err := json.Unmarshal([]byte(*r.DetailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
