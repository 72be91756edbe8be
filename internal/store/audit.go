package store

import (
	"context"
	"time"
)

// AuditEntry is one recorded administrative action.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Principal string    `json:"principal"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit appends an entry to the audit log. Failures are logged but
// never propagated; auditing must not block the action itself.
func (s *Store) Audit(ctx context.Context, principal, action, target, detail string) {
	err := s.withRetry(ctx, "audit.append", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (principal, action, target, detail, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, principal, action, target, detail, time.Now().Unix())
		return err
	})
	if err != nil {
		s.logger.Error("Audit append failed", "action", action, "error", err)
	}
}

// ListAudit returns the most recent audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []AuditEntry
	err := s.withRetry(ctx, "audit.list", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, principal, action, target, detail, created_at
			FROM audit_log ORDER BY id DESC LIMIT ?
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var e AuditEntry
			var createdAt int64
			if err := rows.Scan(&e.ID, &e.Principal, &e.Action, &e.Target, &e.Detail, &createdAt); err != nil {
				return err
			}
			e.CreatedAt = time.Unix(createdAt, 0).UTC()
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}
