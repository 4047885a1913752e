package store

import (
	"context"

	"github.com/pkg/errors"

	"streamgate/pkg/types"
)

// InsertAuditEvent appends one event to the audit trail.
func (s *Store) InsertAuditEvent(ctx context.Context, ev types.AuditEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
INSERT INTO audit_events (kind, subject, detail, created_at)
VALUES (?, ?, ?, ?)`), ev.Kind, ev.Subject, ev.Detail, ev.CreatedAt.UTC())
	return errors.Wrap(err, "insert audit event")
}

// RecentAuditEvents returns up to limit events, newest first.
func (s *Store) RecentAuditEvents(ctx context.Context, limit int) ([]types.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.bind(`
SELECT id, kind, subject, detail, created_at
FROM audit_events
ORDER BY created_at DESC, id DESC
LIMIT ?`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query audit events")
	}
	defer rows.Close()

	var out []types.AuditEvent
	for rows.Next() {
		var ev types.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Subject, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit event")
		}
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "iterate audit events")
}
