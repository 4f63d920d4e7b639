package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/models"
)

// InsertAuditEvent writes an audit entry. Re-delivering an event with the same
// id is a no-op and reports inserted=false; the owning record's
// audit_event_count only moves when a row is actually written.
func (s *Store) InsertAuditEvent(ctx context.Context, event *models.AuditEvent) (bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning audit insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, tenant_id, evidence_id, actor_user_id, action, details, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, event.TenantID, event.EvidenceID, event.ActorUserID, event.Action, event.Details, event.RequestID, event.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if event.EvidenceID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE evidence SET audit_event_count = audit_event_count + 1 WHERE id = $1
		`, *event.EvidenceID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListAuditEvents(ctx context.Context, tenantID string, evidenceID uuid.UUID) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	query := `SELECT * FROM audit_events WHERE tenant_id = $1 AND evidence_id = $2 ORDER BY created_at, id`
	err := s.db.SelectContext(ctx, &events, query, tenantID, evidenceID)
	return events, err
}
