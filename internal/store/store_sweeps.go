package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/models"
)

// ListOverdueQuarantines returns quarantined, not yet escalated records whose
// resolution date is strictly before day (midnight UTC of the sweep date).
func (s *Store) ListOverdueQuarantines(ctx context.Context, day time.Time, limit int) ([]models.Evidence, error) {
	if limit <= 0 {
		limit = 500
	}
	var records []models.Evidence
	query := `
		SELECT * FROM evidence
		WHERE quarantined AND quarantine_escalated_at IS NULL
		  AND lifecycle_state NOT IN ('SEALED', 'REJECTED')
		  AND resolution_due_date < $1
		ORDER BY resolution_due_date
		LIMIT $2
	`
	err := s.db.SelectContext(ctx, &records, query, day, limit)
	return records, err
}

// MarkQuarantineEscalated stamps the escalation time once. It reports false
// when another sweep got there first.
func (s *Store) MarkQuarantineEscalated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence SET quarantine_escalated_at = $2, updated_at = $2
		WHERE id = $1 AND quarantine_escalated_at IS NULL
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type tenantCount struct {
	TenantID string `db:"tenant_id"`
	Count    int    `db:"count"`
}

// RetentionExpiredCounts counts records per tenant whose retention deadline
// is at or before asOf.
func (s *Store) RetentionExpiredCounts(ctx context.Context, asOf time.Time) (map[string]int, error) {
	var rows []tenantCount
	query := `
		SELECT tenant_id, COUNT(*) AS count FROM evidence
		WHERE retention_ends_at_utc <= $1
		GROUP BY tenant_id
	`
	if err := s.db.SelectContext(ctx, &rows, query, asOf); err != nil {
		return nil, err
	}

	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.TenantID] = r.Count
	}
	return out, nil
}
