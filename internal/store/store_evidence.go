package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/models"
)

const insertEvidence = `
	INSERT INTO evidence (
		id, tenant_id, data_mode, origin, request_id, ledger_state, lifecycle_state,
		trust_level, review_status, ingestion_method, source_system, dataset_type,
		declared_scope, scope_target_id, payload_bytes, payload_hash_sha256,
		metadata_canonical_json, metadata_hash_sha256, seal_hash_sha256,
		retention_policy, retention_custom_days, retention_ends_at_utc,
		created_by_user_id, audit_event_count, idempotency_key,
		attestor_user_id, attestor_email, attested_at,
		quarantined, quarantine_reason, resolution_due_date, quarantine_escalated_at,
		evidence_type, claimed_scope, claimed_frameworks, schema_version, structured_fields,
		approver_id, rejection_reason, sealed_at, archive_uri,
		last_sequence, created_at, updated_at
	) VALUES (
		:id, :tenant_id, :data_mode, :origin, :request_id, :ledger_state, :lifecycle_state,
		:trust_level, :review_status, :ingestion_method, :source_system, :dataset_type,
		:declared_scope, :scope_target_id, :payload_bytes, :payload_hash_sha256,
		:metadata_canonical_json, :metadata_hash_sha256, :seal_hash_sha256,
		:retention_policy, :retention_custom_days, :retention_ends_at_utc,
		:created_by_user_id, 0, :idempotency_key,
		:attestor_user_id, :attestor_email, :attested_at,
		:quarantined, :quarantine_reason, :resolution_due_date, :quarantine_escalated_at,
		:evidence_type, :claimed_scope, :claimed_frameworks, :schema_version, :structured_fields,
		:approver_id, :rejection_reason, :sealed_at, :archive_uri,
		:last_sequence, :created_at, :updated_at
	)
`

const insertLifecycleEvent = `
	INSERT INTO lifecycle_events (
		id, evidence_id, tenant_id, sequence_number, event_type, previous_state, new_state,
		actor_id, actor_role, command_id, command_hash, details, request_id, created_at
	) VALUES (
		:id, :evidence_id, :tenant_id, :sequence_number, :event_type, :previous_state, :new_state,
		:actor_id, :actor_role, :command_id, :command_hash, :details, :request_id, :created_at
	)
`

// CreateEvidence inserts a new record together with the first entry of its
// event log. It returns ErrDuplicateKey when another record already holds the
// idempotency key; nothing is written in that case.
func (s *Store) CreateEvidence(ctx context.Context, ev *models.Evidence, initial *models.LifecycleEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.UpdatedAt = ev.CreatedAt
	if ev.ClaimedFrameworks == nil {
		ev.ClaimedFrameworks = models.StringArray{}
	}
	ev.AuditEventCount = 0

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning evidence insert: %w", err)
	}
	defer tx.Rollback()

	if initial != nil {
		ev.LastSequence = initial.SequenceNumber
	}
	if _, err := tx.NamedExecContext(ctx, insertEvidence, ev); err != nil {
		return classify(err)
	}

	if initial != nil {
		initial.EvidenceID = ev.ID
		initial.TenantID = ev.TenantID
		if initial.ID == uuid.Nil {
			initial.ID = uuid.New()
		}
		if _, err := tx.NamedExecContext(ctx, insertLifecycleEvent, initial); err != nil {
			return classify(err)
		}
	}

	return tx.Commit()
}

// GetEvidence returns a record scoped to its tenant, or (nil, nil).
func (s *Store) GetEvidence(ctx context.Context, tenantID string, id uuid.UUID) (*models.Evidence, error) {
	var ev models.Evidence
	err := s.db.GetContext(ctx, &ev, `SELECT * FROM evidence WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) GetEvidenceByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.Evidence, error) {
	var ev models.Evidence
	query := `SELECT * FROM evidence WHERE tenant_id = $1 AND idempotency_key = $2`
	err := s.db.GetContext(ctx, &ev, query, tenantID, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// AppendLifecycleEvent records event and stores the record projection that
// results from it. The write only succeeds when the record's last sequence
// is still event.SequenceNumber-1.
func (s *Store) AppendLifecycleEvent(ctx context.Context, ev *models.Evidence, event *models.LifecycleEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.EvidenceID = ev.ID
	event.TenantID = ev.TenantID
	if ev.ClaimedFrameworks == nil {
		ev.ClaimedFrameworks = models.StringArray{}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning event append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE evidence SET
			lifecycle_state = $3, ledger_state = $4, review_status = $5,
			quarantined = $6, quarantine_reason = $7, resolution_due_date = $8,
			declared_scope = $9, scope_target_id = $10,
			evidence_type = $11, claimed_scope = $12, claimed_frameworks = $13,
			schema_version = $14, structured_fields = $15, approver_id = $16,
			rejection_reason = $17, sealed_at = $18, seal_hash_sha256 = $19,
			retention_ends_at_utc = $20, archive_uri = $21,
			last_sequence = $22, updated_at = $23
		WHERE tenant_id = $1 AND id = $2 AND last_sequence = $24
	`,
		ev.TenantID, ev.ID,
		ev.LifecycleState, ev.LedgerState, ev.ReviewStatus,
		ev.Quarantined, ev.QuarantineReason, ev.ResolutionDueDate,
		ev.DeclaredScope, ev.ScopeTargetID,
		ev.EvidenceType, ev.ClaimedScope, ev.ClaimedFrameworks,
		ev.SchemaVersion, ev.StructuredFields, ev.ApproverID,
		ev.RejectionReason, ev.SealedAt, ev.SealHashSHA256,
		ev.RetentionEndsAt, ev.ArchiveURI,
		event.SequenceNumber, event.CreatedAt,
		event.SequenceNumber-1,
	)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSequenceConflict
	}

	if _, err := tx.NamedExecContext(ctx, insertLifecycleEvent, event); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}

	ev.LastSequence = event.SequenceNumber
	ev.UpdatedAt = event.CreatedAt
	return nil
}

// SetArchiveURI records where the manifest of a sealed record was archived.
// The location is written once.
func (s *Store) SetArchiveURI(ctx context.Context, tenantID string, id uuid.UUID, uri string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence SET archive_uri = $3
		WHERE tenant_id = $1 AND id = $2 AND lifecycle_state = 'SEALED' AND archive_uri = ''
	`, tenantID, id, uri)
	if err != nil {
		return fmt.Errorf("recording archive uri: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListLifecycleEvents(ctx context.Context, tenantID string, evidenceID uuid.UUID) ([]models.LifecycleEvent, error) {
	var events []models.LifecycleEvent
	query := `SELECT * FROM lifecycle_events WHERE tenant_id = $1 AND evidence_id = $2 ORDER BY sequence_number`
	err := s.db.SelectContext(ctx, &events, query, tenantID, evidenceID)
	return events, err
}

// GetLifecycleEventByCommandID returns the event a command_id produced, or (nil, nil).
func (s *Store) GetLifecycleEventByCommandID(ctx context.Context, tenantID, commandID string) (*models.LifecycleEvent, error) {
	var event models.LifecycleEvent
	query := `SELECT * FROM lifecycle_events WHERE tenant_id = $1 AND command_id = $2`
	err := s.db.GetContext(ctx, &event, query, tenantID, commandID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}
