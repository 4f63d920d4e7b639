package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/hasher"
	"github.com/complyledger/evidence/internal/models"
)

// SealManifest is the immutable description of a sealed record that
// seal_hash_sha256 covers.
type SealManifest struct {
	EvidenceID         uuid.UUID              `json:"evidence_id"`
	TenantID           string                 `json:"tenant_id"`
	IngestionMethod    models.IngestionMethod `json:"ingestion_method"`
	SourceSystem       models.SourceSystem    `json:"source_system"`
	DatasetType        models.DatasetType     `json:"dataset_type"`
	DeclaredScope      models.Scope           `json:"declared_scope"`
	ScopeTargetID      string                 `json:"scope_target_id,omitempty"`
	TrustLevel         models.TrustLevel      `json:"trust_level"`
	PayloadHashSHA256  string                 `json:"payload_hash_sha256"`
	MetadataHashSHA256 string                 `json:"metadata_hash_sha256"`
	EvidenceType       string                 `json:"evidence_type"`
	ClaimedScope       string                 `json:"claimed_scope,omitempty"`
	ClaimedFrameworks  []string               `json:"claimed_frameworks"`
	SchemaVersion      string                 `json:"schema_version"`
	StructuredFields   map[string]interface{} `json:"structured_fields,omitempty"`
	ApproverID         string                 `json:"approver_id"`
	AttestorUserID     string                 `json:"attestor_user_id,omitempty"`
	SealedAt           time.Time              `json:"sealed_at"`
	RetentionPolicy    models.RetentionPolicy `json:"retention_policy"`
	RetentionEndsAt    time.Time              `json:"retention_ends_at_utc"`
	CreatedAt          time.Time              `json:"created_at"`
}

// ManifestFor builds the manifest of a sealed record. Timestamps are cut to
// the store's microsecond precision so a reloaded record hashes identically.
func ManifestFor(ev *models.Evidence) SealManifest {
	frameworks := []string(ev.ClaimedFrameworks)
	if frameworks == nil {
		frameworks = []string{}
	}
	m := SealManifest{
		EvidenceID:         ev.ID,
		TenantID:           ev.TenantID,
		IngestionMethod:    ev.IngestionMethod,
		SourceSystem:       ev.SourceSystem,
		DatasetType:        ev.DatasetType,
		DeclaredScope:      ev.DeclaredScope,
		ScopeTargetID:      ev.ScopeTargetID,
		TrustLevel:         ev.TrustLevel,
		PayloadHashSHA256:  ev.PayloadHashSHA256,
		MetadataHashSHA256: ev.MetadataHashSHA256,
		EvidenceType:       ev.EvidenceType,
		ClaimedScope:       ev.ClaimedScope,
		ClaimedFrameworks:  frameworks,
		SchemaVersion:      ev.SchemaVersion,
		StructuredFields:   ev.StructuredFields,
		ApproverID:         ev.ApproverID,
		AttestorUserID:     ev.AttestorUserID,
		RetentionPolicy:    ev.RetentionPolicy,
		RetentionEndsAt:    ev.RetentionEndsAt.UTC().Truncate(time.Microsecond),
		CreatedAt:          ev.CreatedAt.UTC().Truncate(time.Microsecond),
	}
	if ev.SealedAt != nil {
		m.SealedAt = ev.SealedAt.UTC().Truncate(time.Microsecond)
	}
	return m
}

// Hash returns the canonical JSON and its SHA-256.
func (m SealManifest) Hash() (string, string, error) {
	return hasher.CanonicalHash(m)
}
