package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type DataMode string

const (
	DataModeLive        DataMode = "LIVE"
	DataModeDemo        DataMode = "DEMO"
	DataModeTestFixture DataMode = "TEST_FIXTURE"
)

type Origin string

const (
	OriginUserSubmission    Origin = "USER_SUBMISSION"
	OriginSystemIntegration Origin = "SYSTEM_INTEGRATION"
	OriginDemoSeed          Origin = "DEMO_SEED"
	OriginTestFixture       Origin = "TEST_FIXTURE"
)

func (o Origin) Valid() bool {
	switch o {
	case OriginUserSubmission, OriginSystemIntegration, OriginDemoSeed, OriginTestFixture:
		return true
	}
	return false
}

type IngestionMethod string

const (
	MethodFileUpload     IngestionMethod = "FILE_UPLOAD"
	MethodAPIPush        IngestionMethod = "API_PUSH"
	MethodERPExport      IngestionMethod = "ERP_EXPORT"
	MethodERPAPI         IngestionMethod = "ERP_API"
	MethodSupplierPortal IngestionMethod = "SUPPLIER_PORTAL"
	MethodManualEntry    IngestionMethod = "MANUAL_ENTRY"
)

type DatasetType string

const (
	DatasetSupplierMaster DatasetType = "SUPPLIER_MASTER"
	DatasetProductMaster  DatasetType = "PRODUCT_MASTER"
	DatasetBOM            DatasetType = "BOM"
	DatasetCertificate    DatasetType = "CERTIFICATE"
	DatasetTestReport     DatasetType = "TEST_REPORT"
	DatasetTransactionLog DatasetType = "TRANSACTION_LOG"
)

func (d DatasetType) Valid() bool {
	switch d {
	case DatasetSupplierMaster, DatasetProductMaster, DatasetBOM,
		DatasetCertificate, DatasetTestReport, DatasetTransactionLog:
		return true
	}
	return false
}

type Scope string

const (
	ScopeEntireOrganization Scope = "ENTIRE_ORGANIZATION"
	ScopeLegalEntity        Scope = "LEGAL_ENTITY"
	ScopeSite               Scope = "SITE"
	ScopeProductFamily      Scope = "PRODUCT_FAMILY"
	ScopeUnknown            Scope = "UNKNOWN"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeEntireOrganization, ScopeLegalEntity, ScopeSite, ScopeProductFamily, ScopeUnknown:
		return true
	}
	return false
}

// RequiresTarget reports whether the scope names a concrete organizational unit.
func (s Scope) RequiresTarget() bool {
	switch s {
	case ScopeLegalEntity, ScopeSite, ScopeProductFamily:
		return true
	}
	return false
}

type SourceSystem string

const (
	SourceSAP               SourceSystem = "SAP"
	SourceOracle            SourceSystem = "ORACLE"
	SourceMicrosoftDynamics SourceSystem = "MICROSOFT_DYNAMICS"
	SourceNetSuite          SourceSystem = "NETSUITE"
	SourceInfor             SourceSystem = "INFOR"
	SourceSupplierPortal    SourceSystem = "SUPPLIER_PORTAL"
	SourceInternalManual    SourceSystem = "INTERNAL_MANUAL"
	SourceOther             SourceSystem = "OTHER"
)

func (s SourceSystem) Valid() bool {
	switch s {
	case SourceSAP, SourceOracle, SourceMicrosoftDynamics, SourceNetSuite,
		SourceInfor, SourceSupplierPortal, SourceInternalManual, SourceOther:
		return true
	}
	return false
}

type RetentionPolicy string

const (
	RetentionStandard1Year RetentionPolicy = "STANDARD_1_YEAR"
	Retention3Years        RetentionPolicy = "3_YEARS"
	Retention7Years        RetentionPolicy = "7_YEARS"
	RetentionCustom        RetentionPolicy = "CUSTOM"
)

type TrustLevel string

const (
	TrustLow    TrustLevel = "LOW"
	TrustMedium TrustLevel = "MEDIUM"
	TrustHigh   TrustLevel = "HIGH"
)

type ReviewStatus string

const (
	ReviewPending     ReviewStatus = "PENDING_REVIEW"
	ReviewApproved    ReviewStatus = "APPROVED"
	ReviewNotReviewed ReviewStatus = "NOT_REVIEWED"
)

// LedgerState is the externally reported status of an evidence record.
type LedgerState string

const (
	LedgerIngested    LedgerState = "INGESTED"
	LedgerQuarantined LedgerState = "QUARANTINED"
	LedgerSealed      LedgerState = "SEALED"
	LedgerRejected    LedgerState = "REJECTED"
	LedgerSuperseded  LedgerState = "SUPERSEDED"
)

// LifecycleState is the position of a record in the classify/structure/seal pipeline.
type LifecycleState string

const (
	StateRaw        LifecycleState = "RAW"
	StateClassified LifecycleState = "CLASSIFIED"
	StateStructured LifecycleState = "STRUCTURED"
	StateSealed     LifecycleState = "SEALED"
	StateRejected   LifecycleState = "REJECTED"
)

func (s LifecycleState) Terminal() bool {
	return s == StateSealed || s == StateRejected
}

// DeriveLedgerState projects lifecycle progress and the quarantine flag onto
// the single ledger state reported to clients.
func DeriveLedgerState(state LifecycleState, quarantined bool) LedgerState {
	switch state {
	case StateSealed:
		return LedgerSealed
	case StateRejected:
		return LedgerRejected
	}
	if quarantined {
		return LedgerQuarantined
	}
	return LedgerIngested
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	DataMode  DataMode  `json:"data_mode" db:"data_mode"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Evidence struct {
	ID              uuid.UUID       `json:"evidence_id" db:"id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	DataMode        DataMode        `json:"data_mode" db:"data_mode"`
	Origin          Origin          `json:"origin" db:"origin"`
	RequestID       string          `json:"request_id" db:"request_id"`
	LedgerState     LedgerState     `json:"ledger_state" db:"ledger_state"`
	LifecycleState  LifecycleState  `json:"lifecycle_state" db:"lifecycle_state"`
	TrustLevel      TrustLevel      `json:"trust_level" db:"trust_level"`
	ReviewStatus    ReviewStatus    `json:"review_status" db:"review_status"`
	IngestionMethod IngestionMethod `json:"ingestion_method" db:"ingestion_method"`
	SourceSystem    SourceSystem    `json:"source_system" db:"source_system"`
	DatasetType     DatasetType     `json:"dataset_type" db:"dataset_type"`
	DeclaredScope   Scope           `json:"declared_scope" db:"declared_scope"`
	ScopeTargetID   string          `json:"scope_target_id,omitempty" db:"scope_target_id"`

	PayloadBytes          []byte `json:"-" db:"payload_bytes"`
	PayloadHashSHA256     string `json:"payload_hash_sha256" db:"payload_hash_sha256"`
	MetadataCanonicalJSON string `json:"metadata_canonical_json" db:"metadata_canonical_json"`
	MetadataHashSHA256    string `json:"metadata_hash_sha256" db:"metadata_hash_sha256"`
	SealHashSHA256        string `json:"seal_hash_sha256,omitempty" db:"seal_hash_sha256"`

	RetentionPolicy     RetentionPolicy `json:"retention_policy" db:"retention_policy"`
	RetentionCustomDays int             `json:"retention_custom_days,omitempty" db:"retention_custom_days"`
	RetentionEndsAt     time.Time       `json:"retention_ends_at_utc" db:"retention_ends_at_utc"`

	CreatedByUserID string `json:"created_by_user_id" db:"created_by_user_id"`
	AuditEventCount int    `json:"audit_event_count" db:"audit_event_count"`
	IdempotencyKey  string `json:"idempotency_key,omitempty" db:"idempotency_key"`

	AttestorUserID string     `json:"attestor_user_id,omitempty" db:"attestor_user_id"`
	AttestorEmail  string     `json:"attestor_email,omitempty" db:"attestor_email"`
	AttestedAt     *time.Time `json:"attested_at,omitempty" db:"attested_at"`

	Quarantined           bool       `json:"quarantined" db:"quarantined"`
	QuarantineReason      string     `json:"quarantine_reason,omitempty" db:"quarantine_reason"`
	ResolutionDueDate     *time.Time `json:"resolution_due_date,omitempty" db:"resolution_due_date"`
	QuarantineEscalatedAt *time.Time `json:"quarantine_escalated_at,omitempty" db:"quarantine_escalated_at"`

	EvidenceType      string      `json:"evidence_type,omitempty" db:"evidence_type"`
	ClaimedScope      string      `json:"claimed_scope,omitempty" db:"claimed_scope"`
	ClaimedFrameworks StringArray `json:"claimed_frameworks" db:"claimed_frameworks"`
	SchemaVersion     string      `json:"schema_version,omitempty" db:"schema_version"`
	StructuredFields  JSONB       `json:"structured_fields,omitempty" db:"structured_fields"`
	ApproverID        string      `json:"approver_id,omitempty" db:"approver_id"`
	RejectionReason   string      `json:"rejection_reason,omitempty" db:"rejection_reason"`
	SealedAt          *time.Time  `json:"sealed_at,omitempty" db:"sealed_at"`
	ArchiveURI        string      `json:"archive_uri,omitempty" db:"archive_uri"`

	LastSequence int       `json:"last_sequence" db:"last_sequence"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// AuditAction names what an audit entry records.
type AuditAction string

const (
	AuditEvidenceIngested    AuditAction = "EVIDENCE_INGESTED"
	AuditEvidenceQuarantined AuditAction = "EVIDENCE_QUARANTINED"
	AuditSecurityViolation   AuditAction = "SECURITY_VIOLATION"
	AuditEvidenceClassified  AuditAction = "EVIDENCE_CLASSIFIED"
	AuditEvidenceStructured  AuditAction = "EVIDENCE_STRUCTURED"
	AuditEvidenceSealed      AuditAction = "EVIDENCE_SEALED"
	AuditEvidenceRejected    AuditAction = "EVIDENCE_REJECTED"
	AuditScopeResolved       AuditAction = "SCOPE_RESOLVED"
	AuditTransitionBlocked   AuditAction = "TRANSITION_BLOCKED"
	AuditQuarantineOverdue   AuditAction = "QUARANTINE_OVERDUE"
	AuditEvidenceVerified    AuditAction = "EVIDENCE_VERIFIED"
)

type AuditEvent struct {
	ID          uuid.UUID   `json:"audit_event_id" db:"id"`
	TenantID    string      `json:"tenant_id" db:"tenant_id"`
	EvidenceID  *uuid.UUID  `json:"evidence_id,omitempty" db:"evidence_id"`
	ActorUserID string      `json:"actor_user_id" db:"actor_user_id"`
	Action      AuditAction `json:"action" db:"action"`
	Details     JSONB       `json:"details" db:"details"`
	RequestID   string      `json:"request_id" db:"request_id"`
	CreatedAt   time.Time   `json:"created_at_utc" db:"created_at"`
}

// EventType names an entry in the per-evidence lifecycle log.
type EventType string

const (
	EventEvidenceIngested  EventType = "EvidenceIngested"
	EventClassified        EventType = "EvidenceClassified"
	EventStructured        EventType = "EvidenceStructured"
	EventSealed            EventType = "EvidenceSealed"
	EventRejected          EventType = "EvidenceRejected"
	EventScopeResolved     EventType = "ScopeResolved"
	EventTransitionBlocked EventType = "TransitionBlocked"
)

type LifecycleEvent struct {
	ID             uuid.UUID      `json:"event_id" db:"id"`
	EvidenceID     uuid.UUID      `json:"evidence_id" db:"evidence_id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	SequenceNumber int            `json:"sequence_number" db:"sequence_number"`
	EventType      EventType      `json:"event_type" db:"event_type"`
	PreviousState  LifecycleState `json:"previous_state,omitempty" db:"previous_state"`
	NewState       LifecycleState `json:"new_state" db:"new_state"`
	ActorID        string         `json:"actor_id" db:"actor_id"`
	ActorRole      string         `json:"actor_role" db:"actor_role"`
	CommandID      string         `json:"command_id,omitempty" db:"command_id"`
	CommandHash    string         `json:"command_hash,omitempty" db:"command_hash"`
	Details        JSONB          `json:"details,omitempty" db:"details"`
	RequestID      string         `json:"request_id,omitempty" db:"request_id"`
	CreatedAt      time.Time      `json:"timestamp" db:"created_at"`
}

// Blocked reports whether the event records a refused command.
func (e *LifecycleEvent) Blocked() bool {
	return e.EventType == EventTransitionBlocked
}

// Actor is the authenticated caller behind a request.
type Actor struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
}
