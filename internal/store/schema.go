package store

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Constraint names the store maps back to sentinel errors.
const (
	constraintIdempotency    = "evidence_tenant_idempotency_key"
	constraintEventSequence  = "lifecycle_events_evidence_sequence"
	constraintEventCommandID = "lifecycle_events_tenant_command_id"
)

// Schema creates every table the service needs. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    data_mode   TEXT NOT NULL CHECK (data_mode IN ('LIVE', 'DEMO', 'TEST_FIXTURE')),
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL REFERENCES tenants(id),
    email         TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    token       TEXT NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    revoked_at  TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence (
    id                      UUID PRIMARY KEY,
    tenant_id               TEXT NOT NULL REFERENCES tenants(id),
    data_mode               TEXT NOT NULL,
    origin                  TEXT NOT NULL,
    request_id              TEXT NOT NULL,
    ledger_state            TEXT NOT NULL,
    lifecycle_state         TEXT NOT NULL,
    trust_level             TEXT NOT NULL,
    review_status           TEXT NOT NULL,
    ingestion_method        TEXT NOT NULL,
    source_system           TEXT NOT NULL,
    dataset_type            TEXT NOT NULL,
    declared_scope          TEXT NOT NULL,
    scope_target_id         TEXT NOT NULL DEFAULT '',

    payload_bytes           BYTEA,
    payload_hash_sha256     CHAR(64) NOT NULL,
    metadata_canonical_json TEXT NOT NULL,
    metadata_hash_sha256    CHAR(64) NOT NULL,
    seal_hash_sha256        TEXT NOT NULL DEFAULT '',

    retention_policy        TEXT NOT NULL,
    retention_custom_days   INTEGER NOT NULL DEFAULT 0,
    retention_ends_at_utc   TIMESTAMPTZ NOT NULL,

    created_by_user_id      TEXT NOT NULL,
    audit_event_count       INTEGER NOT NULL DEFAULT 0,
    idempotency_key         TEXT NOT NULL DEFAULT '',

    attestor_user_id        TEXT NOT NULL DEFAULT '',
    attestor_email          TEXT NOT NULL DEFAULT '',
    attested_at             TIMESTAMPTZ,

    quarantined             BOOLEAN NOT NULL DEFAULT FALSE,
    quarantine_reason       TEXT NOT NULL DEFAULT '',
    resolution_due_date     TIMESTAMPTZ,
    quarantine_escalated_at TIMESTAMPTZ,

    evidence_type           TEXT NOT NULL DEFAULT '',
    claimed_scope           TEXT NOT NULL DEFAULT '',
    claimed_frameworks      TEXT[] NOT NULL DEFAULT '{}',
    schema_version          TEXT NOT NULL DEFAULT '',
    structured_fields       JSONB,
    approver_id             TEXT NOT NULL DEFAULT '',
    rejection_reason        TEXT NOT NULL DEFAULT '',
    sealed_at               TIMESTAMPTZ,
    archive_uri             TEXT NOT NULL DEFAULT '',

    last_sequence           INTEGER NOT NULL DEFAULT 0,
    created_at              TIMESTAMPTZ NOT NULL,
    updated_at              TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS evidence_tenant_idempotency_key
    ON evidence (tenant_id, idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS idx_evidence_tenant_created ON evidence (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_evidence_quarantine_due ON evidence (resolution_due_date)
    WHERE quarantined AND quarantine_escalated_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_evidence_retention_ends ON evidence (retention_ends_at_utc);

CREATE TABLE IF NOT EXISTS lifecycle_events (
    id              UUID PRIMARY KEY,
    evidence_id     UUID NOT NULL REFERENCES evidence(id),
    tenant_id       TEXT NOT NULL,
    sequence_number INTEGER NOT NULL,
    event_type      TEXT NOT NULL,
    previous_state  TEXT NOT NULL DEFAULT '',
    new_state       TEXT NOT NULL,
    actor_id        TEXT NOT NULL,
    actor_role      TEXT NOT NULL DEFAULT '',
    command_id      TEXT NOT NULL DEFAULT '',
    command_hash    TEXT NOT NULL DEFAULT '',
    details         JSONB,
    request_id      TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    CONSTRAINT lifecycle_events_evidence_sequence UNIQUE (evidence_id, sequence_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS lifecycle_events_tenant_command_id
    ON lifecycle_events (tenant_id, command_id) WHERE command_id <> '';

CREATE TABLE IF NOT EXISTS audit_events (
    id            UUID PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    evidence_id   UUID REFERENCES evidence(id),
    actor_user_id TEXT NOT NULL DEFAULT '',
    action        TEXT NOT NULL,
    details       JSONB,
    request_id    TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_evidence ON audit_events (evidence_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS job_executions (
    id         TEXT PRIMARY KEY,
    job_name   TEXT NOT NULL,
    status     TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    ended_at   TIMESTAMPTZ,
    error      TEXT NOT NULL DEFAULT '',
    output     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions (job_name, started_at DESC);

CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
);
`

const insertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES ($1, NOW())
ON CONFLICT (version) DO NOTHING
`
