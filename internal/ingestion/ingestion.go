// Package ingestion admits evidence: it runs the validation gate, resolves
// replays, hashes payload and metadata, stores the record with its initial
// lifecycle event and writes the audit trail.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/complyledger/evidence/internal/audit"
	"github.com/complyledger/evidence/internal/clock"
	"github.com/complyledger/evidence/internal/contracts"
	"github.com/complyledger/evidence/internal/erp"
	"github.com/complyledger/evidence/internal/errcode"
	"github.com/complyledger/evidence/internal/hasher"
	"github.com/complyledger/evidence/internal/idempotency"
	"github.com/complyledger/evidence/internal/models"
	"github.com/complyledger/evidence/internal/retention"
	"github.com/complyledger/evidence/internal/store"
	"github.com/complyledger/evidence/internal/validation"
)

// Store is what ingestion needs from the evidence store.
type Store interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetEvidenceByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.Evidence, error)
	CreateEvidence(ctx context.Context, ev *models.Evidence, initial *models.LifecycleEvent) error
}

type Auditor interface {
	Emit(ctx context.Context, event *models.AuditEvent) error
}

// Alerter is told about rejected submissions that look like tampering.
type Alerter interface {
	NotifySecurityViolation(ctx context.Context, event *models.AuditEvent) error
}

// Observer is told about every stored record.
type Observer interface {
	EvidenceIngested(ctx context.Context, ev *models.Evidence) error
}

type Config struct {
	Store    Store
	Gate     *validation.Gate
	Fetcher  erp.Fetcher
	Auditor  Auditor
	Alerter  Alerter
	Observer Observer
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Service struct {
	store    Store
	gate     *validation.Gate
	resolver *idempotency.Resolver
	fetcher  erp.Fetcher
	auditor  Auditor
	alerter  Alerter
	observer Observer
	clock    clock.Clock
	logger   *slog.Logger
}

func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Gate == nil {
		cfg.Gate = validation.NewGate(cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:    cfg.Store,
		gate:     cfg.Gate,
		resolver: idempotency.NewResolver(cfg.Store),
		fetcher:  cfg.Fetcher,
		auditor:  cfg.Auditor,
		alerter:  cfg.Alerter,
		observer: cfg.Observer,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Result is a stored or replayed record.
type Result struct {
	Evidence *models.Evidence
	Replayed bool
}

// Ingest admits req on behalf of actor. Either a hash-complete record exists
// afterwards or nothing was written.
func (s *Service) Ingest(ctx context.Context, actor models.Actor, req *validation.Request) (*Result, *errcode.Failure) {
	ctx, span := otel.Tracer("evidence/ingestion").Start(ctx, "ingestion.Ingest")
	defer span.End()

	res, f := s.ingest(ctx, actor, req)
	if f != nil {
		span.SetStatus(codes.Error, string(f.Code))
		span.SetAttributes(attribute.String("outcome", string(f.Code)))
		return nil, f
	}
	span.SetAttributes(
		attribute.String("evidence.id", res.Evidence.ID.String()),
		attribute.Bool("evidence.replayed", res.Replayed),
	)
	return res, nil
}

func (s *Service) ingest(ctx context.Context, actor models.Actor, req *validation.Request) (*Result, *errcode.Failure) {
	tenantID := actor.TenantID
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, storeFailure(err)
	}
	if tenant == nil {
		return nil, errcode.Newf(errcode.TenantNotFound, "tenant %q is not provisioned", tenantID)
	}

	adm, f := s.gate.Validate(req, tenant.DataMode)
	if f != nil {
		if errcode.IsSecurity(f.Code) {
			s.securityViolation(ctx, actor, req, tenant, f)
		}
		return nil, f
	}

	method := adm.Contract.Method
	dataset := models.DatasetType(strings.TrimSpace(string(req.DatasetType)))
	scope := models.Scope(strings.TrimSpace(string(req.DeclaredScope)))
	payload := adm.Payload
	var payloadHash string
	switch {
	case adm.PayloadDeferred && s.fetcher != nil:
		snap, err := s.fetcher.Fetch(ctx, erp.FetchRequest{
			TenantID:           tenantID,
			SourceSystem:       adm.SourceSystem,
			DatasetType:        dataset,
			ConnectorReference: strings.TrimSpace(req.ConnectorReference),
			SnapshotAt:         strings.TrimSpace(req.SnapshotDatetimeUTC),
		})
		if err != nil {
			return nil, fetchFailure(err)
		}
		payload = snap.Payload
		payloadHash = hasher.Hash(payload)
	case adm.PayloadDeferred:
		payloadHash = hasher.DeferredPayloadHash()
	default:
		payloadHash = hasher.Hash(payload)
	}

	key := idempotency.Key(tenantID, method, dataset, adm.IdempotencyRef)
	resolved, err := s.resolver.Resolve(ctx, tenantID, key, payloadHash)
	if err != nil {
		return nil, storeFailure(err)
	}
	if res, f := s.settle(resolved); res != nil || f != nil {
		return res, f
	}

	canonical, metadataHash, err := hasher.CanonicalHash(validation.MetadataFor(tenantID, req, adm))
	if err != nil {
		return nil, errcode.Newf(errcode.InternalError, "canonicalizing metadata: %v", err)
	}

	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	endsAt, err := retention.EndsAt(req.RetentionPolicy, req.RetentionCustomDays, now)
	if err != nil {
		return nil, errcode.New(errcode.InvalidRetentionPolicy, err.Error()).OnField("retention_policy")
	}

	ev := &models.Evidence{
		ID:                    uuid.New(),
		TenantID:              tenantID,
		DataMode:              tenant.DataMode,
		Origin:                adm.Origin,
		RequestID:             strings.TrimSpace(req.RequestID),
		LifecycleState:        models.StateRaw,
		TrustLevel:            adm.Contract.Trust,
		ReviewStatus:          contracts.ReviewStatus(method, adm.Quarantined),
		IngestionMethod:       method,
		SourceSystem:          adm.SourceSystem,
		DatasetType:           dataset,
		DeclaredScope:         scope,
		ScopeTargetID:         strings.TrimSpace(req.ScopeTargetID),
		PayloadBytes:          payload,
		PayloadHashSHA256:     payloadHash,
		MetadataCanonicalJSON: canonical,
		MetadataHashSHA256:    metadataHash,
		RetentionPolicy:       req.RetentionPolicy,
		RetentionEndsAt:       endsAt,
		CreatedByUserID:       actor.UserID,
		IdempotencyKey:        key,
		Quarantined:           adm.Quarantined,
		QuarantineReason:      adm.QuarantineReason,
		ResolutionDueDate:     adm.ResolutionDueDate,
		ClaimedFrameworks:     models.StringArray{},
		CreatedAt:             now,
	}
	if req.RetentionPolicy == models.RetentionCustom {
		ev.RetentionCustomDays = req.RetentionCustomDays
	}
	if adm.Contract.ServerAttestation {
		attestedAt := now
		ev.AttestorUserID = actor.UserID
		ev.AttestorEmail = actor.Email
		ev.AttestedAt = &attestedAt
	}
	ev.LedgerState = models.DeriveLedgerState(ev.LifecycleState, ev.Quarantined)

	initial := &models.LifecycleEvent{
		ID:             uuid.New(),
		SequenceNumber: 1,
		EventType:      models.EventEvidenceIngested,
		NewState:       models.StateRaw,
		ActorID:        actor.UserID,
		ActorRole:      actor.Role,
		Details: models.JSONB{
			"ingestion_method": string(method),
			"ledger_state":     string(ev.LedgerState),
			"quarantined":      ev.Quarantined,
		},
		RequestID: ev.RequestID,
		CreatedAt: now,
	}

	if err := s.store.CreateEvidence(ctx, ev, initial); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return s.lostRace(ctx, tenantID, key, payloadHash)
		}
		s.logger.Error("storing evidence", "tenant_id", tenantID, "request_id", ev.RequestID, "error", err)
		return nil, storeFailure(err)
	}

	s.logger.Info("evidence ingested",
		"evidence_id", ev.ID, "tenant_id", tenantID, "ingestion_method", method,
		"dataset_type", ev.DatasetType, "ledger_state", ev.LedgerState, "request_id", ev.RequestID)

	s.recordIngestion(ctx, actor, ev)
	if s.observer != nil {
		if err := s.observer.EvidenceIngested(ctx, ev); err != nil {
			s.logger.Warn("provenance update failed", "evidence_id", ev.ID, "error", err)
		}
	}
	return &Result{Evidence: ev}, nil
}

// settle turns a Replay or Conflict verdict into the response; New yields
// (nil, nil).
func (s *Service) settle(r *idempotency.Result) (*Result, *errcode.Failure) {
	switch r.Outcome {
	case idempotency.Replay:
		return &Result{Evidence: r.Existing, Replayed: true}, nil
	case idempotency.Conflict:
		return nil, errcode.New(errcode.IdempotencyConflict, "a different payload was already submitted under this reference").
			With("existing_evidence_id", r.ExistingID.String()).
			With("existing_payload_hash_sha256", r.ExistingHash).
			With("incoming_payload_hash_sha256", r.IncomingHash)
	}
	return nil, nil
}

// lostRace resolves a submission whose insert collided with a concurrent
// creator of the same key.
func (s *Service) lostRace(ctx context.Context, tenantID, key, payloadHash string) (*Result, *errcode.Failure) {
	resolved, err := s.resolver.Resolve(ctx, tenantID, key, payloadHash)
	if err != nil {
		return nil, storeFailure(err)
	}
	if res, f := s.settle(resolved); res != nil || f != nil {
		return res, f
	}
	return nil, errcode.New(errcode.StoreUnavailable, "idempotency key is held by a record that cannot be read")
}

func (s *Service) recordIngestion(ctx context.Context, actor models.Actor, ev *models.Evidence) {
	id := ev.ID
	details := models.JSONB{
		"ingestion_method":     string(ev.IngestionMethod),
		"dataset_type":         string(ev.DatasetType),
		"source_system":        string(ev.SourceSystem),
		"ledger_state":         string(ev.LedgerState),
		"trust_level":          string(ev.TrustLevel),
		"payload_hash_sha256":  ev.PayloadHashSHA256,
		"metadata_hash_sha256": ev.MetadataHashSHA256,
	}
	if ev.IdempotencyKey != "" {
		details["idempotency_key"] = ev.IdempotencyKey
	}
	s.emit(ctx, audit.Event(ev.TenantID, &id, actor.UserID, models.AuditEvidenceIngested, ev.RequestID, details))

	if ev.Quarantined {
		q := models.JSONB{"quarantine_reason": ev.QuarantineReason}
		if ev.ResolutionDueDate != nil {
			q["resolution_due_date"] = ev.ResolutionDueDate.Format("2006-01-02")
		}
		s.emit(ctx, audit.Event(ev.TenantID, &id, actor.UserID, models.AuditEvidenceQuarantined, ev.RequestID, q))
	}
}

func (s *Service) securityViolation(ctx context.Context, actor models.Actor, req *validation.Request, tenant *models.Tenant, f *errcode.Failure) {
	details := models.JSONB{
		"error_code":       string(f.Code),
		"message":          f.Message,
		"data_mode":        string(tenant.DataMode),
		"ingestion_method": string(req.IngestionMethod),
		"origin":           string(req.Origin),
		"actor_email":      actor.Email,
	}
	if f.Field != "" {
		details["field"] = f.Field
	}
	event := audit.Event(tenant.ID, nil, actor.UserID, models.AuditSecurityViolation, strings.TrimSpace(req.RequestID), details)

	s.logger.Warn("ingestion security violation",
		"tenant_id", tenant.ID, "actor_id", actor.UserID, "error_code", f.Code, "request_id", event.RequestID)
	s.emit(ctx, event)

	if s.alerter != nil {
		if err := s.alerter.NotifySecurityViolation(ctx, event); err != nil {
			s.logger.Warn("security violation alert failed", "tenant_id", tenant.ID, "error", err)
		}
	}
}

func (s *Service) emit(ctx context.Context, event *models.AuditEvent) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.Error("ingestion audit undelivered",
			"tenant_id", event.TenantID, "action", event.Action, "request_id", event.RequestID, "error", err)
	}
}

func fetchFailure(err error) *errcode.Failure {
	if errors.Is(err, erp.ErrTimeout) {
		return errcode.New(errcode.ERPFetchTimeout, "ERP snapshot fetch timed out; retry the request").
			OnField("connector_reference")
	}
	return errcode.Newf(errcode.ERPFetchFailed, "ERP snapshot fetch failed: %v", err).OnField("connector_reference")
}

func storeFailure(err error) *errcode.Failure {
	return errcode.New(errcode.StoreUnavailable, fmt.Sprintf("evidence store unavailable: %v", err))
}
