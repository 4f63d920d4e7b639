// Package lifecycle governs every change to an evidence record after
// ingestion. Each accepted command and each refused one is appended to the
// record's event log; the stored record is the projection of that log.
package lifecycle

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
	"github.com/complyledger/evidence/internal/errcode"
	"github.com/complyledger/evidence/internal/hasher"
	"github.com/complyledger/evidence/internal/models"
	"github.com/complyledger/evidence/internal/retention"
	"github.com/complyledger/evidence/internal/store"
)

// MaxAttempts bounds how often a command is re-evaluated after losing a
// sequence race.
const MaxAttempts = 3

// Store is the slice of the evidence store the machine needs.
type Store interface {
	GetEvidence(ctx context.Context, tenantID string, id uuid.UUID) (*models.Evidence, error)
	GetLifecycleEventByCommandID(ctx context.Context, tenantID, commandID string) (*models.LifecycleEvent, error)
	AppendLifecycleEvent(ctx context.Context, ev *models.Evidence, event *models.LifecycleEvent) error
	SetArchiveURI(ctx context.Context, tenantID string, id uuid.UUID, uri string) error
}

// Auditor receives one audit entry per recorded outcome.
type Auditor interface {
	Emit(ctx context.Context, event *models.AuditEvent) error
}

// Archiver stores the manifest of a record being sealed and returns where
// it was written.
type Archiver interface {
	Archive(ctx context.Context, ev *models.Evidence, manifest []byte, digest string) (string, error)
}

// Observer is told about every accepted event.
type Observer interface {
	EvidenceTransitioned(ctx context.Context, ev *models.Evidence, event *models.LifecycleEvent) error
}

type Config struct {
	Store    Store
	Auditor  Auditor
	Archiver Archiver
	Observer Observer
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Machine struct {
	store    Store
	auditor  Auditor
	archiver Archiver
	observer Observer
	clock    clock.Clock
	logger   *slog.Logger
}

func New(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{
		store:    cfg.Store,
		auditor:  cfg.Auditor,
		archiver: cfg.Archiver,
		observer: cfg.Observer,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Result is the outcome of an accepted command.
type Result struct {
	Evidence *models.Evidence
	Event    *models.LifecycleEvent
	Replayed bool
}

var eventTypes = map[Action]models.EventType{
	ActionClassify:     models.EventClassified,
	ActionStructure:    models.EventStructured,
	ActionSeal:         models.EventSealed,
	ActionReject:       models.EventRejected,
	ActionResolveScope: models.EventScopeResolved,
}

var auditActions = map[Action]models.AuditAction{
	ActionClassify:     models.AuditEvidenceClassified,
	ActionStructure:    models.AuditEvidenceStructured,
	ActionSeal:         models.AuditEvidenceSealed,
	ActionReject:       models.AuditEvidenceRejected,
	ActionResolveScope: models.AuditScopeResolved,
}

// Execute applies cmd to a record on behalf of actor.
func (m *Machine) Execute(ctx context.Context, tenantID string, evidenceID uuid.UUID, actor models.Actor, cmd Command, requestID string) (*Result, *errcode.Failure) {
	ctx, span := otel.Tracer("evidence/lifecycle").Start(ctx, "lifecycle.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("evidence.id", evidenceID.String()),
		attribute.String("command.action", string(cmd.Action)),
	)

	normalize(&cmd)

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		res, f, retry := m.attempt(ctx, tenantID, evidenceID, actor, cmd, requestID)
		if retry {
			m.logger.Debug("lifecycle append lost a race, retrying",
				"evidence_id", evidenceID, "command_id", cmd.CommandID, "attempt", attempt)
			continue
		}
		if f != nil {
			span.SetStatus(codes.Error, string(f.Code))
			span.SetAttributes(attribute.String("outcome", string(f.Code)))
			return nil, f
		}
		span.SetAttributes(attribute.Bool("command.replayed", res.Replayed))
		return res, nil
	}

	f := errcode.New(errcode.ConcurrentModification, "record changed while the command was applied; retry")
	span.SetStatus(codes.Error, string(f.Code))
	return nil, f
}

func (m *Machine) attempt(ctx context.Context, tenantID string, evidenceID uuid.UUID, actor models.Actor, cmd Command, requestID string) (*Result, *errcode.Failure, bool) {
	ev, err := m.store.GetEvidence(ctx, tenantID, evidenceID)
	if err != nil {
		return nil, storeFailure(err), false
	}
	if ev == nil {
		return nil, errcode.New(errcode.EvidenceNotFound, "evidence not found"), false
	}

	if f := checkShape(&cmd); f != nil {
		return m.block(ctx, ev, actor, cmd, "", "", requestID, f)
	}

	_, commandHash, err := hasher.CanonicalHash(cmd)
	if err != nil {
		return nil, errcode.Newf(errcode.InvalidCommand, "command cannot be encoded: %v", err), false
	}

	prior, err := m.store.GetLifecycleEventByCommandID(ctx, tenantID, cmd.CommandID)
	if err != nil {
		return nil, storeFailure(err), false
	}
	if prior != nil {
		if prior.EvidenceID != ev.ID || !hasher.Equal(prior.CommandHash, commandHash) {
			f := errcode.New(errcode.CommandIDConflict, "command_id was already used for a different command").
				OnField("command_id")
			return m.block(ctx, ev, actor, cmd, "", "", requestID, f)
		}
		if prior.Blocked() {
			return nil, failureFromEvent(prior), false
		}
		return &Result{Evidence: ev, Event: prior, Replayed: true}, nil, false
	}

	if f := check(&cmd, actor, ev); f != nil {
		return m.block(ctx, ev, actor, cmd, cmd.CommandID, commandHash, requestID, f)
	}

	now := m.clock.Now().UTC()
	next, details, f := m.apply(ev, cmd, now)
	if f != nil {
		return nil, f, false
	}

	event := &models.LifecycleEvent{
		ID:             uuid.New(),
		SequenceNumber: ev.LastSequence + 1,
		EventType:      eventTypes[cmd.Action],
		PreviousState:  ev.LifecycleState,
		NewState:       next.LifecycleState,
		ActorID:        actor.UserID,
		ActorRole:      cmd.ActorRole,
		CommandID:      cmd.CommandID,
		CommandHash:    commandHash,
		Details:        details,
		RequestID:      requestID,
		CreatedAt:      now,
	}
	if retry, f := m.append(ctx, next, event); retry || f != nil {
		return nil, f, retry
	}

	ad := auditDetails(event)
	if cmd.Action == ActionSeal && m.archiver != nil {
		if uri := m.archive(ctx, next); uri != "" {
			ad["archive_uri"] = uri
		}
	}

	m.emit(ctx, next, actor, auditActions[cmd.Action], requestID, ad)
	m.observe(ctx, next, event)
	return &Result{Evidence: next, Event: event}, nil, false
}

// check runs the authorization, transition and payload rules in order.
func check(cmd *Command, actor models.Actor, ev *models.Evidence) *errcode.Failure {
	if actor.Role != cmd.ActorRole {
		return errcode.Newf(errcode.RoleMismatch, "actor_role %q does not match the authenticated role", cmd.ActorRole).
			OnField("actor_role")
	}
	if !rolePermitted(cmd.Action, cmd.ActorRole) {
		return errcode.Newf(errcode.RoleNotPermitted, "role %q may not %s", cmd.ActorRole, cmd.Action).
			OnField("actor_role")
	}
	if f := checkTransition(cmd.Action, ev); f != nil {
		return f
	}
	return checkPayload(cmd, ev)
}

// apply returns the projection after cmd and the details recorded with it.
func (m *Machine) apply(ev *models.Evidence, cmd Command, now time.Time) (*models.Evidence, models.JSONB, *errcode.Failure) {
	next := *ev
	details := models.JSONB{"action": string(cmd.Action)}

	switch cmd.Action {
	case ActionClassify:
		next.LifecycleState = models.StateClassified
		next.EvidenceType = cmd.EvidenceType
		next.ClaimedScope = cmd.ClaimedScope
		next.ClaimedFrameworks = models.StringArray(cmd.ClaimedFrameworks)
		details["evidence_type"] = cmd.EvidenceType
		if cmd.ClaimedScope != "" {
			details["claimed_scope"] = cmd.ClaimedScope
		}
		if len(cmd.ClaimedFrameworks) > 0 {
			details["claimed_frameworks"] = cmd.ClaimedFrameworks
		}

	case ActionStructure:
		source := cmd.ExtractionSource
		if source == "" {
			source = ExtractionManual
		}
		next.LifecycleState = models.StateStructured
		next.SchemaVersion = cmd.SchemaVersion
		next.StructuredFields = models.JSONB(cmd.Fields)
		next.ApproverID = cmd.ApproverID
		next.ReviewStatus = models.ReviewApproved
		details["schema_version"] = cmd.SchemaVersion
		details["extraction_source"] = source
		details["approver_id"] = cmd.ApproverID

	case ActionSeal:
		sealedAt := now.Truncate(time.Microsecond)
		ends, err := retention.EndsAt(ev.RetentionPolicy, ev.RetentionCustomDays, sealedAt)
		if err != nil {
			return nil, nil, errcode.Newf(errcode.InternalError, "retention deadline: %v", err)
		}
		next.LifecycleState = models.StateSealed
		next.SealedAt = &sealedAt
		next.RetentionEndsAt = ends

		_, digest, err := ManifestFor(&next).Hash()
		if err != nil {
			return nil, nil, errcode.Newf(errcode.InternalError, "seal manifest: %v", err)
		}
		next.SealHashSHA256 = digest
		details["seal_hash_sha256"] = digest
		details["retention_ends_at_utc"] = ends.Format(time.RFC3339)

	case ActionReject:
		next.LifecycleState = models.StateRejected
		next.RejectionReason = cmd.RejectionReason
		details["rejection_reason"] = cmd.RejectionReason

	case ActionResolveScope:
		details["previous_scope"] = string(ev.DeclaredScope)
		details["declared_scope"] = string(cmd.DeclaredScope)
		if cmd.ScopeTargetID != "" {
			details["scope_target_id"] = cmd.ScopeTargetID
		}
		next.DeclaredScope = cmd.DeclaredScope
		next.ScopeTargetID = cmd.ScopeTargetID
		next.Quarantined = false
		next.QuarantineReason = ""
		next.ResolutionDueDate = nil
		if next.ReviewStatus != models.ReviewApproved {
			next.ReviewStatus = contracts.ReviewStatus(ev.IngestionMethod, false)
		}
	}

	next.LedgerState = models.DeriveLedgerState(next.LifecycleState, next.Quarantined)
	return &next, details, nil
}

// block records a refused command. commandID is empty when the refusal
// must not claim the id (malformed commands and id conflicts).
func (m *Machine) block(ctx context.Context, ev *models.Evidence, actor models.Actor, cmd Command, commandID, commandHash, requestID string, f *errcode.Failure) (*Result, *errcode.Failure, bool) {
	details := models.JSONB{
		"error_code": string(f.Code),
		"message":    f.Message,
		"action":     string(cmd.Action),
	}
	if f.Field != "" {
		details["field"] = f.Field
	}
	if commandID == "" && cmd.CommandID != "" {
		details["attempted_command_id"] = cmd.CommandID
	}
	for k, v := range f.Details {
		if _, taken := details[k]; !taken {
			details[k] = fmt.Sprint(v)
		}
	}

	event := &models.LifecycleEvent{
		ID:             uuid.New(),
		SequenceNumber: ev.LastSequence + 1,
		EventType:      models.EventTransitionBlocked,
		PreviousState:  ev.LifecycleState,
		NewState:       ev.LifecycleState,
		ActorID:        actor.UserID,
		ActorRole:      cmd.ActorRole,
		CommandID:      commandID,
		CommandHash:    commandHash,
		Details:        details,
		RequestID:      requestID,
		CreatedAt:      m.clock.Now().UTC(),
	}

	next := *ev
	if retry, sf := m.append(ctx, &next, event); retry || sf != nil {
		return nil, sf, retry
	}

	m.logger.Info("lifecycle command blocked",
		"evidence_id", ev.ID, "tenant_id", ev.TenantID, "action", cmd.Action,
		"error_code", f.Code, "actor_id", actor.UserID)
	m.emit(ctx, &next, actor, models.AuditTransitionBlocked, requestID, auditDetails(event))
	return nil, f, false
}

func (m *Machine) append(ctx context.Context, ev *models.Evidence, event *models.LifecycleEvent) (bool, *errcode.Failure) {
	err := m.store.AppendLifecycleEvent(ctx, ev, event)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, store.ErrSequenceConflict), errors.Is(err, store.ErrDuplicateCommand):
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, errcode.New(errcode.EvidenceNotFound, "evidence not found")
	}
	m.logger.Error("appending lifecycle event", "evidence_id", ev.ID, "error", err)
	return false, storeFailure(err)
}

// archive writes the manifest of a committed seal and records its location.
// Failures leave the record sealed without an archive_uri.
func (m *Machine) archive(ctx context.Context, ev *models.Evidence) string {
	canonical, digest, err := ManifestFor(ev).Hash()
	if err != nil {
		m.logger.Warn("encoding seal manifest for archive", "evidence_id", ev.ID, "error", err)
		return ""
	}
	uri, err := m.archiver.Archive(ctx, ev, []byte(canonical), digest)
	if err != nil {
		m.logger.Warn("archiving sealed manifest failed",
			"evidence_id", ev.ID, "tenant_id", ev.TenantID, "error", err)
		return ""
	}
	if err := m.store.SetArchiveURI(ctx, ev.TenantID, ev.ID, uri); err != nil {
		m.logger.Error("recording archive uri failed",
			"evidence_id", ev.ID, "tenant_id", ev.TenantID, "archive_uri", uri, "error", err)
		return ""
	}
	ev.ArchiveURI = uri
	return uri
}

func (m *Machine) emit(ctx context.Context, ev *models.Evidence, actor models.Actor, action models.AuditAction, requestID string, details models.JSONB) {
	if m.auditor == nil {
		return
	}
	id := ev.ID
	event := audit.Event(ev.TenantID, &id, actor.UserID, action, requestID, details)
	if err := m.auditor.Emit(ctx, event); err != nil {
		m.logger.Error("lifecycle audit undelivered", "evidence_id", ev.ID, "action", action, "error", err)
	}
}

func (m *Machine) observe(ctx context.Context, ev *models.Evidence, event *models.LifecycleEvent) {
	if m.observer == nil {
		return
	}
	if err := m.observer.EvidenceTransitioned(ctx, ev, event); err != nil {
		m.logger.Warn("provenance update failed", "evidence_id", ev.ID, "event_type", event.EventType, "error", err)
	}
}

func auditDetails(event *models.LifecycleEvent) models.JSONB {
	details := models.JSONB{
		"event_type":      string(event.EventType),
		"sequence_number": event.SequenceNumber,
		"previous_state":  string(event.PreviousState),
		"new_state":       string(event.NewState),
		"actor_role":      event.ActorRole,
	}
	if event.CommandID != "" {
		details["command_id"] = event.CommandID
	}
	for k, v := range event.Details {
		if _, taken := details[k]; !taken {
			details[k] = v
		}
	}
	return details
}

// failureFromEvent rebuilds the refusal a blocked event recorded.
func failureFromEvent(event *models.LifecycleEvent) *errcode.Failure {
	str := func(key string) string {
		s, _ := event.Details[key].(string)
		return s
	}
	f := errcode.New(errcode.Code(str("error_code")), str("message"))
	if field := str("field"); field != "" {
		f.OnField(field)
	}
	return f
}

func storeFailure(err error) *errcode.Failure {
	return errcode.Newf(errcode.StoreUnavailable, "evidence store unavailable: %v", err)
}

func normalize(cmd *Command) {
	cmd.CommandID = strings.TrimSpace(cmd.CommandID)
	cmd.Action = Action(strings.ToLower(strings.TrimSpace(string(cmd.Action))))
	cmd.ActorRole = strings.TrimSpace(cmd.ActorRole)
	cmd.EvidenceType = strings.TrimSpace(cmd.EvidenceType)
	cmd.ClaimedScope = strings.TrimSpace(cmd.ClaimedScope)
	cmd.SchemaVersion = strings.TrimSpace(cmd.SchemaVersion)
	cmd.ExtractionSource = strings.TrimSpace(cmd.ExtractionSource)
	cmd.ApproverID = strings.TrimSpace(cmd.ApproverID)
	cmd.RejectionReason = strings.TrimSpace(cmd.RejectionReason)
	cmd.DeclaredScope = models.Scope(strings.TrimSpace(string(cmd.DeclaredScope)))
	cmd.ScopeTargetID = strings.TrimSpace(cmd.ScopeTargetID)

	var frameworks []string
	for _, fw := range cmd.ClaimedFrameworks {
		if fw = strings.TrimSpace(fw); fw != "" {
			frameworks = append(frameworks, fw)
		}
	}
	cmd.ClaimedFrameworks = frameworks
}
