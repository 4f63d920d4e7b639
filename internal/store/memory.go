package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/models"
)

// Memory is an in-process store with the same contract as the Postgres
// store, including its uniqueness guarantees. It backs tests and the
// single-node demo mode.
type Memory struct {
	mu        sync.RWMutex
	tenants   map[string]models.Tenant
	evidence  map[uuid.UUID]*models.Evidence
	idemKeys  map[string]uuid.UUID
	events    map[uuid.UUID][]models.LifecycleEvent
	commands  map[string]models.LifecycleEvent
	audit     []models.AuditEvent
	auditSeen map[uuid.UUID]bool
}

func NewMemory() *Memory {
	return &Memory{
		tenants:   map[string]models.Tenant{},
		evidence:  map[uuid.UUID]*models.Evidence{},
		idemKeys:  map[string]uuid.UUID{},
		events:    map[uuid.UUID][]models.LifecycleEvent{},
		commands:  map[string]models.LifecycleEvent{},
		auditSeen: map[uuid.UUID]bool{},
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) UpsertTenant(_ context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.tenants[tenant.ID]; ok {
		tenant.CreatedAt = existing.CreatedAt
	} else if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now
	m.tenants[tenant.ID] = *tenant
	return nil
}

func (m *Memory) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func idemIndex(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func commandIndex(tenantID, commandID string) string {
	return tenantID + "\x00" + commandID
}

func (m *Memory) CreateEvidence(_ context.Context, ev *models.Evidence, initial *models.LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

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

	if ev.IdempotencyKey != "" {
		if _, taken := m.idemKeys[idemIndex(ev.TenantID, ev.IdempotencyKey)]; taken {
			return ErrDuplicateKey
		}
	}
	if initial != nil && initial.CommandID != "" {
		if _, taken := m.commands[commandIndex(ev.TenantID, initial.CommandID)]; taken {
			return ErrDuplicateCommand
		}
	}

	if initial != nil {
		ev.LastSequence = initial.SequenceNumber
		initial.EvidenceID = ev.ID
		initial.TenantID = ev.TenantID
		if initial.ID == uuid.Nil {
			initial.ID = uuid.New()
		}
		m.events[ev.ID] = []models.LifecycleEvent{cloneEvent(*initial)}
		if initial.CommandID != "" {
			m.commands[commandIndex(ev.TenantID, initial.CommandID)] = cloneEvent(*initial)
		}
	}

	m.evidence[ev.ID] = cloneEvidence(ev)
	if ev.IdempotencyKey != "" {
		m.idemKeys[idemIndex(ev.TenantID, ev.IdempotencyKey)] = ev.ID
	}
	return nil
}

func (m *Memory) GetEvidence(_ context.Context, tenantID string, id uuid.UUID) (*models.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.evidence[id]
	if !ok || ev.TenantID != tenantID {
		return nil, nil
	}
	return cloneEvidence(ev), nil
}

func (m *Memory) GetEvidenceByIdempotencyKey(_ context.Context, tenantID, key string) (*models.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.idemKeys[idemIndex(tenantID, key)]
	if !ok {
		return nil, nil
	}
	return cloneEvidence(m.evidence[id]), nil
}

func (m *Memory) AppendLifecycleEvent(_ context.Context, ev *models.Evidence, event *models.LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.evidence[ev.ID]
	if !ok || current.TenantID != ev.TenantID {
		return ErrNotFound
	}
	if current.LastSequence != event.SequenceNumber-1 {
		return ErrSequenceConflict
	}
	if event.CommandID != "" {
		if _, taken := m.commands[commandIndex(ev.TenantID, event.CommandID)]; taken {
			return ErrDuplicateCommand
		}
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.EvidenceID = ev.ID
	event.TenantID = ev.TenantID

	next := cloneEvidence(ev)
	next.LastSequence = event.SequenceNumber
	next.UpdatedAt = event.CreatedAt
	// Fields the projection never rewrites.
	next.AuditEventCount = current.AuditEventCount
	next.QuarantineEscalatedAt = current.QuarantineEscalatedAt
	next.IdempotencyKey = current.IdempotencyKey
	next.PayloadBytes = current.PayloadBytes

	m.evidence[ev.ID] = next
	m.events[ev.ID] = append(m.events[ev.ID], cloneEvent(*event))
	if event.CommandID != "" {
		m.commands[commandIndex(ev.TenantID, event.CommandID)] = cloneEvent(*event)
	}

	ev.LastSequence = event.SequenceNumber
	ev.UpdatedAt = event.CreatedAt
	return nil
}

func (m *Memory) SetArchiveURI(_ context.Context, tenantID string, id uuid.UUID, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.evidence[id]
	if !ok || ev.TenantID != tenantID || ev.LifecycleState != models.StateSealed || ev.ArchiveURI != "" {
		return ErrNotFound
	}
	ev.ArchiveURI = uri
	return nil
}

func (m *Memory) ListLifecycleEvents(_ context.Context, tenantID string, evidenceID uuid.UUID) ([]models.LifecycleEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.evidence[evidenceID]
	if !ok || ev.TenantID != tenantID {
		return nil, nil
	}
	out := make([]models.LifecycleEvent, 0, len(m.events[evidenceID]))
	for _, e := range m.events[evidenceID] {
		out = append(out, cloneEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (m *Memory) GetLifecycleEventByCommandID(_ context.Context, tenantID, commandID string) (*models.LifecycleEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.commands[commandIndex(tenantID, commandID)]
	if !ok {
		return nil, nil
	}
	out := cloneEvent(e)
	return &out, nil
}

func (m *Memory) InsertAuditEvent(_ context.Context, event *models.AuditEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if m.auditSeen[event.ID] {
		return false, nil
	}

	m.auditSeen[event.ID] = true
	stored := *event
	stored.Details = cloneJSONB(event.Details)
	m.audit = append(m.audit, stored)
	if event.EvidenceID != nil {
		if ev, ok := m.evidence[*event.EvidenceID]; ok {
			ev.AuditEventCount++
		}
	}
	return true, nil
}

func (m *Memory) ListAuditEvents(_ context.Context, tenantID string, evidenceID uuid.UUID) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditEvent
	for _, e := range m.audit {
		if e.TenantID == tenantID && e.EvidenceID != nil && *e.EvidenceID == evidenceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// AuditEvents returns every stored audit entry for a tenant, including those
// not tied to a record.
func (m *Memory) AuditEvents(tenantID string) []models.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditEvent
	for _, e := range m.audit {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) ListOverdueQuarantines(_ context.Context, day time.Time, limit int) ([]models.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Evidence
	for _, ev := range m.evidence {
		if !ev.Quarantined || ev.QuarantineEscalatedAt != nil || ev.LifecycleState.Terminal() {
			continue
		}
		if ev.ResolutionDueDate == nil || !ev.ResolutionDueDate.Before(day) {
			continue
		}
		out = append(out, *cloneEvidence(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResolutionDueDate.Before(*out[j].ResolutionDueDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkQuarantineEscalated(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.evidence[id]
	if !ok || ev.QuarantineEscalatedAt != nil {
		return false, nil
	}
	stamp := at
	ev.QuarantineEscalatedAt = &stamp
	ev.UpdatedAt = at
	return true, nil
}

func (m *Memory) RetentionExpiredCounts(_ context.Context, asOf time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int{}
	for _, ev := range m.evidence {
		if !ev.RetentionEndsAt.After(asOf) {
			out[ev.TenantID]++
		}
	}
	return out, nil
}

func cloneEvidence(ev *models.Evidence) *models.Evidence {
	c := *ev
	if ev.PayloadBytes != nil {
		c.PayloadBytes = append([]byte(nil), ev.PayloadBytes...)
	}
	if ev.ClaimedFrameworks != nil {
		c.ClaimedFrameworks = append(models.StringArray{}, ev.ClaimedFrameworks...)
	}
	c.StructuredFields = cloneJSONB(ev.StructuredFields)
	c.AttestedAt = cloneTime(ev.AttestedAt)
	c.ResolutionDueDate = cloneTime(ev.ResolutionDueDate)
	c.QuarantineEscalatedAt = cloneTime(ev.QuarantineEscalatedAt)
	c.SealedAt = cloneTime(ev.SealedAt)
	return &c
}

func cloneEvent(e models.LifecycleEvent) models.LifecycleEvent {
	e.Details = cloneJSONB(e.Details)
	return e
}

func cloneJSONB(j models.JSONB) models.JSONB {
	if j == nil {
		return nil
	}
	out := make(models.JSONB, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
