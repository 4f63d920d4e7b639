package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/models"
)

// getTestDSN returns the test database DSN from environment
func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=evidence password=evidence_password dbname=evidence_test sslmode=disable"
	}
	return dsn
}

// skipIfNoTestDB skips the test if no test database is available
func skipIfNoTestDB(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{
		DSN:          getTestDSN(),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	return store
}

type backend interface {
	UpsertTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	CreateEvidence(ctx context.Context, ev *models.Evidence, initial *models.LifecycleEvent) error
	GetEvidence(ctx context.Context, tenantID string, id uuid.UUID) (*models.Evidence, error)
	GetEvidenceByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.Evidence, error)
	AppendLifecycleEvent(ctx context.Context, ev *models.Evidence, event *models.LifecycleEvent) error
	ListLifecycleEvents(ctx context.Context, tenantID string, evidenceID uuid.UUID) ([]models.LifecycleEvent, error)
	GetLifecycleEventByCommandID(ctx context.Context, tenantID, commandID string) (*models.LifecycleEvent, error)
	InsertAuditEvent(ctx context.Context, event *models.AuditEvent) (bool, error)
	ListAuditEvents(ctx context.Context, tenantID string, evidenceID uuid.UUID) ([]models.AuditEvent, error)
	ListOverdueQuarantines(ctx context.Context, day time.Time, limit int) ([]models.Evidence, error)
	MarkQuarantineEscalated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	RetentionExpiredCounts(ctx context.Context, asOf time.Time) (map[string]int, error)
}

var (
	_ backend = (*Store)(nil)
	_ backend = (*Memory)(nil)
)

func backends(t *testing.T) map[string]backend {
	out := map[string]backend{"memory": NewMemory()}
	if testing.Short() {
		return out
	}
	if s := skipIfNoTestDBQuiet(t); s != nil {
		t.Cleanup(func() { s.Close() })
		out["postgres"] = s
	}
	return out
}

// skipIfNoTestDBQuiet is skipIfNoTestDB for tests that also run against memory.
func skipIfNoTestDBQuiet(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{DSN: getTestDSN(), MaxOpenConns: 5, MaxIdleConns: 2})
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store
}

func seedTenant(t *testing.T, b backend, mode models.DataMode) string {
	t.Helper()
	id := "tenant-" + uuid.New().String()[:8]
	if err := b.UpsertTenant(context.Background(), &models.Tenant{ID: id, Name: id, DataMode: mode}); err != nil {
		t.Fatalf("UpsertTenant failed: %v", err)
	}
	return id
}

func newEvidence(tenantID, key string, created time.Time) *models.Evidence {
	return &models.Evidence{
		TenantID:              tenantID,
		DataMode:              models.DataModeLive,
		Origin:                models.OriginUserSubmission,
		RequestID:             "req-" + uuid.New().String()[:8],
		LedgerState:           models.LedgerIngested,
		LifecycleState:        models.StateRaw,
		TrustLevel:            models.TrustMedium,
		ReviewStatus:          models.ReviewNotReviewed,
		IngestionMethod:       models.MethodAPIPush,
		SourceSystem:          models.SourceSAP,
		DatasetType:           models.DatasetBOM,
		DeclaredScope:         models.ScopeEntireOrganization,
		PayloadBytes:          []byte(`{"a":1}`),
		PayloadHashSHA256:     "015abd7f5cc57a2dd94b7590f04ad8084273905ee33ec5cebeae62276a97f862",
		MetadataCanonicalJSON: `{"tenant_id":"` + tenantID + `"}`,
		MetadataHashSHA256:    "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8",
		RetentionPolicy:       models.Retention3Years,
		RetentionEndsAt:       created.AddDate(3, 0, 0),
		CreatedByUserID:       "user-1",
		IdempotencyKey:        key,
		CreatedAt:             created,
	}
}

func ingestedEvent(created time.Time) *models.LifecycleEvent {
	return &models.LifecycleEvent{
		SequenceNumber: 1,
		EventType:      models.EventEvidenceIngested,
		NewState:       models.StateRaw,
		ActorID:        "user-1",
		ActorRole:      "admin",
		CreatedAt:      created,
	}
}

func TestStore_EvidenceRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tenantID := seedTenant(t, b, models.DataModeLive)
			created := time.Now().UTC().Truncate(time.Microsecond)

			ev := newEvidence(tenantID, tenantID+":BOM:ext-1", created)
			if err := b.CreateEvidence(ctx, ev, ingestedEvent(created)); err != nil {
				t.Fatalf("CreateEvidence failed: %v", err)
			}
			if ev.ID == uuid.Nil {
				t.Fatal("expected evidence id to be assigned")
			}

			got, err := b.GetEvidence(ctx, tenantID, ev.ID)
			if err != nil {
				t.Fatalf("GetEvidence failed: %v", err)
			}
			if got == nil {
				t.Fatal("expected evidence")
			}
			if got.PayloadHashSHA256 != ev.PayloadHashSHA256 || got.MetadataHashSHA256 != ev.MetadataHashSHA256 {
				t.Error("hashes did not round trip")
			}
			if got.LastSequence != 1 {
				t.Errorf("expected last_sequence 1, got %d", got.LastSequence)
			}

			other, err := b.GetEvidence(ctx, "someone-else", ev.ID)
			if err != nil {
				t.Fatalf("GetEvidence failed: %v", err)
			}
			if other != nil {
				t.Error("records must not leak across tenants")
			}

			byKey, err := b.GetEvidenceByIdempotencyKey(ctx, tenantID, ev.IdempotencyKey)
			if err != nil || byKey == nil || byKey.ID != ev.ID {
				t.Fatalf("GetEvidenceByIdempotencyKey = %v, %v", byKey, err)
			}

			missing, err := b.GetEvidence(ctx, tenantID, uuid.New())
			if err != nil || missing != nil {
				t.Errorf("expected (nil, nil) for a missing record, got %v, %v", missing, err)
			}

			events, err := b.ListLifecycleEvents(ctx, tenantID, ev.ID)
			if err != nil {
				t.Fatalf("ListLifecycleEvents failed: %v", err)
			}
			if len(events) != 1 || events[0].EventType != models.EventEvidenceIngested {
				t.Fatalf("expected one ingestion event, got %+v", events)
			}
		})
	}
}

func TestStore_IdempotencyKeyUnique(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tenantID := seedTenant(t, b, models.DataModeLive)
			now := time.Now().UTC()
			key := tenantID + ":BOM:ext-dup"

			if err := b.CreateEvidence(ctx, newEvidence(tenantID, key, now), ingestedEvent(now)); err != nil {
				t.Fatalf("first CreateEvidence failed: %v", err)
			}
			dup := newEvidence(tenantID, key, now)
			err := b.CreateEvidence(ctx, dup, ingestedEvent(now))
			if !errors.Is(err, ErrDuplicateKey) {
				t.Fatalf("expected ErrDuplicateKey, got %v", err)
			}
			if got, _ := b.GetEvidence(ctx, tenantID, dup.ID); got != nil {
				t.Error("a rejected duplicate must leave nothing behind")
			}

			// Records without a key never collide.
			for i := 0; i < 2; i++ {
				if err := b.CreateEvidence(ctx, newEvidence(tenantID, "", now), ingestedEvent(now)); err != nil {
					t.Fatalf("keyless CreateEvidence failed: %v", err)
				}
			}
		})
	}
}

func TestStore_ConcurrentCreateSingleWinner(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tenantID := seedTenant(t, b, models.DataModeLive)
			now := time.Now().UTC()
			key := tenantID + ":BOM:race"

			const writers = 8
			var wg sync.WaitGroup
			results := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results <- b.CreateEvidence(ctx, newEvidence(tenantID, key, now), ingestedEvent(now))
				}()
			}
			wg.Wait()
			close(results)

			wins := 0
			for err := range results {
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrDuplicateKey):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			if wins != 1 {
				t.Errorf("expected exactly one winner, got %d", wins)
			}
		})
	}
}

func TestStore_AppendLifecycleEvent(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tenantID := seedTenant(t, b, models.DataModeLive)
			now := time.Now().UTC().Truncate(time.Microsecond)

			ev := newEvidence(tenantID, "", now)
			if err := b.CreateEvidence(ctx, ev, ingestedEvent(now)); err != nil {
				t.Fatalf("CreateEvidence failed: %v", err)
			}

			ev.LifecycleState = models.StateClassified
			ev.EvidenceType = "bill_of_materials"
			ev.ClaimedFrameworks = models.StringArray{"CBAM"}
			classify := &models.LifecycleEvent{
				SequenceNumber: 2,
				EventType:      models.EventClassified,
				PreviousState:  models.StateRaw,
				NewState:       models.StateClassified,
				ActorID:        "user-2",
				ActorRole:      "compliance",
				CommandID:      "cmd-" + uuid.New().String(),
				CommandHash:    "abc",
				CreatedAt:      now.Add(time.Second),
			}
			if err := b.AppendLifecycleEvent(ctx, ev, classify); err != nil {
				t.Fatalf("AppendLifecycleEvent failed: %v", err)
			}
			if ev.LastSequence != 2 {
				t.Errorf("expected caller's projection to advance, got %d", ev.LastSequence)
			}

			got, _ := b.GetEvidence(ctx, tenantID, ev.ID)
			if got.LifecycleState != models.StateClassified || got.EvidenceType != "bill_of_materials" {
				t.Errorf("projection not stored: %+v", got)
			}
			if len(got.ClaimedFrameworks) != 1 || got.ClaimedFrameworks[0] != "CBAM" {
				t.Errorf("expected frameworks [CBAM], got %v", got.ClaimedFrameworks)
			}

			// A second writer that read sequence 1 loses.
			stale := *got
			stale.LastSequence = 1
			err := b.AppendLifecycleEvent(ctx, &stale, &models.LifecycleEvent{
				SequenceNumber: 2,
				EventType:      models.EventTransitionBlocked,
				PreviousState:  models.StateRaw,
				NewState:       models.StateRaw,
				ActorID:        "user-3",
				CreatedAt:      now.Add(2 * time.Second),
			})
			if !errors.Is(err, ErrSequenceConflict) {
				t.Fatalf("expected ErrSequenceConflict, got %v", err)
			}

			// The same command id cannot be recorded twice for a tenant.
			err = b.AppendLifecycleEvent(ctx, got, &models.LifecycleEvent{
				SequenceNumber: 3,
				EventType:      models.EventStructured,
				PreviousState:  models.StateClassified,
				NewState:       models.StateStructured,
				ActorID:        "user-2",
				CommandID:      classify.CommandID,
				CreatedAt:      now.Add(3 * time.Second),
			})
			if !errors.Is(err, ErrDuplicateCommand) {
				t.Fatalf("expected ErrDuplicateCommand, got %v", err)
			}

			byCommand, err := b.GetLifecycleEventByCommandID(ctx, tenantID, classify.CommandID)
			if err != nil || byCommand == nil || byCommand.SequenceNumber != 2 {
				t.Fatalf("GetLifecycleEventByCommandID = %+v, %v", byCommand, err)
			}

			events, _ := b.ListLifecycleEvents(ctx, tenantID, ev.ID)
			if len(events) != 2 {
				t.Fatalf("expected 2 events, got %d", len(events))
			}
			for i, e := range events {
				if e.SequenceNumber != i+1 {
					t.Errorf("expected gap-free sequence, event %d has %d", i, e.SequenceNumber)
				}
			}
		})
	}
}

func TestStore_AuditEventsAreIdempotent(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tenantID := seedTenant(t, b, models.DataModeLive)
			now := time.Now().UTC()

			ev := newEvidence(tenantID, "", now)
			if err := b.CreateEvidence(ctx, ev, ingestedEvent(now)); err != nil {
				t.Fatalf("CreateEvidence failed: %v", err)
			}

			event := &models.AuditEvent{
				ID:          uuid.New(),
				TenantID:    tenantID,
				EvidenceID:  &ev.ID,
				ActorUserID: "user-1",
				Action:      models.AuditEvidenceIngested,
				Details:     models.JSONB{"ingestion_method": "API_PUSH"},
				RequestID:   ev.RequestID,
				CreatedAt:   now,
			}
			for i, want := range []bool{true, false} {
				inserted, err := b.InsertAuditEvent(ctx, event)
				if err != nil {
					t.Fatalf("InsertAuditEvent #%d failed: %v", i, err)
				}
				if inserted != want {
					t.Errorf("InsertAuditEvent #%d inserted=%v, want %v", i, inserted, want)
				}
			}

			got, _ := b.GetEvidence(ctx, tenantID, ev.ID)
			if got.AuditEventCount != 1 {
				t.Errorf("expected audit_event_count 1, got %d", got.AuditEventCount)
			}

			trail, err := b.ListAuditEvents(ctx, tenantID, ev.ID)
			if err != nil {
				t.Fatalf("ListAuditEvents failed: %v", err)
			}
			if len(trail) != 1 || trail[0].Action != models.AuditEvidenceIngested {
				t.Errorf("unexpected trail %+v", trail)
			}

			// Security violations have no record.
			violation := &models.AuditEvent{TenantID: tenantID, Action: models.AuditSecurityViolation, CreatedAt: now}
			if inserted, err := b.InsertAuditEvent(ctx, violation); err != nil || !inserted {
				t.Fatalf("record-less audit insert = %v, %v", inserted, err)
			}
		})
	}
}

func TestStore_Sweeps(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tenantID := seedTenant(t, b, models.DataModeLive)
			now := time.Date(2031, 3, 10, 9, 0, 0, 0, time.UTC)
			today := time.Date(2031, 3, 10, 0, 0, 0, 0, time.UTC)

			overdueDue := today.AddDate(0, 0, -1)
			todayDue := today

			var overdueID uuid.UUID
			for i, due := range []time.Time{overdueDue, todayDue} {
				ev := newEvidence(tenantID, fmt.Sprintf("%s:BOM:q%d", tenantID, i), now.AddDate(0, -1, 0))
				ev.DeclaredScope = models.ScopeUnknown
				ev.Quarantined = true
				ev.LedgerState = models.LedgerQuarantined
				ev.QuarantineReason = "Supplier legal entity not yet mapped in ERP"
				d := due
				ev.ResolutionDueDate = &d
				ev.RetentionEndsAt = now.Add(-time.Hour)
				if err := b.CreateEvidence(ctx, ev, ingestedEvent(ev.CreatedAt)); err != nil {
					t.Fatalf("CreateEvidence failed: %v", err)
				}
				if i == 0 {
					overdueID = ev.ID
				}
			}

			overdue, err := b.ListOverdueQuarantines(ctx, today, 100)
			if err != nil {
				t.Fatalf("ListOverdueQuarantines failed: %v", err)
			}
			found := 0
			for _, ev := range overdue {
				if ev.TenantID != tenantID {
					continue
				}
				found++
				if ev.ID != overdueID {
					t.Errorf("record due today is not overdue yet")
				}
			}
			if found != 1 {
				t.Fatalf("expected 1 overdue record, got %d", found)
			}

			for i, want := range []bool{true, false} {
				marked, err := b.MarkQuarantineEscalated(ctx, overdueID, now)
				if err != nil {
					t.Fatalf("MarkQuarantineEscalated #%d failed: %v", i, err)
				}
				if marked != want {
					t.Errorf("MarkQuarantineEscalated #%d = %v, want %v", i, marked, want)
				}
			}

			overdue, _ = b.ListOverdueQuarantines(ctx, today, 100)
			for _, ev := range overdue {
				if ev.ID == overdueID {
					t.Error("escalated records must not be listed again")
				}
			}

			counts, err := b.RetentionExpiredCounts(ctx, now)
			if err != nil {
				t.Fatalf("RetentionExpiredCounts failed: %v", err)
			}
			if counts[tenantID] != 2 {
				t.Errorf("expected 2 expired records for tenant, got %d", counts[tenantID])
			}
		})
	}
}

func TestStore_Tenants(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := seedTenant(t, b, models.DataModeDemo)

			tenant, err := b.GetTenant(ctx, id)
			if err != nil || tenant == nil {
				t.Fatalf("GetTenant = %v, %v", tenant, err)
			}
			if tenant.DataMode != models.DataModeDemo {
				t.Errorf("expected DEMO, got %s", tenant.DataMode)
			}

			missing, err := b.GetTenant(ctx, "no-such-tenant-"+uuid.New().String())
			if err != nil || missing != nil {
				t.Errorf("expected (nil, nil), got %v, %v", missing, err)
			}
		})
	}
}

func TestStore_MigrateIsRepeatable(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}
