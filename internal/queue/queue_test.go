package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/models"
)

// skipIfNoTestRedis skips the test if no Redis is reachable.
func skipIfNoTestRedis(t *testing.T) *Queue {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping test, TEST_REDIS_ADDR not set")
		return nil
	}
	q, err := New(Config{Addr: addr, DB: 15})
	if err != nil {
		t.Skipf("Skipping test, redis not reachable: %v", err)
		return nil
	}
	ctx := context.Background()
	q.client.Del(ctx, AuditOutbox, AuditOutboxProcessing, AuditOutboxDead)
	return q
}

func outboxes(t *testing.T) map[string]Outbox {
	out := map[string]Outbox{"memory": NewMemory()}
	if os.Getenv("TEST_REDIS_ADDR") != "" {
		if q := skipIfNoTestRedis(t); q != nil {
			t.Cleanup(func() { q.Close() })
			out["redis"] = q
		}
	}
	return out
}

func auditEntry(at time.Time) *Entry {
	id := uuid.New()
	return &Entry{
		Event: models.AuditEvent{
			ID:         uuid.New(),
			TenantID:   "t1",
			EvidenceID: &id,
			Action:     models.AuditEvidenceIngested,
			Details:    models.JSONB{"ingestion_method": "API_PUSH"},
			RequestID:  "r1",
			CreatedAt:  at,
		},
		EnqueuedAt: at,
	}
}

func TestBackoff(t *testing.T) {
	if Backoff(1) != 30*time.Second || Backoff(4) != 2*time.Minute {
		t.Errorf("unexpected backoff %s / %s", Backoff(1), Backoff(4))
	}
}

func TestOutbox_ClaimAck(t *testing.T) {
	for name, ob := range outboxes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			entry := auditEntry(now)
			if err := ob.Enqueue(ctx, entry); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}

			claimed, err := ob.Claim(ctx, now, 10)
			if err != nil {
				t.Fatalf("Claim failed: %v", err)
			}
			if len(claimed) != 1 || claimed[0].Event.ID != entry.Event.ID {
				t.Fatalf("expected the entry to be claimed, got %+v", claimed)
			}

			again, _ := ob.Claim(ctx, now, 10)
			if len(again) != 0 {
				t.Error("a claimed entry must not be handed out twice")
			}

			if err := ob.Ack(ctx, claimed[0]); err != nil {
				t.Fatalf("Ack failed: %v", err)
			}
			stats, _ := ob.Stats(ctx)
			if stats["pending"] != 0 || stats["processing"] != 0 {
				t.Errorf("expected empty outbox, got %v", stats)
			}
		})
	}
}

func TestOutbox_RetryBackoffAndDeadLetter(t *testing.T) {
	for name, ob := range outboxes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			if err := ob.Enqueue(ctx, auditEntry(now)); err != nil {
				t.Fatal(err)
			}

			for attempt := 1; attempt <= MaxAttempts; attempt++ {
				claimed, err := ob.Claim(ctx, now, 10)
				if err != nil {
					t.Fatal(err)
				}
				if len(claimed) != 1 {
					t.Fatalf("attempt %d: expected 1 due entry, got %d", attempt, len(claimed))
				}

				dead, err := ob.Retry(ctx, claimed[0], "store unavailable", now)
				if err != nil {
					t.Fatal(err)
				}
				if dead != (attempt == MaxAttempts) {
					t.Fatalf("attempt %d: dead=%v", attempt, dead)
				}
				if dead {
					break
				}

				early, _ := ob.Claim(ctx, now.Add(Backoff(attempt)-time.Second), 10)
				if len(early) != 0 {
					t.Fatalf("attempt %d: entry became due before its backoff", attempt)
				}
				now = now.Add(Backoff(attempt))
			}

			stats, _ := ob.Stats(ctx)
			if stats["dead"] != 1 || stats["pending"] != 0 {
				t.Errorf("expected one dead-lettered entry, got %v", stats)
			}
		})
	}
}

func TestOutbox_Recover(t *testing.T) {
	for name, ob := range outboxes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			if err := ob.Enqueue(ctx, auditEntry(now)); err != nil {
				t.Fatal(err)
			}
			if claimed, _ := ob.Claim(ctx, now, 10); len(claimed) != 1 {
				t.Fatal("expected a claim")
			}

			n, err := ob.Recover(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("expected 1 recovered entry, got %d", n)
			}
			claimed, _ := ob.Claim(ctx, time.Now().UTC().Add(time.Second), 10)
			if len(claimed) != 1 {
				t.Errorf("recovered entry must be claimable, got %d", len(claimed))
			}
		})
	}
}
