package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/audit"
	"github.com/complyledger/evidence/internal/clock"
	"github.com/complyledger/evidence/internal/config"
	"github.com/complyledger/evidence/internal/models"
	"github.com/complyledger/evidence/internal/retention"
)

const (
	JobAuditOutboxDrain       = "audit_outbox_drain"
	JobQuarantineOverdueSweep = "quarantine_overdue_sweep"
	JobRetentionExpirySweep   = "retention_expiry_sweep"

	// SweepActor is recorded as the actor of audit events raised by sweeps.
	SweepActor = "system:scheduler"
)

// SweepStore is the slice of the evidence store the sweeps read and stamp.
type SweepStore interface {
	ListOverdueQuarantines(ctx context.Context, day time.Time, limit int) ([]models.Evidence, error)
	MarkQuarantineEscalated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	RetentionExpiredCounts(ctx context.Context, asOf time.Time) (map[string]int, error)
}

type Auditor interface {
	Emit(ctx context.Context, event *models.AuditEvent) error
}

// Notifier delivers operator alerts. *notifications.Service satisfies it.
type Notifier interface {
	NotifyQuarantineOverdue(ctx context.Context, ev *models.Evidence) error
	NotifyRetentionExpired(ctx context.Context, tenantID string, count int) error
	NotifyAuditDeadLetter(ctx context.Context, count int) error
}

// Sweeps holds the periodic maintenance passes over the ledger.
type Sweeps struct {
	Store     SweepStore
	Drainer   *audit.Drainer
	Auditor   Auditor
	Notifier  Notifier
	Clock     clock.Clock
	Logger    *slog.Logger
	BatchSize int
}

func (s *Sweeps) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

func (s *Sweeps) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// DrainAuditOutbox retries queued audit writes.
func (s *Sweeps) DrainAuditOutbox(ctx context.Context) (string, error) {
	if s.Drainer == nil {
		return "no outbox configured", nil
	}
	if n, err := s.Drainer.Recover(ctx); err != nil {
		s.logger().Warn("recovering stranded audit entries", "error", err)
	} else if n > 0 {
		s.logger().Info("recovered stranded audit entries", "count", n)
	}

	stats, err := s.Drainer.Drain(ctx)
	if err != nil {
		return "", err
	}
	if stats.DeadLettered > 0 && s.Notifier != nil {
		if nerr := s.Notifier.NotifyAuditDeadLetter(ctx, stats.DeadLettered); nerr != nil {
			s.logger().Warn("dead letter notification failed", "error", nerr)
		}
	}
	return fmt.Sprintf("delivered=%d retried=%d dead_lettered=%d",
		stats.Delivered, stats.Retried, stats.DeadLettered), nil
}

// SweepOverdueQuarantines escalates quarantined records whose resolution date
// has passed. Each record is escalated at most once.
func (s *Sweeps) SweepOverdueQuarantines(ctx context.Context) (string, error) {
	now := s.now()
	records, err := s.Store.ListOverdueQuarantines(ctx, retention.Day(now), s.BatchSize)
	if err != nil {
		return "", fmt.Errorf("listing overdue quarantines: %w", err)
	}

	var escalated int
	var errs []error
	for i := range records {
		ev := &records[i]
		marked, err := s.Store.MarkQuarantineEscalated(ctx, ev.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("escalating %s: %w", ev.ID, err))
			continue
		}
		if !marked {
			continue
		}
		escalated++
		ev.QuarantineEscalatedAt = &now

		details := models.JSONB{"quarantine_reason": ev.QuarantineReason}
		if ev.ResolutionDueDate != nil {
			details["resolution_due_date"] = ev.ResolutionDueDate.Format("2006-01-02")
		}
		id := ev.ID
		if s.Auditor != nil {
			if err := s.Auditor.Emit(ctx, audit.Event(ev.TenantID, &id, SweepActor, models.AuditQuarantineOverdue, "", details)); err != nil {
				s.logger().Error("quarantine overdue audit failed", "evidence_id", ev.ID, "tenant_id", ev.TenantID, "error", err)
			}
		}
		if s.Notifier != nil {
			if err := s.Notifier.NotifyQuarantineOverdue(ctx, ev); err != nil {
				s.logger().Warn("quarantine overdue notification failed", "evidence_id", ev.ID, "error", err)
			}
		}
	}

	return fmt.Sprintf("overdue=%d escalated=%d", len(records), escalated), errors.Join(errs...)
}

// SweepExpiredRetention reports records past their retention deadline.
// Evidence is never deleted here.
func (s *Sweeps) SweepExpiredRetention(ctx context.Context) (string, error) {
	counts, err := s.Store.RetentionExpiredCounts(ctx, s.now())
	if err != nil {
		return "", fmt.Errorf("counting expired retention: %w", err)
	}

	tenants := make([]string, 0, len(counts))
	total := 0
	for tenant, n := range counts {
		if n > 0 {
			tenants = append(tenants, tenant)
			total += n
		}
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		s.logger().Info("evidence past retention", "tenant_id", tenant, "count", counts[tenant])
		if s.Notifier != nil {
			if err := s.Notifier.NotifyRetentionExpired(ctx, tenant, counts[tenant]); err != nil {
				s.logger().Warn("retention notification failed", "tenant_id", tenant, "error", err)
			}
		}
	}
	return fmt.Sprintf("tenants=%d expired=%d", len(tenants), total), nil
}

// Jobs returns the sweep jobs on the schedules from cfg.
func (s *Sweeps) Jobs(cfg config.SchedulerConfig) []*Job {
	return []*Job{
		{
			Name:        JobAuditOutboxDrain,
			Description: "Retry audit events parked in the outbox",
			Schedule:    cfg.AuditOutboxDrain,
			Run:         s.DrainAuditOutbox,
		},
		{
			Name:        JobQuarantineOverdueSweep,
			Description: "Escalate quarantined evidence past its resolution date",
			Schedule:    cfg.QuarantineSweep,
			Run:         s.SweepOverdueQuarantines,
		},
		{
			Name:        JobRetentionExpirySweep,
			Description: "Report evidence past its retention deadline",
			Schedule:    cfg.RetentionSweep,
			Run:         s.SweepExpiredRetention,
		},
	}
}
