// Package audit records who did what to which evidence. Writes never ride on
// the caller's cancellation: once the primary write has committed, the audit
// entry is written directly or parked in the outbox for the drainer.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/clock"
	"github.com/complyledger/evidence/internal/models"
	"github.com/complyledger/evidence/internal/queue"
)

const DefaultWriteTimeout = 5 * time.Second

// ErrUndelivered means neither the store nor the outbox accepted the event.
var ErrUndelivered = errors.New("audit event could not be stored or queued")

// Writer persists audit events. Inserting an id twice must be a no-op.
type Writer interface {
	InsertAuditEvent(ctx context.Context, event *models.AuditEvent) (bool, error)
}

type Emitter struct {
	writer  Writer
	outbox  queue.Outbox
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger
}

type EmitterConfig struct {
	Writer       Writer
	Outbox       queue.Outbox
	Clock        clock.Clock
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func NewEmitter(cfg EmitterConfig) *Emitter {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Outbox == nil {
		cfg.Outbox = queue.NewMemory()
	}
	return &Emitter{
		writer:  cfg.Writer,
		outbox:  cfg.Outbox,
		clock:   cfg.Clock,
		timeout: cfg.WriteTimeout,
		logger:  cfg.Logger,
	}
}

// Event builds an audit entry.
func Event(tenantID string, evidenceID *uuid.UUID, actor string, action models.AuditAction, requestID string, details models.JSONB) *models.AuditEvent {
	return &models.AuditEvent{
		TenantID:    tenantID,
		EvidenceID:  evidenceID,
		ActorUserID: actor,
		Action:      action,
		Details:     details,
		RequestID:   requestID,
	}
}

// Emit stores event, falling back to the outbox. The id and timestamp are
// fixed before the first attempt so a later redelivery is deduplicated.
func (e *Emitter) Emit(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = e.clock.Now()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	_, err := e.writer.InsertAuditEvent(wctx, event)
	if err == nil {
		return nil
	}

	e.logger.Warn("audit write failed, queuing for retry",
		"audit_event_id", event.ID, "action", event.Action, "tenant_id", event.TenantID, "error", err)

	entry := &queue.Entry{Event: *event, LastError: err.Error(), EnqueuedAt: e.clock.Now()}
	if qerr := e.outbox.Enqueue(wctx, entry); qerr != nil {
		attrs := []any{"audit_event_id", event.ID, "action", event.Action, "tenant_id", event.TenantID}
		if event.EvidenceID != nil {
			attrs = append(attrs, "evidence_id", event.EvidenceID.String())
		}
		attrs = append(attrs, "request_id", event.RequestID, "details", event.Details,
			"write_error", err, "queue_error", qerr)
		e.logger.Error("audit event undeliverable", attrs...)
		return fmt.Errorf("%w: %v", ErrUndelivered, qerr)
	}
	return nil
}

// Drainer retries queued audit events.
type Drainer struct {
	writer Writer
	outbox queue.Outbox
	clock  clock.Clock
	logger *slog.Logger
	batch  int
}

func NewDrainer(writer Writer, outbox queue.Outbox, c clock.Clock, logger *slog.Logger) *Drainer {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{writer: writer, outbox: outbox, clock: c, logger: logger, batch: 100}
}

type DrainStats struct {
	Delivered    int
	Retried      int
	DeadLettered int
}

// Drain delivers every entry that is currently due.
func (d *Drainer) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	now := d.clock.Now()

	entries, err := d.outbox.Claim(ctx, now, d.batch)
	if err != nil {
		return stats, fmt.Errorf("claiming audit outbox: %w", err)
	}

	for _, entry := range entries {
		event := entry.Event
		if _, err := d.writer.InsertAuditEvent(ctx, &event); err != nil {
			dead, rerr := d.outbox.Retry(ctx, entry, err.Error(), now)
			if rerr != nil {
				return stats, fmt.Errorf("rescheduling audit event %s: %w", event.ID, rerr)
			}
			if dead {
				stats.DeadLettered++
				d.logger.Error("audit event dead-lettered",
					"audit_event_id", event.ID, "action", event.Action, "tenant_id", event.TenantID,
					"attempts", entry.Attempts, "error", err)
			} else {
				stats.Retried++
			}
			continue
		}

		if err := d.outbox.Ack(ctx, entry); err != nil {
			d.logger.Warn("acknowledging audit outbox entry", "audit_event_id", event.ID, "error", err)
		}
		stats.Delivered++
	}
	return stats, nil
}

// Recover returns entries a crashed drainer left in processing.
func (d *Drainer) Recover(ctx context.Context) (int, error) {
	return d.outbox.Recover(ctx)
}
