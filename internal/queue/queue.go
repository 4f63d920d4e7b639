// Package queue holds audit events whose direct write failed until the
// drainer delivers them. Redis backs it in clustered deployments; Memory
// covers single-node runs and tests.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/complyledger/evidence/internal/models"
)

const (
	AuditOutbox           = "evidence:audit:outbox"
	AuditOutboxProcessing = "evidence:audit:processing"
	AuditOutboxDead       = "evidence:audit:dead"

	MaxAttempts = 5
	BackoffUnit = 30 * time.Second
)

// Entry is one pending audit write.
type Entry struct {
	ID         uuid.UUID         `json:"id"`
	Event      models.AuditEvent `json:"event"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Backoff is the delay before retry number attempts.
func Backoff(attempts int) time.Duration {
	return time.Duration(attempts) * BackoffUnit
}

// Outbox is the contract the audit emitter and drainer rely on.
type Outbox interface {
	Enqueue(ctx context.Context, entry *Entry) error
	// Claim moves up to limit entries that are due at now into processing.
	Claim(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	Ack(ctx context.Context, entry *Entry) error
	// Retry reschedules a failed entry, or dead-letters it once it has used
	// MaxAttempts. It reports whether the entry was dead-lettered.
	Retry(ctx context.Context, entry *Entry, cause string, now time.Time) (bool, error)
	// Recover returns entries stranded in processing to the outbox.
	Recover(ctx context.Context) (int, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Queue struct {
	client *redis.Client
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, entry *Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling outbox entry: %w", err)
	}

	if err := q.client.ZAdd(ctx, AuditOutbox, redis.Z{
		Score:  float64(entry.EnqueuedAt.Unix()),
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing outbox entry: %w", err)
	}
	return nil
}

func (q *Queue) Claim(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := q.client.ZRangeByScore(ctx, AuditOutbox, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing due outbox entries: %w", err)
	}

	var claimed []*Entry
	for _, member := range members {
		// ZRem decides ownership when several drainers race for the same entry.
		removed, err := q.client.ZRem(ctx, AuditOutbox, member).Result()
		if err != nil {
			return claimed, fmt.Errorf("claiming outbox entry: %w", err)
		}
		if removed == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			q.client.SAdd(ctx, AuditOutboxDead, member)
			continue
		}
		if err := q.client.SAdd(ctx, AuditOutboxProcessing, member).Err(); err != nil {
			q.client.ZAdd(ctx, AuditOutbox, redis.Z{Score: float64(now.Unix()), Member: member})
			return claimed, fmt.Errorf("marking outbox entry as processing: %w", err)
		}
		claimed = append(claimed, &entry)
	}
	return claimed, nil
}

func (q *Queue) Ack(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling outbox entry: %w", err)
	}
	return q.client.SRem(ctx, AuditOutboxProcessing, string(data)).Err()
}

func (q *Queue) Retry(ctx context.Context, entry *Entry, cause string, now time.Time) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshaling outbox entry: %w", err)
	}
	q.client.SRem(ctx, AuditOutboxProcessing, string(data))

	entry.Attempts++
	entry.LastError = cause
	newData, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshaling outbox entry: %w", err)
	}

	if entry.Attempts >= MaxAttempts {
		if err := q.client.SAdd(ctx, AuditOutboxDead, string(newData)).Err(); err != nil {
			return false, fmt.Errorf("dead-lettering outbox entry: %w", err)
		}
		return true, nil
	}

	score := float64(now.Add(Backoff(entry.Attempts)).Unix())
	if err := q.client.ZAdd(ctx, AuditOutbox, redis.Z{
		Score:  score,
		Member: string(newData),
	}).Err(); err != nil {
		return false, fmt.Errorf("requeuing outbox entry: %w", err)
	}
	return false, nil
}

func (q *Queue) Recover(ctx context.Context) (int, error) {
	members, err := q.client.SMembers(ctx, AuditOutboxProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("listing processing outbox entries: %w", err)
	}

	recovered := 0
	for _, member := range members {
		removed, err := q.client.SRem(ctx, AuditOutboxProcessing, member).Result()
		if err != nil || removed == 0 {
			continue
		}
		q.client.ZAdd(ctx, AuditOutbox, redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: member,
		})
		recovered++
	}
	return recovered, nil
}

func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, _ := q.client.ZCard(ctx, AuditOutbox).Result()
	processing, _ := q.client.SCard(ctx, AuditOutboxProcessing).Result()
	dead, _ := q.client.SCard(ctx, AuditOutboxDead).Result()

	stats["pending"] = pending
	stats["processing"] = processing
	stats["dead"] = dead

	return stats, nil
}
