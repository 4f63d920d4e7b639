package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/complyledger/evidence/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey means another record already holds the idempotency key.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
	// ErrSequenceConflict means a concurrent writer appended to the event log first.
	ErrSequenceConflict = errors.New("lifecycle sequence conflict")
	// ErrDuplicateCommand means the command_id was already recorded for the tenant.
	ErrDuplicateCommand = errors.New("duplicate command id")
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Migrate applies the schema and records its version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertSchemaVersion, SchemaVersion); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

func (s *Store) UpsertTenant(ctx context.Context, tenant *models.Tenant) error {
	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now

	query := `
		INSERT INTO tenants (id, name, data_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			data_mode = EXCLUDED.data_mode,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, tenant.ID, tenant.Name, tenant.DataMode, tenant.CreatedAt, tenant.UpdatedAt)
	return err
}

func (s *Store) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := s.db.GetContext(ctx, &tenant, `SELECT * FROM tenants WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint, true
	}
	return "", false
}

// classify maps driver-level unique violations onto the package sentinels.
func classify(err error) error {
	constraint, ok := uniqueViolation(err)
	if !ok {
		return err
	}
	switch {
	case constraint == constraintIdempotency:
		return ErrDuplicateKey
	case constraint == constraintEventSequence:
		return ErrSequenceConflict
	case constraint == constraintEventCommandID:
		return ErrDuplicateCommand
	case strings.HasPrefix(constraint, "lifecycle_events"):
		return ErrSequenceConflict
	}
	return err
}
