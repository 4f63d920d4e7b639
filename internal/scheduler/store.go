package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_name, status, started_at, error, output)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, exec.ID, exec.JobName, string(exec.Status), exec.StartedAt, exec.Error, exec.Output)
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status = $2, ended_at = $3, error = $4, output = $5
		WHERE id = $1
	`, exec.ID, string(exec.Status), exec.EndedAt, exec.Error, exec.Output)
	return err
}

func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobName string, limit int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	var execs []*JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_name, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE job_name = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, jobName, limit)
	return execs, err
}

// MemoryStore keeps execution history in process.
type MemoryStore struct {
	mu    sync.Mutex
	execs []*JobExecution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) CreateExecution(_ context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *exec
	m.execs = append(m.execs, &c)
	return nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.execs {
		if e.ID == exec.ID {
			c := *exec
			m.execs[i] = &c
		}
	}
	return nil
}

func (m *MemoryStore) GetJobExecutions(_ context.Context, jobName string, limit int) ([]*JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*JobExecution
	for _, e := range m.execs {
		if e.JobName == jobName {
			c := *e
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
