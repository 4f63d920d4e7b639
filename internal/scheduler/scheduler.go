package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning means the previous run of the job has not finished.
	ErrJobRunning = errors.New("job already running")
)

// JobFunc runs one pass of a job and returns a short summary of what it did.
type JobFunc func(ctx context.Context) (string, error)

// Job is a named periodic task.
type Job struct {
	Name        string
	Description string
	Schedule    string
	Run         JobFunc

	running sync.Mutex
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schedule    string     `json:"schedule"`
	NextRun     *time.Time `json:"next_run,omitempty"`
}

// JobExecution tracks job execution history
type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobName   string          `json:"job_name" db:"job_name"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Store records execution history.
type Store interface {
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobName string, limit int) ([]*JobExecution, error)
}

// Scheduler runs jobs on cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	store   Store
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	mu      sync.RWMutex
	wg      sync.WaitGroup
	logger  *slog.Logger
	now     func() time.Time
}

func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithParser(cron.NewParser(
				cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
			)),
		),
		store:   store,
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds a job. The schedule is validated immediately.
func (s *Scheduler) Register(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		if _, err := s.execute(context.Background(), job); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Error("scheduled job failed", "job_name", job.Name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", job.Name, err)
	}

	s.jobs[job.Name] = job
	s.entries[job.Name] = entryID

	s.logger.Info("scheduled job", "job_name", job.Name, "schedule", job.Schedule)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_count", len(s.jobs))
}

// Stop halts scheduling and waits for in-flight runs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Jobs lists registered jobs ordered by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, job := range s.jobs {
		info := JobInfo{Name: name, Description: job.Description, Schedule: job.Schedule}
		if entry := s.cron.Entry(s.entries[name]); entry.ID != 0 && !entry.Next.IsZero() {
			next := entry.Next
			info.NextRun = &next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunJobNow starts a run in the background.
func (s *Scheduler) RunJobNow(name string) error {
	job, err := s.job(name)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(context.Background(), job); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Error("manual job run failed", "job_name", name, "error", err)
		}
	}()
	return nil
}

// Execute runs a job synchronously and returns its execution record.
func (s *Scheduler) Execute(ctx context.Context, name string) (*JobExecution, error) {
	job, err := s.job(name)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) Executions(ctx context.Context, name string, limit int) ([]*JobExecution, error) {
	if _, err := s.job(name); err != nil {
		return nil, err
	}
	return s.store.GetJobExecutions(ctx, name, limit)
}

func (s *Scheduler) job(name string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return job, nil
}

func (s *Scheduler) execute(ctx context.Context, job *Job) (*JobExecution, error) {
	if !job.running.TryLock() {
		s.logger.Warn("skipping job run, previous run still active", "job_name", job.Name)
		return nil, ErrJobRunning
	}
	defer job.running.Unlock()

	startTime := s.now()
	exec := &JobExecution{
		ID:        uuid.New().String(),
		JobName:   job.Name,
		Status:    StatusRunning,
		StartedAt: startTime,
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to create execution record", "job_name", job.Name, "error", err)
	}

	s.logger.Info("executing job", "job_name", job.Name, "execution_id", exec.ID)

	output, runErr := s.run(ctx, job)
	endTime := s.now()
	exec.EndedAt = &endTime
	exec.Output = output

	if runErr != nil {
		exec.Status = StatusFailed
		exec.Error = runErr.Error()
		s.logger.Error("job execution failed",
			"job_name", job.Name,
			"error", runErr,
			"duration", endTime.Sub(startTime))
	} else {
		exec.Status = StatusCompleted
		s.logger.Info("job execution completed",
			"job_name", job.Name,
			"output", output,
			"duration", endTime.Sub(startTime))
	}

	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to update execution record", "job_name", job.Name, "error", err)
	}
	return exec, runErr
}

func (s *Scheduler) run(ctx context.Context, job *Job) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}
