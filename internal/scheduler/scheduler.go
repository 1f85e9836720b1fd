package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-delivery/internal/config"
	"ms-delivery/internal/logger"
)

// Handler processes a fired job. Returning an error reschedules the
// job with backoff until the attempt ceiling, after which the job is
// parked. Handlers may call Schedule to chain further jobs; that is
// how delayed retries are built, never a sleep loop.
//
// An alias, not a defined type: registrants declare the plain func
// signature in their own small interfaces.
type Handler = func(ctx context.Context, payload []byte) error

type Scheduler struct {
	db  *bun.DB
	log *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	sem          chan struct{}
	maxAttempts  int
	retryBase    time.Duration
	pollInterval time.Duration
}

func New(db *bun.DB, log *logger.Logger, cfg config.OrchestratorConfig) *Scheduler {
	concurrency := cfg.JobConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxAttempts := cfg.JobMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Scheduler{
		db:           db,
		log:          log,
		handlers:     make(map[string]Handler),
		sem:          make(chan struct{}, concurrency),
		maxAttempts:  maxAttempts,
		retryBase:    cfg.JobRetryBase,
		pollInterval: cfg.JobPollInterval,
	}
}

// Register binds a handler to a job type. Jobs of an unregistered type
// are parked when they fire.
func (s *Scheduler) Register(jobType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
}

// Schedule persists a job firing at-or-after now+delay and returns its id.
func (s *Scheduler) Schedule(ctx context.Context, jobType string, payload interface{}, delay time.Duration) (string, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload for job %s: %w", jobType, err)
		}
	}

	job := &Job{
		JobID:     uuid.NewString(),
		Type:      jobType,
		Payload:   body,
		Status:    JobPending,
		RunAt:     time.Now().Add(delay),
		CreatedAt: time.Now(),
	}
	if _, err := s.db.NewInsert().Model(job).Exec(ctx); err != nil {
		return "", fmt.Errorf("insert job %s: %w", jobType, err)
	}

	s.log.LogJob("SCHEDULE", jobType, fmt.Sprintf("job %s fires in %s", job.JobID, delay))
	return job.JobID, nil
}

// Cancel marks a pending job cancelled so it never fires. Cancelling a
// missing, already-fired or already-cancelled job is a no-op; a job
// in flight when cancelled may still complete, so handlers re-check
// state rather than relying on cancellation.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) bool {
	if jobID == "" {
		return false
	}
	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", JobCancelled).
		Set("updated_at = ?", time.Now()).
		Where("job_id = ?", jobID).
		Where("status = ?", JobPending).
		Exec(ctx)
	if err != nil {
		s.log.Error("JOB", fmt.Sprintf("Failed to cancel job %s: %v", jobID, err))
		return false
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		s.log.LogJob("CANCEL", jobID, "pending job cancelled")
	}
	return rows > 0
}

// Start runs the dispatcher loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("JOB", "Scheduler dispatcher stopped")
				return
			case <-ticker.C:
				if _, err := s.RunDue(ctx); err != nil {
					s.log.Error("JOB", fmt.Sprintf("Dispatcher sweep failed: %v", err))
				}
			}
		}
	}()
	s.log.Info("JOB", fmt.Sprintf("Scheduler dispatcher started (concurrency %d)", cap(s.sem)))
}

// RunDue performs one dispatcher sweep: claim every due pending job
// with a conditional update and execute the claimed ones under the
// concurrency ceiling. It returns the number of jobs executed once
// they have all finished.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	var due []Job
	err := s.db.NewSelect().
		Model(&due).
		Where("status = ?", JobPending).
		Where("run_at <= ?", time.Now()).
		Order("run_at ASC").
		Limit(100).
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("select due jobs: %w", err)
	}

	var wg sync.WaitGroup
	executed := 0
	for i := range due {
		job := due[i]
		res, err := s.db.NewUpdate().
			Model((*Job)(nil)).
			Set("status = ?", JobRunning).
			Set("updated_at = ?", time.Now()).
			Where("job_id = ?", job.JobID).
			Where("status = ?", JobPending).
			Exec(ctx)
		if err != nil {
			s.log.Error("JOB", fmt.Sprintf("Failed to claim job %s: %v", job.JobID, err))
			continue
		}
		// Another dispatcher (or a cancel) got there first.
		if rows, _ := res.RowsAffected(); rows == 0 {
			continue
		}

		executed++
		wg.Add(1)
		s.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()
			s.execute(ctx, job)
		}()
	}
	wg.Wait()
	return executed, nil
}

// ReclaimStale requeues running jobs older than the cutoff. A claimed
// job whose process died would otherwise be stuck in running forever.
func (s *Scheduler) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", JobPending).
		Set("updated_at = ?", time.Now()).
		Where("status = ?", JobRunning).
		Where("updated_at < ?", time.Now().Add(-olderThan)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		s.log.Warn("JOB", fmt.Sprintf("Reclaimed %d stale running jobs", rows))
	}
	return rows, nil
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	s.mu.RLock()
	handler, ok := s.handlers[job.Type]
	s.mu.RUnlock()

	if !ok {
		s.log.Error("JOB", fmt.Sprintf("No handler registered for job type %s, parking job %s", job.Type, job.JobID))
		s.park(ctx, job, "no handler registered")
		return
	}

	err := s.runHandler(ctx, handler, job)
	if err == nil {
		_, dbErr := s.db.NewUpdate().
			Model((*Job)(nil)).
			Set("status = ?", JobDone).
			Set("attempts = attempts + 1").
			Set("updated_at = ?", time.Now()).
			Where("job_id = ?", job.JobID).
			Exec(ctx)
		if dbErr != nil {
			s.log.Error("JOB", fmt.Sprintf("Failed to mark job %s done: %v", job.JobID, dbErr))
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= s.maxAttempts {
		s.log.Error("JOB", fmt.Sprintf("Job %s (%s) failed attempt %d/%d, parking: %v",
			job.JobID, job.Type, attempts, s.maxAttempts, err))
		s.park(ctx, job, err.Error())
		return
	}

	// Exponential backoff before the next attempt.
	delay := s.retryBase * time.Duration(1<<uint(attempts-1))
	s.log.Warn("JOB", fmt.Sprintf("Job %s (%s) failed attempt %d/%d, retrying in %s: %v",
		job.JobID, job.Type, attempts, s.maxAttempts, delay, err))
	_, dbErr := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", JobPending).
		Set("attempts = ?", attempts).
		Set("run_at = ?", time.Now().Add(delay)).
		Set("last_error = ?", err.Error()).
		Set("updated_at = ?", time.Now()).
		Where("job_id = ?", job.JobID).
		Exec(ctx)
	if dbErr != nil {
		s.log.Error("JOB", fmt.Sprintf("Failed to reschedule job %s: %v", job.JobID, dbErr))
	}
}

func (s *Scheduler) runHandler(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job.Payload)
}

func (s *Scheduler) park(ctx context.Context, job Job, reason string) {
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", JobParked).
		Set("attempts = attempts + 1").
		Set("last_error = ?", reason).
		Set("updated_at = ?", time.Now()).
		Where("job_id = ?", job.JobID).
		Exec(ctx)
	if err != nil {
		s.log.Error("JOB", fmt.Sprintf("Failed to park job %s: %v", job.JobID, err))
	}
}
