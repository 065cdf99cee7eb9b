package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/pipeline"
	"github.com/ignite/workbook-migrator/internal/pkg/distlock"
	"github.com/ignite/workbook-migrator/internal/precheck"
	"github.com/ignite/workbook-migrator/internal/progress"
)

// =============================================================================
// ASYNC JOB MANAGER - Submission, Bounded Pool, Circuit Breaker
// =============================================================================
// Submit prechecks the workbook, persists it, creates the job records and
// hands the job to a bounded worker pool (core workers always running, extra
// workers up to the max when the queue backs up). A circuit breaker guards
// submission against cascading infrastructure failures; user-side rejections
// (bad workbook, duplicate job) never trip it.
// =============================================================================

var (
	ErrDuplicateJob  = errors.New("job already exists and is not terminal")
	ErrPoolExhausted = errors.New("job queue is full")
	ErrJobTerminal   = errors.New("job already reached a terminal status")
	ErrBreakerOpen   = errors.New("submissions suspended after repeated failures")
)

// ValidationError carries the precheck report for a rejected workbook.
type ValidationError struct {
	Report *precheck.Report
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workbook rejected with %d validation errors", len(e.Report.Errors))
}

// Archiver stores the source workbook of a finished job. Optional.
type Archiver interface {
	Archive(ctx context.Context, jobID, path string) error
}

// JobRunner executes one job's sheets. Implemented by pipeline.Scheduler.
type JobRunner interface {
	Run(ctx context.Context, jobID, path string, sheets []config.SheetType) pipeline.Aggregate
	JobStatus(agg pipeline.Aggregate) string
}

// Snapshot combines the job record with the progress aggregate.
type Snapshot struct {
	*progress.Snapshot
	Existing bool `json:"-"` // true when Submit returned a stored terminal result
}

// SystemInfo is the pool health view.
type SystemInfo struct {
	RunningJobs int `json:"runningJobs"`
	PoolSize    int `json:"poolSize"`
	QueueDepth  int `json:"queueDepth"`
}

type task struct {
	jobID string
	path  string
}

// Manager owns job lifecycle from upload to terminal status.
type Manager struct {
	cfg      *config.Config
	db       *sql.DB
	rdb      *redis.Client // may be nil
	pre      *precheck.Validator
	progress *progress.Store
	runner   JobRunner
	archiver Archiver // may be nil
	breaker  *gobreaker.CircuitBreaker

	queue   chan task
	workers int32
	running int32

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the manager and starts the core workers.
func New(cfg *config.Config, db *sql.DB, rdb *redis.Client, pr *progress.Store, runner JobRunner, archiver Archiver) *Manager {
	baseCtx, stop := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		db:        db,
		rdb:       rdb,
		pre:       precheck.New(cfg),
		progress:  pr,
		runner:    runner,
		archiver:  archiver,
		queue:     make(chan task, cfg.Jobs.QueueCapacity),
		cancels:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		baseCtx:   baseCtx,
		stop:      stop,
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "job-submit",
		Timeout: time.Duration(cfg.Jobs.BreakerCooldownSeconds) * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(cfg.Jobs.BreakerFailures)
		},
		// User-side rejections are not infrastructure failures.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ve *ValidationError
			return errors.As(err, &ve) ||
				errors.Is(err, ErrDuplicateJob) ||
				errors.Is(err, ErrPoolExhausted)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[Jobs] Circuit %s: %s -> %s", name, from, to)
		},
	})

	for i := 0; i < cfg.Jobs.CorePoolSize; i++ {
		m.spawnWorker(true)
	}
	return m
}

// Submit validates and enqueues a workbook. An empty jobID generates a fresh
// one; a caller-supplied jobID is the idempotency key.
func (m *Manager) Submit(ctx context.Context, data []byte, filename, jobID string) (*Snapshot, error) {
	out, err := m.breaker.Execute(func() (any, error) {
		return m.submit(ctx, data, filename, jobID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrBreakerOpen
	}
	if err != nil {
		return nil, err
	}
	return out.(*Snapshot), nil
}

func (m *Manager) submit(ctx context.Context, data []byte, filename, jobID string) (*Snapshot, error) {
	report := m.pre.Validate(data, filename)
	if !report.OK {
		return nil, &ValidationError{Report: report}
	}

	if jobID == "" {
		id, err := m.nextJobID(ctx)
		if err != nil {
			return nil, err
		}
		jobID = id
	}

	lock := distlock.NewLock(m.rdb, m.db, "migration:submit:"+jobID, 30*time.Second)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("submit lock: %w", err)
	}
	if !acquired {
		return nil, ErrDuplicateJob
	}
	defer lock.Release(ctx)

	if existing, err := m.progress.GetJob(ctx, jobID); err == nil {
		if !terminalJob(existing.Status) {
			return nil, ErrDuplicateJob
		}
		snap, err := m.progress.GetProgress(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Snapshot: snap, Existing: true}, nil
	} else if !errors.Is(err, progress.ErrJobNotFound) {
		return nil, err
	}

	path, err := m.persist(jobID, filename, data)
	if err != nil {
		return nil, err
	}

	if err := m.progress.CreateJob(ctx, jobID, path); err != nil {
		os.Remove(path)
		return nil, err
	}
	sheets := m.cfg.EnabledSheetTypes()
	names := make([]string, len(sheets))
	for i, st := range sheets {
		names[i] = st.Name
	}
	if err := m.progress.Init(ctx, jobID, names); err != nil {
		return nil, err
	}

	if err := m.enqueue(task{jobID: jobID, path: path}); err != nil {
		m.progress.SetJobStatus(ctx, jobID, progress.JobFailed, "rejected: pool exhausted")
		os.Remove(path)
		return nil, err
	}

	log.Printf("[Jobs] Accepted %s (%s, %d bytes)", jobID, filename, len(data))
	return &Snapshot{Snapshot: &progress.Snapshot{JobID: jobID, Status: progress.JobStarted}}, nil
}

// SubmitSync runs the job inline and returns the final snapshot.
func (m *Manager) SubmitSync(ctx context.Context, data []byte, filename, jobID string) (*Snapshot, error) {
	snap, err := m.Submit(ctx, data, filename, jobID)
	if err != nil || snap.Existing {
		return snap, err
	}
	// The queued task will be picked up by a worker; wait for a terminal
	// status instead of racing it.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			job, err := m.progress.GetJob(ctx, snap.JobID)
			if err != nil {
				return nil, err
			}
			if terminalJob(job.Status) {
				full, err := m.progress.GetProgress(ctx, snap.JobID)
				if err != nil {
					return nil, err
				}
				return &Snapshot{Snapshot: full}, nil
			}
		}
	}
}

// Status returns the combined job snapshot.
func (m *Manager) Status(ctx context.Context, jobID string) (*Snapshot, error) {
	snap, err := m.progress.GetProgress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Snapshot: snap}, nil
}

// Cancel requests cooperative cancellation. The running phase finishes its
// current batch before the job goes CANCELLED.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.progress.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if terminalJob(job.Status) {
		return ErrJobTerminal
	}

	m.mu.Lock()
	m.cancelled[jobID] = true
	cancel, inFlight := m.cancels[jobID]
	m.mu.Unlock()

	if inFlight {
		cancel()
		log.Printf("[Jobs] Cancellation signalled for running job %s", jobID)
		return nil
	}
	// Still queued: the worker will observe the flag and finalize.
	log.Printf("[Jobs] Queued job %s marked for cancellation", jobID)
	return nil
}

// SystemInfo reports pool health.
func (m *Manager) SystemInfo() SystemInfo {
	return SystemInfo{
		RunningJobs: int(atomic.LoadInt32(&m.running)),
		PoolSize:    int(atomic.LoadInt32(&m.workers)),
		QueueDepth:  len(m.queue),
	}
}

// Close stops the workers. Pending queue entries are abandoned; their jobs
// stay PENDING and can be resubmitted.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// ====== POOL ======

// enqueue places the task on the queue, growing the pool to its max size
// when the queue is full.
func (m *Manager) enqueue(t task) error {
	select {
	case m.queue <- t:
		return nil
	default:
	}
	if int(atomic.LoadInt32(&m.workers)) < m.cfg.Jobs.MaxPoolSize {
		m.spawnWorker(false)
	}
	select {
	case m.queue <- t:
		return nil
	default:
		return ErrPoolExhausted
	}
}

// spawnWorker starts a worker goroutine. Core workers live for the manager's
// lifetime; surge workers exit after an idle minute.
func (m *Manager) spawnWorker(core bool) {
	atomic.AddInt32(&m.workers, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer atomic.AddInt32(&m.workers, -1)
		idle := time.NewTimer(time.Minute)
		defer idle.Stop()
		for {
			if !core {
				idle.Reset(time.Minute)
			}
			select {
			case <-m.baseCtx.Done():
				return
			case t := <-m.queue:
				m.runJob(t)
			case <-idle.C:
				if !core {
					return
				}
			}
		}
	}()
}

func (m *Manager) runJob(t task) {
	atomic.AddInt32(&m.running, 1)
	defer atomic.AddInt32(&m.running, -1)

	ctx, cancel := context.WithCancel(m.baseCtx)
	defer cancel()

	m.mu.Lock()
	if m.cancelled[t.jobID] {
		m.mu.Unlock()
		m.finalize(t, progress.JobCancelled, "cancelled before start")
		return
	}
	m.cancels[t.jobID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, t.jobID)
		delete(m.cancelled, t.jobID)
		m.mu.Unlock()
	}()

	m.progress.SetJobStatus(context.Background(), t.jobID, progress.JobStarted, "")
	started := time.Now()

	agg := m.runner.Run(ctx, t.jobID, t.path, m.cfg.EnabledSheetTypes())
	status := m.runner.JobStatus(agg)
	msg := ""
	if status == progress.JobFailed {
		msg = fmt.Sprintf("%d of %d sheets failed", agg.FailedSheets, agg.TotalSheets)
	}
	m.finalize(t, status, msg)
	log.Printf("[Jobs] %s finished %s in %s: sheets ok=%d failed=%d inserted=%d",
		t.jobID, status, time.Since(started), agg.SuccessSheets, agg.FailedSheets, agg.SumInserted)

	if m.archiver != nil && (status == progress.JobCompleted || status == progress.JobCompletedWithErrors) {
		actx, acancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer acancel()
		if err := m.archiver.Archive(actx, t.jobID, t.path); err != nil {
			log.Printf("[Jobs] Archive failed for %s: %v", t.jobID, err)
		}
	}
}

func (m *Manager) finalize(t task, status, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.progress.SetJobStatus(ctx, t.jobID, status, msg); err != nil {
		log.Printf("[Jobs] Final status write failed for %s: %v", t.jobID, err)
	}
}

// ====== HELPERS ======

// nextJobID draws the per-day sequence from Redis, falling back to a count
// of today's jobs when Redis is unavailable.
func (m *Manager) nextJobID(ctx context.Context) (string, error) {
	now := time.Now().UTC()
	day := now.Format("20060102")
	if m.rdb != nil {
		key := "migration:jobseq:" + day
		seq, err := m.rdb.Incr(ctx, key).Result()
		if err == nil {
			m.rdb.Expire(ctx, key, 48*time.Hour)
			return fmt.Sprintf("JOB-%s-%03d", day, seq), nil
		}
		log.Printf("[Jobs] Redis sequence unavailable, using DB fallback: %v", err)
	}
	n, err := m.progress.CountJobsCreatedOn(ctx, now)
	if err != nil {
		return "", fmt.Errorf("job id sequence: %w", err)
	}
	return fmt.Sprintf("JOB-%s-%03d", day, n+1), nil
}

func (m *Manager) persist(jobID, filename string, data []byte) (string, error) {
	if err := os.MkdirAll(m.cfg.Upload.Dir, 0o755); err != nil {
		return "", fmt.Errorf("upload dir: %w", err)
	}
	path := filepath.Join(m.cfg.Upload.Dir, jobID+filepath.Ext(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("persist workbook: %w", err)
	}
	return path, nil
}

func terminalJob(status string) bool {
	switch status {
	case progress.JobCompleted, progress.JobCompletedWithErrors, progress.JobFailed, progress.JobCancelled:
		return true
	}
	return false
}
