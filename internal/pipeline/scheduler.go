package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/progress"
)

// =============================================================================
// SHEET SCHEDULER - Sequential or Bounded-Parallel Fan-Out
// =============================================================================
// Dispatches the enabled sheet types of one job to the orchestrator, either
// in declared order or through a bounded worker pool. Sheets are independent:
// a failure in one never rolls back another. On shutdown the scheduler stops
// dispatching, waits out a grace period, then force-fails whatever is still
// running.
// =============================================================================

// SheetRunner runs one sheet end to end. Implemented by the Orchestrator.
type SheetRunner interface {
	RunSheet(ctx context.Context, jobID, path string, st config.SheetType) SheetResult
}

// Aggregate is the whole-job outcome.
type Aggregate struct {
	TotalSheets   int           `json:"totalSheets"`
	SuccessSheets int           `json:"successSheets"`
	FailedSheets  int           `json:"failedSheets"`
	SumIngested   int64         `json:"sumIngested"`
	SumValid      int64         `json:"sumValid"`
	SumErrors     int64         `json:"sumErrors"`
	SumInserted   int64         `json:"sumInserted"`
	PerSheet      []SheetResult `json:"perSheetResults"`
}

// Cancelled reports whether any sheet ended CANCELLED.
func (a Aggregate) Cancelled() bool {
	for _, r := range a.PerSheet {
		if r.Status == progress.SheetCancelled {
			return true
		}
	}
	return false
}

// Scheduler fans a job's sheets out to the runner.
type Scheduler struct {
	runner   SheetRunner
	progress Progress
	policy   config.PipelineConfig

	mu       sync.Mutex
	stopping bool
	inflight map[string]struct{} // "jobID/sheetName"
	wg       sync.WaitGroup
	cancels  []context.CancelFunc
}

// NewScheduler builds a scheduler with the configured policy.
func NewScheduler(runner SheetRunner, pr Progress, policy config.PipelineConfig) *Scheduler {
	return &Scheduler{
		runner:   runner,
		progress: pr,
		policy:   policy,
		inflight: make(map[string]struct{}),
	}
}

// Run processes the job's sheets and aggregates the outcomes. Sheets are
// assumed to be enabled and already ordered.
func (s *Scheduler) Run(ctx context.Context, jobID, path string, sheets []config.SheetType) Aggregate {
	if s.policy.UseParallelSheetProcessing {
		return s.runParallel(ctx, jobID, path, sheets)
	}
	return s.runSequential(ctx, jobID, path, sheets)
}

func (s *Scheduler) runSequential(ctx context.Context, jobID, path string, sheets []config.SheetType) Aggregate {
	results := make([]SheetResult, 0, len(sheets))
	skipRemaining := false
	for _, st := range sheets {
		if skipRemaining {
			// Never started; the progress row stays PENDING.
			results = append(results, SheetResult{SheetName: st.Name, Status: progress.SheetPending})
			continue
		}
		if !s.admit(jobID, st.Name) {
			results = append(results, s.skipSheet(jobID, st.Name, "scheduler shutting down"))
			continue
		}
		res := s.runOne(ctx, jobID, path, st)
		results = append(results, res)
		if res.Status == progress.SheetFailed && !s.policy.ContinueOnSheetFailure {
			log.Printf("[Scheduler] %s: stopping after %s failed (continue-on-failure off)", jobID, st.Name)
			skipRemaining = true
		}
		if res.Status == progress.SheetCancelled {
			skipRemaining = true
		}
	}
	return aggregate(results)
}

func (s *Scheduler) runParallel(ctx context.Context, jobID, path string, sheets []config.SheetType) Aggregate {
	// Sheets without the per-sheet parallel flag run first, sequentially and
	// in configured order: they build the masters that later sheets'
	// reference rules look up.
	results := make([]SheetResult, len(sheets))
	var pool []int
	skipRemaining := false
	for i, st := range sheets {
		if st.Parallel {
			pool = append(pool, i)
			continue
		}
		if skipRemaining {
			results[i] = SheetResult{SheetName: st.Name, Status: progress.SheetPending}
			continue
		}
		if !s.admit(jobID, st.Name) {
			results[i] = s.skipSheet(jobID, st.Name, "scheduler shutting down")
			continue
		}
		res := s.runOne(ctx, jobID, path, st)
		results[i] = res
		if res.Status == progress.SheetFailed && !s.policy.ContinueOnSheetFailure {
			log.Printf("[Scheduler] %s: stopping after %s failed (continue-on-failure off)", jobID, st.Name)
			skipRemaining = true
		}
		if res.Status == progress.SheetCancelled {
			skipRemaining = true
		}
	}
	if skipRemaining {
		for _, i := range pool {
			results[i] = SheetResult{SheetName: sheets[i].Name, Status: progress.SheetPending}
		}
		return aggregate(results)
	}

	sem := make(chan struct{}, s.policy.MaxConcurrentSheets)
	var wg sync.WaitGroup
	for _, i := range pool {
		st := sheets[i]
		if !s.admit(jobID, st.Name) {
			results[i] = s.skipSheet(jobID, st.Name, "scheduler shutting down")
			continue
		}
		wg.Add(1)
		go func(i int, st config.SheetType) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = s.runOne(ctx, jobID, path, st)
		}(i, st)
	}
	wg.Wait()
	return aggregate(results)
}

// runOne executes a single sheet under the per-sheet timeout and tracks it
// for shutdown accounting.
func (s *Scheduler) runOne(ctx context.Context, jobID, path string, st config.SheetType) SheetResult {
	sctx, cancel := context.WithTimeout(ctx, s.policy.SheetTimeout())
	defer cancel()

	key := jobID + "/" + st.Name
	s.mu.Lock()
	s.inflight[key] = struct{}{}
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
	s.wg.Add(1)
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		s.wg.Done()
	}()

	return s.runner.RunSheet(sctx, jobID, path, st)
}

// admit reports whether new work may start; false once shutdown began.
func (s *Scheduler) admit(jobID, sheetName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		log.Printf("[Scheduler] Rejecting %s/%s: shutting down", jobID, sheetName)
		return false
	}
	return true
}

// skipSheet marks a never-started sheet FAILED and returns its result.
func (s *Scheduler) skipSheet(jobID, sheetName, msg string) SheetResult {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.progress.SetStatus(ctx, jobID, sheetName, progress.SheetFailed, msg); err != nil {
		log.Printf("[Scheduler] Failed to mark %s/%s: %v", jobID, sheetName, err)
	}
	return SheetResult{SheetName: sheetName, Status: progress.SheetFailed}
}

// Shutdown stops admitting new sheets, waits up to the grace period for
// in-flight sheets, then force-fails the survivors. The FAILED mark is
// written before the context cancel so the orchestrator's own CANCELLED
// write loses against the monotonic status guard.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.policy.ShutdownGrace()
	select {
	case <-done:
		log.Printf("[Scheduler] All in-flight sheets drained")
		return
	case <-time.After(grace):
	}

	s.mu.Lock()
	survivors := make([]string, 0, len(s.inflight))
	for key := range s.inflight {
		survivors = append(survivors, key)
	}
	cancels := s.cancels
	s.mu.Unlock()

	log.Printf("[Scheduler] Grace period %s elapsed, force-failing %d sheets", grace, len(survivors))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, key := range survivors {
		jobID, sheetName, ok := splitKey(key)
		if !ok {
			continue
		}
		if err := s.progress.SetStatus(ctx, jobID, sheetName, progress.SheetFailed, "shutdown"); err != nil {
			log.Printf("[Scheduler] Failed to mark %s: %v", key, err)
		}
	}
	for _, c := range cancels {
		c()
	}
	s.wg.Wait()
}

func splitKey(key string) (jobID, sheetName string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

func aggregate(results []SheetResult) Aggregate {
	agg := Aggregate{TotalSheets: len(results), PerSheet: results}
	for _, r := range results {
		agg.SumIngested += r.Ingested
		agg.SumValid += r.Valid
		agg.SumErrors += r.Errors
		agg.SumInserted += r.Inserted
		switch r.Status {
		case progress.SheetCompleted:
			agg.SuccessSheets++
		case progress.SheetFailed:
			agg.FailedSheets++
		}
	}
	return agg
}

// JobStatus derives the overall job status from the aggregate: COMPLETED when
// every sheet completed, COMPLETED_WITH_ERRORS when failures were tolerated,
// CANCELLED when any sheet was cancelled, FAILED otherwise.
func (s *Scheduler) JobStatus(agg Aggregate) string {
	switch {
	case agg.Cancelled():
		return progress.JobCancelled
	case agg.SuccessSheets == agg.TotalSheets:
		return progress.JobCompleted
	case agg.FailedSheets > 0 && s.policy.ContinueOnSheetFailure:
		return progress.JobCompletedWithErrors
	default:
		return progress.JobFailed
	}
}
