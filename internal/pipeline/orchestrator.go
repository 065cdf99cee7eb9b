package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/mapping"
	"github.com/ignite/workbook-migrator/internal/progress"
	"github.com/ignite/workbook-migrator/internal/rules"
	"github.com/ignite/workbook-migrator/internal/staging"
	"github.com/ignite/workbook-migrator/internal/writer"
	"github.com/ignite/workbook-migrator/internal/xlsx"
)

// =============================================================================
// PHASE ORCHESTRATOR - Ingest, Validate, Insert for One Sheet
// =============================================================================
// Each phase runs under its own timeout and transaction scope and is retried
// up to maxAttempts on transient faults with a doubling backoff. Progress is
// written at every boundary. Cancellation is cooperative: it is observed at
// batch boundaries, the current batch commits, then the sheet goes CANCELLED.
// Phase work is replay-safe (staging merges skip rows already present, the
// error side upserts, domain writes upsert on business key), so a retried
// phase converges instead of duplicating.
// =============================================================================

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 5 * time.Second
)

// Staging is the slice of the staging store the orchestrator drives.
type Staging interface {
	AppendRaw(ctx context.Context, st config.SheetType, recs []mapping.Record) (int, error)
	MoveToValid(ctx context.Context, st config.SheetType, recs []mapping.Record) (int, error)
	MoveToError(ctx context.Context, st config.SheetType, faults []staging.RowFault) error
	ReadRaw(ctx context.Context, st config.SheetType, jobID string, afterRow, limit int) ([]mapping.Record, error)
	ReadValid(ctx context.Context, st config.SheetType, jobID string, afterRow, limit int) ([]mapping.Record, error)
	Counts(ctx context.Context, st config.SheetType, jobID string) (raw, valid, errs int64, err error)
}

// Progress is the slice of the progress store the orchestrator drives.
type Progress interface {
	SetStatus(ctx context.Context, jobID, sheetName, status, errMsg string) error
	SetCounters(ctx context.Context, jobID, sheetName string, c progress.Counters) error
}

// sheetSource is one open streaming handle over the workbook file.
type sheetSource interface {
	SheetDimension(name string) ([]string, int, error)
	StreamSheet(name string, fn xlsx.RowHandler) error
	Close() error
}

// SheetResult is the per-sheet outcome the scheduler aggregates.
type SheetResult struct {
	SheetName string
	Status    string
	Ingested  int64
	Valid     int64
	Errors    int64
	Inserted  int64
	Duration  time.Duration
	Err       error
}

// Orchestrator runs the three-phase pipeline for single sheets.
type Orchestrator struct {
	cfg      *config.Config
	staging  Staging
	progress Progress
	lookup   rules.Lookup
	writers  *writer.Registry
	business *rules.BusinessRegistry
	mappers  *mapping.Registry

	// open is swapped for a fake in tests.
	open        func(path string) (sheetSource, error)
	maxAttempts int
	backoff     time.Duration
}

// New wires the orchestrator against the real staging store and workbook
// streamer.
func New(cfg *config.Config, st *staging.Store, pr *progress.Store, writers *writer.Registry, business *rules.BusinessRegistry) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		staging:  st,
		progress: pr,
		lookup:   st,
		writers:  writers,
		business: business,
		mappers:  mapping.NewRegistry(cfg),
		open: func(path string) (sheetSource, error) {
			return xlsx.OpenWorkbook(path)
		},
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
}

// RunSheet drives one sheet through INGEST, VALIDATE and INSERT. The returned
// result always carries the final status; Err is set on FAILED.
func (o *Orchestrator) RunSheet(ctx context.Context, jobID, path string, st config.SheetType) SheetResult {
	started := time.Now()
	res := SheetResult{SheetName: st.Name}

	finish := func(status string, err error) SheetResult {
		res.Status = status
		res.Err = err
		res.Duration = time.Since(started)
		return res
	}

	fail := func(phase string, err error) SheetResult {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			o.setStatus(jobID, st.Name, progress.SheetCancelled, "cancelled during "+phase)
			log.Printf("[Pipeline] %s/%s cancelled during %s", jobID, st.Name, phase)
			return finish(progress.SheetCancelled, err)
		}
		msg := fmt.Sprintf("%s failed: %v", phase, err)
		o.setStatus(jobID, st.Name, progress.SheetFailed, msg)
		log.Printf("[Pipeline] %s/%s %s", jobID, st.Name, msg)
		return finish(progress.SheetFailed, err)
	}

	// INGEST
	o.setStatus(jobID, st.Name, progress.SheetIngesting, "")
	if err := o.runPhase(ctx, jobID, st.Name, "ingest", o.cfg.Pipeline.IngestTimeout(), func(pctx context.Context) error {
		return o.ingest(pctx, jobID, path, st)
	}); err != nil {
		return fail("ingest", err)
	}
	raw, _, _, err := o.staging.Counts(ctx, st, jobID)
	if err != nil {
		return fail("ingest", err)
	}
	res.Ingested = raw
	o.setCounters(jobID, st.Name, progress.Counters{Ingested: progress.Int(raw)})

	// VALIDATE
	o.setStatus(jobID, st.Name, progress.SheetValidating, "")
	if err := o.runPhase(ctx, jobID, st.Name, "validate", o.cfg.Pipeline.ValidationTimeout(), func(pctx context.Context) error {
		return o.validate(pctx, jobID, st)
	}); err != nil {
		return fail("validate", err)
	}
	_, valid, errRows, err := o.staging.Counts(ctx, st, jobID)
	if err != nil {
		return fail("validate", err)
	}
	res.Valid, res.Errors = valid, errRows
	o.setCounters(jobID, st.Name, progress.Counters{Valid: progress.Int(valid), Errors: progress.Int(errRows)})

	if valid == 0 {
		// Nothing to insert; the sheet is done (possibly with every row
		// on the error side).
		o.setStatus(jobID, st.Name, progress.SheetCompleted, "")
		return finish(progress.SheetCompleted, nil)
	}

	// INSERT
	o.setStatus(jobID, st.Name, progress.SheetInserting, "")
	var inserted int64
	if err := o.runPhase(ctx, jobID, st.Name, "insert", o.cfg.Pipeline.InsertTimeout(), func(pctx context.Context) error {
		n, err := o.insert(pctx, jobID, st)
		inserted = n
		return err
	}); err != nil {
		return fail("insert", err)
	}
	res.Inserted = inserted
	o.setCounters(jobID, st.Name, progress.Counters{Inserted: progress.Int(inserted)})

	o.setStatus(jobID, st.Name, progress.SheetCompleted, "")
	log.Printf("[Pipeline] %s/%s completed: ingested=%d valid=%d errors=%d inserted=%d in %s",
		jobID, st.Name, res.Ingested, res.Valid, res.Errors, inserted, time.Since(started))
	return finish(progress.SheetCompleted, nil)
}

// ====== PHASES ======

func (o *Orchestrator) ingest(ctx context.Context, jobID, path string, st config.SheetType) error {
	wb, err := o.open(path)
	if err != nil {
		return err
	}
	defer wb.Close()

	headers, total, err := wb.SheetDimension(st.Name)
	if err != nil {
		return err
	}
	o.setCounters(jobID, st.Name, progress.Counters{Total: progress.Int(int64(total))})

	m, ok := o.mappers.Mapper(st.Name)
	if !ok {
		return fmt.Errorf("no mapper for sheet type %s", st.Name)
	}
	bound, missing := m.Bind(headers)
	if len(missing) > 0 {
		log.Printf("[Pipeline] %s/%s headers absent, columns map to null: %s",
			jobID, st.Name, strings.Join(missing, ", "))
	}

	batchSize := st.BatchSize
	batch := make([]mapping.Record, 0, batchSize)
	var ingested int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := o.staging.AppendRaw(ctx, st, batch); err != nil {
			return err
		}
		ingested += int64(len(batch))
		batch = batch[:0]
		o.setCounters(jobID, st.Name, progress.Counters{Ingested: progress.Int(ingested)})
		// Batch boundary: the batch above is committed, safe to stop here.
		return ctx.Err()
	}

	err = wb.StreamSheet(st.Name, func(idx int, cells []string) error {
		if idx == 0 {
			return nil // header row; data rows keep their 1-based index
		}
		values, warnings := bound.MapRow(cells)
		for _, w := range warnings {
			log.Printf("[Pipeline] %s/%s row %d: %s", jobID, st.Name, idx, w)
		}
		batch = append(batch, mapping.Record{
			JobID:       jobID,
			SheetName:   st.Name,
			RowNumber:   idx,
			BusinessKey: m.BusinessKey(values),
			Values:      values,
		})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

func (o *Orchestrator) validate(ctx context.Context, jobID string, st config.SheetType) error {
	engine, err := rules.NewEngine(o.cfg, st, o.business)
	if err != nil {
		return err
	}
	// A fresh context per attempt: the in-file seen-set must not carry rows
	// from an aborted attempt or every row would look like its own duplicate.
	rctx := rules.NewContext(jobID, st, o.lookup)

	var validTotal, errorTotal int64
	after := 0
	for {
		recs, err := o.staging.ReadRaw(ctx, st, jobID, after, st.BatchSize)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		after = recs[len(recs)-1].RowNumber

		results, err := engine.ValidateBatch(ctx, rctx, recs)
		if err != nil {
			return err
		}

		var valid []mapping.Record
		var faults []staging.RowFault
		for _, r := range results {
			if len(r.Violations) == 0 {
				valid = append(valid, r.Record)
				continue
			}
			for _, v := range r.Violations {
				faults = append(faults, staging.RowFault{
					Record:    r.Record,
					RuleID:    v.RuleID,
					ErrorType: v.ErrorType,
					Field:     v.Field,
					Value:     v.Value,
					Message:   v.Message,
				})
			}
		}

		if _, err := o.staging.MoveToValid(ctx, st, valid); err != nil {
			return err
		}
		if err := o.staging.MoveToError(ctx, st, faults); err != nil {
			return err
		}
		validTotal += int64(len(valid))
		errorTotal += int64(len(results) - len(valid))
		o.setCounters(jobID, st.Name, progress.Counters{
			Valid:  progress.Int(validTotal),
			Errors: progress.Int(errorTotal),
		})
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) insert(ctx context.Context, jobID string, st config.SheetType) (int64, error) {
	w := o.writers.For(st.Name)
	var inserted int64
	after := 0
	for {
		recs, err := o.staging.ReadValid(ctx, st, jobID, after, st.BatchSize)
		if err != nil {
			return inserted, err
		}
		if len(recs) == 0 {
			return inserted, nil
		}
		after = recs[len(recs)-1].RowNumber

		n, err := w.WriteBatch(ctx, st, recs)
		if err != nil {
			return inserted, err
		}
		inserted += int64(n)
		o.setCounters(jobID, st.Name, progress.Counters{Inserted: progress.Int(inserted)})
		if err := ctx.Err(); err != nil {
			return inserted, err
		}
	}
}

// ====== RETRY ======

// runPhase executes one phase under its timeout, retrying transient faults
// with a doubling backoff. Cancellation of the parent context is never
// retried.
func (o *Orchestrator) runPhase(ctx context.Context, jobID, sheetName, phase string, timeout time.Duration, fn func(context.Context) error) error {
	backoff := o.backoff
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(pctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return err
		}
		if !isTransient(err) {
			return err
		}
		if attempt == o.maxAttempts {
			break
		}
		log.Printf("[Pipeline] %s/%s %s attempt %d/%d failed (%v), retrying in %s",
			jobID, sheetName, phase, attempt, o.maxAttempts, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", phase, o.maxAttempts, lastErr)
}

// isTransient classifies faults worth retrying: phase timeouts, Postgres
// deadlocks/serialization failures/statement timeouts, and network drops.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40P01", "40001", "57014":
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection")
}

// ====== PROGRESS HELPERS ======

// Progress writes are best effort and never use the phase context: a status
// must land even when the phase just timed out.
func (o *Orchestrator) setStatus(jobID, sheetName, status, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.progress.SetStatus(ctx, jobID, sheetName, status, errMsg); err != nil {
		log.Printf("[Pipeline] Progress status write failed for %s/%s: %v", jobID, sheetName, err)
	}
}

func (o *Orchestrator) setCounters(jobID, sheetName string, c progress.Counters) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.progress.SetCounters(ctx, jobID, sheetName, c); err != nil {
		log.Printf("[Pipeline] Progress counter write failed for %s/%s: %v", jobID, sheetName, err)
	}
}
