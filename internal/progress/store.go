package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// JOB PROGRESS STORE - Postgres Authoritative, Redis Snapshot Cache
// =============================================================================
// One row per job in migration_jobs, one row per (job, sheet) in
// migration_sheet_progress. Every update is a single-row UPDATE with a
// monotonic status guard in SQL, so a late writer can never regress a status.
// Polling reads go through a short-lived Redis snapshot when Redis is
// available; the store works without Redis.
// =============================================================================

// Job statuses.
const (
	JobPending             = "PENDING"
	JobStarted             = "STARTED"
	JobCompleted           = "COMPLETED"
	JobCompletedWithErrors = "COMPLETED_WITH_ERRORS"
	JobFailed              = "FAILED"
	JobCancelled           = "CANCELLED"
)

// Sheet statuses.
const (
	SheetPending    = "PENDING"
	SheetIngesting  = "INGESTING"
	SheetValidating = "VALIDATING"
	SheetInserting  = "INSERTING"
	SheetCompleted  = "COMPLETED"
	SheetFailed     = "FAILED"
	SheetCancelled  = "CANCELLED"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrSheetNotFound = errors.New("sheet progress not found")
)

const (
	snapshotTTL    = 5 * time.Second
	snapshotPrefix = "migration:progress:"
)

// Job is one row of migration_jobs.
type Job struct {
	JobID        string     `json:"jobId"`
	InputPath    string     `json:"-"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// SheetProgress is one row of migration_sheet_progress.
type SheetProgress struct {
	JobID           string `json:"jobId"`
	SheetName       string `json:"sheetName"`
	SheetOrder      int    `json:"sheetOrder"`
	Status          string `json:"status"`
	CurrentPhase    string `json:"currentPhase,omitempty"`
	ProgressPercent int    `json:"progressPercent"`

	TotalRows    int64 `json:"totalRows"`
	IngestedRows int64 `json:"ingestedRows"`
	ValidRows    int64 `json:"validRows"`
	ErrorRows    int64 `json:"errorRows"`
	InsertedRows int64 `json:"insertedRows"`

	IngestStartedAt    *time.Time `json:"ingestStartedAt,omitempty"`
	IngestFinishedAt   *time.Time `json:"ingestFinishedAt,omitempty"`
	ValidateStartedAt  *time.Time `json:"validateStartedAt,omitempty"`
	ValidateFinishedAt *time.Time `json:"validateFinishedAt,omitempty"`
	InsertStartedAt    *time.Time `json:"insertStartedAt,omitempty"`
	InsertFinishedAt   *time.Time `json:"insertFinishedAt,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Counters is a partial update; nil fields are left untouched.
type Counters struct {
	Total    *int64
	Ingested *int64
	Valid    *int64
	Errors   *int64
	Inserted *int64
}

// Int is a convenience for building partial counter updates.
func Int(n int64) *int64 { return &n }

// Snapshot is the aggregate progress view served to pollers.
type Snapshot struct {
	JobID           string     `json:"jobId"`
	Status          string     `json:"status"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	TotalSheets     int        `json:"totalSheets"`
	CompletedSheets int        `json:"completedSheets"`
	FailedSheets    int        `json:"failedSheets"`
	CurrentSheet    string     `json:"currentSheet,omitempty"`
	OverallPercent  int        `json:"overallPercent"`
	SumIngested     int64      `json:"sumIngested"`
	SumValid        int64      `json:"sumValid"`
	SumErrors       int64      `json:"sumErrors"`
	SumInserted     int64      `json:"sumInserted"`
}

// Store persists job and sheet progress. rdb may be nil.
type Store struct {
	db  *sql.DB
	rdb *redis.Client
}

func New(db *sql.DB, rdb *redis.Client) *Store {
	return &Store{db: db, rdb: rdb}
}

// ====== JOBS ======

// CreateJob records a new PENDING job.
func (s *Store) CreateJob(ctx context.Context, jobID, inputPath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO migration_jobs (job_id, input_path, status, created_at)
		VALUES ($1, $2, 'PENDING', NOW())`, jobID, inputPath)
	if err != nil {
		return fmt.Errorf("create job %s: %w", jobID, err)
	}
	return nil
}

// jobRankCase orders job statuses so updates can only advance:
// PENDING < STARTED < terminal. Terminal states tie, so a finished job
// cannot be re-finished with a different outcome.
const jobRankCase = `CASE status
	WHEN 'PENDING' THEN 0
	WHEN 'STARTED' THEN 1
	ELSE 2 END`

func jobRank(status string) int {
	switch status {
	case JobPending:
		return 0
	case JobStarted:
		return 1
	default:
		return 2
	}
}

func jobTerminal(status string) bool { return jobRank(status) == 2 }

// SetJobStatus advances the overall job status. Regressions are ignored.
func (s *Store) SetJobStatus(ctx context.Context, jobID, status, errMsg string) error {
	completed := ""
	if jobTerminal(status) {
		completed = ", completed_at = COALESCE(completed_at, NOW())"
	}
	query := fmt.Sprintf(`
		UPDATE migration_jobs
		SET status = $2,
		    error_message = COALESCE(NULLIF($3, ''), error_message)%s
		WHERE job_id = $1 AND %s < $4`, completed, jobRankCase)

	res, err := s.db.ExecContext(ctx, query, jobID, status, errMsg, jobRank(status))
	if err != nil {
		return fmt.Errorf("set job %s status %s: %w", jobID, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[Progress] Ignored job status %s for %s (already at or past it)", status, jobID)
	}
	s.invalidate(ctx, jobID)
	return nil
}

// GetJob loads one job record.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var (
		j         Job
		errMsg    sql.NullString
		completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, input_path, status, error_message, created_at, completed_at
		FROM migration_jobs WHERE job_id = $1`, jobID).
		Scan(&j.JobID, &j.InputPath, &j.Status, &errMsg, &j.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	j.ErrorMessage = errMsg.String
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// CountJobsCreatedOn reports how many jobs were created on the given day.
// Used as the fallback job-id sequence when Redis is down.
func (s *Store) CountJobsCreatedOn(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM migration_jobs
		WHERE created_at >= $1 AND created_at < $2`,
		day.Truncate(24*time.Hour), day.Truncate(24*time.Hour).Add(24*time.Hour)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// ====== SHEET PROGRESS ======

// Init upserts one PENDING row per sheet in one transaction.
func (s *Store) Init(ctx context.Context, jobID string, sheets []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("init progress: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO migration_sheet_progress (job_id, sheet_name, sheet_order, status, progress_percent)
		VALUES ($1, $2, $3, 'PENDING', 0)
		ON CONFLICT (job_id, sheet_name) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("init progress: prepare: %w", err)
	}
	defer stmt.Close()

	for i, name := range sheets {
		if _, err := stmt.ExecContext(ctx, jobID, name, i); err != nil {
			return fmt.Errorf("init progress: sheet %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("init progress: commit: %w", err)
	}
	return nil
}

// sheetRankCase orders sheet statuses so a row can only move forward
// through the pipeline. Terminal states tie.
const sheetRankCase = `CASE status
	WHEN 'PENDING' THEN 0
	WHEN 'INGESTING' THEN 1
	WHEN 'VALIDATING' THEN 2
	WHEN 'INSERTING' THEN 3
	ELSE 4 END`

func sheetRank(status string) int {
	switch status {
	case SheetPending:
		return 0
	case SheetIngesting:
		return 1
	case SheetValidating:
		return 2
	case SheetInserting:
		return 3
	default:
		return 4
	}
}

func sheetTerminal(status string) bool { return sheetRank(status) == 4 }

// phaseLabel is the human-readable current-phase string stored alongside
// the status.
func phaseLabel(status string) string {
	switch status {
	case SheetIngesting:
		return "ingest"
	case SheetValidating:
		return "validate"
	case SheetInserting:
		return "insert"
	case SheetCompleted:
		return "done"
	default:
		return ""
	}
}

// SetStatus advances a sheet's status and stamps the phase boundaries.
// A regression (lower or equal rank) updates nothing.
func (s *Store) SetStatus(ctx context.Context, jobID, sheetName, status, errMsg string) error {
	var stamps string
	switch status {
	case SheetIngesting:
		stamps = ", ingest_started_at = COALESCE(ingest_started_at, NOW())"
	case SheetValidating:
		stamps = ", ingest_finished_at = COALESCE(ingest_finished_at, NOW())" +
			", validate_started_at = COALESCE(validate_started_at, NOW())"
	case SheetInserting:
		stamps = ", validate_finished_at = COALESCE(validate_finished_at, NOW())" +
			", insert_started_at = COALESCE(insert_started_at, NOW())"
	case SheetCompleted, SheetFailed, SheetCancelled:
		// Close whichever phases were opened. A sheet completed straight
		// from VALIDATE (zero valid rows) never opens the insert phase.
		stamps = `,
			ingest_finished_at = CASE WHEN ingest_started_at IS NOT NULL
				THEN COALESCE(ingest_finished_at, NOW()) END,
			validate_finished_at = CASE WHEN validate_started_at IS NOT NULL
				THEN COALESCE(validate_finished_at, NOW()) END,
			insert_finished_at = CASE WHEN insert_started_at IS NOT NULL
				THEN COALESCE(insert_finished_at, NOW()) END`
	}
	if status == SheetCompleted {
		stamps += ", progress_percent = 100"
	}

	query := fmt.Sprintf(`
		UPDATE migration_sheet_progress
		SET status = $3,
		    current_phase = $4,
		    error_message = COALESCE(NULLIF($5, ''), error_message),
		    updated_at = NOW()%s
		WHERE job_id = $1 AND sheet_name = $2 AND %s < $6`, stamps, sheetRankCase)

	res, err := s.db.ExecContext(ctx, query, jobID, sheetName, status, phaseLabel(status), errMsg, sheetRank(status))
	if err != nil {
		return fmt.Errorf("set sheet %s/%s status %s: %w", jobID, sheetName, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[Progress] Ignored sheet status %s for %s/%s (already at or past it)", status, jobID, sheetName)
	}
	s.invalidate(ctx, jobID)
	return nil
}

// SetCounters applies a partial counter update and recomputes the weighted
// progress percent in the same UPDATE: ingest 33, validate 33, insert 34,
// each scaled by that phase's completion.
func (s *Store) SetCounters(ctx context.Context, jobID, sheetName string, c Counters) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_sheet_progress
		SET total_rows    = COALESCE($3, total_rows),
		    ingested_rows = COALESCE($4, ingested_rows),
		    valid_rows    = COALESCE($5, valid_rows),
		    error_rows    = COALESCE($6, error_rows),
		    inserted_rows = COALESCE($7, inserted_rows),
		    progress_percent = LEAST(100, ROUND(
		        33 * CASE WHEN COALESCE($3, total_rows) > 0
		             THEN LEAST(1.0, COALESCE($4, ingested_rows)::numeric / COALESCE($3, total_rows)) ELSE 0 END
		      + 33 * CASE WHEN COALESCE($4, ingested_rows) > 0
		             THEN LEAST(1.0, (COALESCE($5, valid_rows) + COALESCE($6, error_rows))::numeric / COALESCE($4, ingested_rows)) ELSE 0 END
		      + 34 * CASE WHEN COALESCE($5, valid_rows) > 0
		             THEN LEAST(1.0, COALESCE($7, inserted_rows)::numeric / COALESCE($5, valid_rows)) ELSE 0 END
		    )::int),
		    updated_at = NOW()
		WHERE job_id = $1 AND sheet_name = $2`,
		jobID, sheetName, c.Total, c.Ingested, c.Valid, c.Errors, c.Inserted)
	if err != nil {
		return fmt.Errorf("set counters %s/%s: %w", jobID, sheetName, err)
	}
	s.invalidate(ctx, jobID)
	return nil
}

// ====== READS ======

const sheetColumns = `job_id, sheet_name, sheet_order, status, current_phase, progress_percent,
	total_rows, ingested_rows, valid_rows, error_rows, inserted_rows,
	ingest_started_at, ingest_finished_at, validate_started_at, validate_finished_at,
	insert_started_at, insert_finished_at, error_message`

func scanSheet(row interface{ Scan(...any) error }) (SheetProgress, error) {
	var (
		sp     SheetProgress
		phase  sql.NullString
		errMsg sql.NullString
		ts     [6]sql.NullTime
	)
	err := row.Scan(&sp.JobID, &sp.SheetName, &sp.SheetOrder,
		&sp.Status, &phase, &sp.ProgressPercent,
		&sp.TotalRows, &sp.IngestedRows, &sp.ValidRows,
		&sp.ErrorRows, &sp.InsertedRows,
		&ts[0], &ts[1], &ts[2], &ts[3], &ts[4], &ts[5], &errMsg)
	if err != nil {
		return sp, err
	}
	sp.CurrentPhase = phase.String
	sp.ErrorMessage = errMsg.String
	fields := []**time.Time{
		&sp.IngestStartedAt, &sp.IngestFinishedAt,
		&sp.ValidateStartedAt, &sp.ValidateFinishedAt,
		&sp.InsertStartedAt, &sp.InsertFinishedAt,
	}
	for i, nt := range ts {
		if nt.Valid {
			t := nt.Time
			*fields[i] = &t
		}
	}
	return sp, nil
}

// GetSheet loads one sheet's progress row.
func (s *Store) GetSheet(ctx context.Context, jobID, sheetName string) (*SheetProgress, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sheetColumns+`
		FROM migration_sheet_progress
		WHERE job_id = $1 AND sheet_name = $2`, jobID, sheetName)
	sp, err := scanSheet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSheetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sheet %s/%s: %w", jobID, sheetName, err)
	}
	return &sp, nil
}

// GetSheets loads all sheet rows for a job in sheet order.
func (s *Store) GetSheets(ctx context.Context, jobID string) ([]SheetProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sheetColumns+`
		FROM migration_sheet_progress
		WHERE job_id = $1
		ORDER BY sheet_order`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get sheets %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []SheetProgress
	for rows.Next() {
		sp, err := scanSheet(rows)
		if err != nil {
			return nil, fmt.Errorf("get sheets %s: scan: %w", jobID, err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// GetProgress builds the aggregate snapshot, serving from the Redis cache
// when a fresh copy is there.
func (s *Store) GetProgress(ctx context.Context, jobID string) (*Snapshot, error) {
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, snapshotPrefix+jobID).Bytes(); err == nil {
			var snap Snapshot
			if json.Unmarshal(raw, &snap) == nil {
				return &snap, nil
			}
		}
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	sheets, err := s.GetSheets(ctx, jobID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		JobID:        job.JobID,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
		TotalSheets:  len(sheets),
	}
	percentSum := 0
	for _, sp := range sheets {
		percentSum += sp.ProgressPercent
		snap.SumIngested += sp.IngestedRows
		snap.SumValid += sp.ValidRows
		snap.SumErrors += sp.ErrorRows
		snap.SumInserted += sp.InsertedRows
		switch sp.Status {
		case SheetCompleted:
			snap.CompletedSheets++
		case SheetFailed:
			snap.FailedSheets++
		case SheetIngesting, SheetValidating, SheetInserting:
			if snap.CurrentSheet == "" {
				snap.CurrentSheet = sp.SheetName
			}
		}
	}
	if len(sheets) > 0 {
		snap.OverallPercent = percentSum / len(sheets)
	}

	if s.rdb != nil {
		if raw, err := json.Marshal(snap); err == nil {
			s.rdb.Set(ctx, snapshotPrefix+jobID, raw, snapshotTTL)
		}
	}
	return snap, nil
}

// invalidate drops the cached snapshot so pollers see writes promptly.
func (s *Store) invalidate(ctx context.Context, jobID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, snapshotPrefix+jobID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("[Progress] Snapshot invalidation failed for %s: %v", jobID, err)
	}
}
