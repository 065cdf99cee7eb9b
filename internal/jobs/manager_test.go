package jobs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/pipeline"
	"github.com/ignite/workbook-migrator/internal/progress"
	"github.com/ignite/workbook-migrator/internal/xlsx/xlsxtest"
)

// stubRunner completes every job immediately.
type stubRunner struct {
	status string
	ran    chan string
}

func (s *stubRunner) Run(_ context.Context, jobID, _ string, sheets []config.SheetType) pipeline.Aggregate {
	if s.ran != nil {
		defer func() { s.ran <- jobID }()
	}
	agg := pipeline.Aggregate{TotalSheets: len(sheets)}
	for _, st := range sheets {
		agg.PerSheet = append(agg.PerSheet, pipeline.SheetResult{SheetName: st.Name, Status: progress.SheetCompleted})
		agg.SuccessSheets++
	}
	return agg
}

func (s *stubRunner) JobStatus(pipeline.Aggregate) string {
	if s.status != "" {
		return s.status
	}
	return progress.JobCompleted
}

func managerConfig(t *testing.T) *config.Config {
	return &config.Config{
		Upload: config.UploadConfig{
			MaxFileSizeBytes:  10 << 20,
			AllowedExtensions: []string{"xlsx"},
			Dir:               t.TempDir(),
		},
		Jobs: config.JobsConfig{
			CorePoolSize:           1,
			MaxPoolSize:            2,
			QueueCapacity:          4,
			BreakerFailures:        2,
			BreakerCooldownSeconds: 30,
		},
		SheetTypes: []config.SheetType{{
			Name:    "Contracts",
			Order:   1,
			Enabled: true,
			Mapping: []config.ColumnMapping{
				{Header: "Contract", Column: "contract_no", Kind: "text"},
			},
		}},
	}
}

func workbookBytes() []byte {
	return xlsxtest.Build(xlsxtest.Sheet{
		Name: "Contracts",
		Rows: [][]string{{"Contract"}, {"C-1"}, {"C-2"}},
	})
}

type fixture struct {
	m    *Manager
	mock sqlmock.Sqlmock
	mr   *miniredis.Miniredis
	run  *stubRunner
}

func setup(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	run := &stubRunner{ran: make(chan string, 8)}
	m := New(cfg, db, rdb, progress.New(db, rdb), run, nil)
	t.Cleanup(func() {
		m.Close()
		rdb.Close()
		db.Close()
	})
	return &fixture{m: m, mock: mock, mr: mr, run: run}
}

// expectAcceptedJob registers the DB calls of a successful submit + run.
func (f *fixture) expectAcceptedJob() {
	f.mock.ExpectQuery(`SELECT job_id, input_path, status`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"})) // probe: not found
	f.mock.ExpectExec(`INSERT INTO migration_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectBegin()
	prep := f.mock.ExpectPrepare(`INSERT INTO migration_sheet_progress`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	// Worker: STARTED then terminal.
	f.mock.ExpectExec(`UPDATE migration_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE migration_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSubmit_RejectsInvalidWorkbook(t *testing.T) {
	f := setup(t, managerConfig(t))

	_, err := f.m.Submit(context.Background(), []byte("not a workbook"), "junk.xlsx", "")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.False(t, ve.Report.OK)
}

func TestSubmit_AcceptsAndRuns(t *testing.T) {
	f := setup(t, managerConfig(t))
	f.expectAcceptedJob()

	snap, err := f.m.Submit(context.Background(), workbookBytes(), "book.xlsx", "")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^JOB-\d{8}-001$`), snap.JobID)
	assert.Equal(t, progress.JobStarted, snap.Status)

	select {
	case ran := <-f.run.ran:
		assert.Equal(t, snap.JobID, ran)
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestSubmit_DuplicateNonTerminal(t *testing.T) {
	f := setup(t, managerConfig(t))
	f.mock.ExpectQuery(`SELECT job_id, input_path, status`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "input_path", "status", "error_message", "created_at", "completed_at"}).
			AddRow("JOB-20260824-007", "/x", progress.JobStarted, nil, time.Now(), nil))

	_, err := f.m.Submit(context.Background(), workbookBytes(), "book.xlsx", "JOB-20260824-007")
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestSubmit_DuplicateTerminalReturnsStoredResult(t *testing.T) {
	f := setup(t, managerConfig(t))
	f.mock.ExpectQuery(`SELECT job_id, input_path, status`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "input_path", "status", "error_message", "created_at", "completed_at"}).
			AddRow("JOB-20260824-007", "/x", progress.JobCompleted, nil, time.Now(), time.Now()))
	// GetProgress: job row again plus sheet rows.
	f.mock.ExpectQuery(`SELECT job_id, input_path, status`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "input_path", "status", "error_message", "created_at", "completed_at"}).
			AddRow("JOB-20260824-007", "/x", progress.JobCompleted, nil, time.Now(), time.Now()))
	f.mock.ExpectQuery(`FROM migration_sheet_progress`).
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "sheet_name", "sheet_order", "status", "current_phase", "progress_percent",
			"total_rows", "ingested_rows", "valid_rows", "error_rows", "inserted_rows",
			"ingest_started_at", "ingest_finished_at", "validate_started_at", "validate_finished_at",
			"insert_started_at", "insert_finished_at", "error_message",
		}))

	snap, err := f.m.Submit(context.Background(), workbookBytes(), "book.xlsx", "JOB-20260824-007")
	require.NoError(t, err)
	assert.True(t, snap.Existing)
	assert.Equal(t, progress.JobCompleted, snap.Status)
}

func TestSubmit_LockContention(t *testing.T) {
	f := setup(t, managerConfig(t))
	// Another instance holds the submit lock for this job id.
	require.NoError(t, f.mr.Set("lock:migration:submit:JOB-20260824-009", "held"))

	_, err := f.m.Submit(context.Background(), workbookBytes(), "book.xlsx", "JOB-20260824-009")
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestSubmit_PoolExhausted(t *testing.T) {
	cfg := managerConfig(t)
	cfg.Jobs.CorePoolSize = 0
	cfg.Jobs.MaxPoolSize = 0
	cfg.Jobs.QueueCapacity = 0
	f := setup(t, cfg)

	f.mock.ExpectQuery(`SELECT job_id, input_path, status`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))
	f.mock.ExpectExec(`INSERT INTO migration_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectBegin()
	prep := f.mock.ExpectPrepare(`INSERT INTO migration_sheet_progress`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectExec(`UPDATE migration_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.m.Submit(context.Background(), workbookBytes(), "book.xlsx", "")
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestSubmit_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	f := setup(t, managerConfig(t))

	for i := 0; i < 2; i++ {
		f.mock.ExpectQuery(`SELECT job_id, input_path, status`).
			WillReturnRows(sqlmock.NewRows([]string{"job_id"}))
		f.mock.ExpectExec(`INSERT INTO migration_jobs`).
			WillReturnError(errors.New("db down"))
		_, err := f.m.Submit(context.Background(), workbookBytes(), "book.xlsx", fmt.Sprintf("JOB-20260824-10%d", i))
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrBreakerOpen)
	}

	_, err := f.m.Submit(context.Background(), workbookBytes(), "book.xlsx", "JOB-20260824-200")
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestSubmit_ValidationFailureDoesNotTripBreaker(t *testing.T) {
	f := setup(t, managerConfig(t))

	for i := 0; i < 5; i++ {
		_, err := f.m.Submit(context.Background(), []byte("junk"), "junk.xlsx", "")
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	}
	// Circuit still closed: a good submit goes through to the DB probe.
	f.expectAcceptedJob()
	_, err := f.m.Submit(context.Background(), workbookBytes(), "book.xlsx", "")
	assert.NoError(t, err)
}

func TestCancel_TerminalJobRejected(t *testing.T) {
	f := setup(t, managerConfig(t))
	f.mock.ExpectQuery(`SELECT job_id, input_path, status`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "input_path", "status", "error_message", "created_at", "completed_at"}).
			AddRow("J1", "/x", progress.JobCompleted, nil, time.Now(), time.Now()))

	err := f.m.Cancel(context.Background(), "J1")
	assert.ErrorIs(t, err, ErrJobTerminal)
}

func TestCancel_UnknownJob(t *testing.T) {
	f := setup(t, managerConfig(t))
	f.mock.ExpectQuery(`SELECT job_id, input_path, status`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	err := f.m.Cancel(context.Background(), "J404")
	assert.ErrorIs(t, err, progress.ErrJobNotFound)
}

func TestCancel_QueuedJobFlagged(t *testing.T) {
	f := setup(t, managerConfig(t))
	f.mock.ExpectQuery(`SELECT job_id, input_path, status`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "input_path", "status", "error_message", "created_at", "completed_at"}).
			AddRow("J1", "/x", progress.JobPending, nil, time.Now(), nil))

	require.NoError(t, f.m.Cancel(context.Background(), "J1"))
	f.m.mu.Lock()
	flagged := f.m.cancelled["J1"]
	f.m.mu.Unlock()
	assert.True(t, flagged)
}

func TestNextJobID_RedisSequence(t *testing.T) {
	f := setup(t, managerConfig(t))
	day := time.Now().UTC().Format("20060102")

	id1, err := f.m.nextJobID(context.Background())
	require.NoError(t, err)
	id2, err := f.m.nextJobID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "JOB-"+day+"-001", id1)
	assert.Equal(t, "JOB-"+day+"-002", id2)
}

func TestNextJobID_DBFallback(t *testing.T) {
	cfg := managerConfig(t)
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM migration_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(6))

	m := New(cfg, db, nil, progress.New(db, nil), &stubRunner{}, nil)
	defer m.Close()

	id, err := m.nextJobID(context.Background())
	require.NoError(t, err)
	day := time.Now().UTC().Format("20060102")
	assert.Equal(t, "JOB-"+day+"-007", id)
}

func TestSystemInfo_ReportsPool(t *testing.T) {
	f := setup(t, managerConfig(t))
	info := f.m.SystemInfo()
	assert.Equal(t, 0, info.RunningJobs)
	assert.Equal(t, 1, info.PoolSize) // core worker
	assert.Equal(t, 0, info.QueueDepth)
}
