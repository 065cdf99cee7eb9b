package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/mapping"
	"github.com/ignite/workbook-migrator/internal/progress"
	"github.com/ignite/workbook-migrator/internal/rules"
	"github.com/ignite/workbook-migrator/internal/staging"
	"github.com/ignite/workbook-migrator/internal/writer"
	"github.com/ignite/workbook-migrator/internal/xlsx"
	"github.com/ignite/workbook-migrator/internal/xlsx/xlsxtest"
)

// ====== FAKES ======

// fakeSource replays canned rows instead of parsing a workbook.
type fakeSource struct {
	headers []string
	rows    [][]string
}

func (f *fakeSource) SheetDimension(string) ([]string, int, error) {
	return f.headers, len(f.rows), nil
}

// StreamSheet follows the real streamer's contract: header at idx 0,
// data rows at 1..N.
func (f *fakeSource) StreamSheet(_ string, fn xlsx.RowHandler) error {
	if err := fn(0, f.headers); err != nil {
		return err
	}
	for i, row := range f.rows {
		if err := fn(i+1, row); err != nil {
			if errors.Is(err, xlsx.ErrStopStream) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (f *fakeSource) Close() error { return nil }

// fakeStaging is an in-memory staging store keyed like the real one.
type fakeStaging struct {
	mu     sync.Mutex
	raw    map[int]mapping.Record
	valid  map[int]mapping.Record
	errs   map[int]mapping.Record
	faults []staging.RowFault

	appendErrs []error // consumed per AppendRaw call, nil entries succeed
	validErr   error
}

func newFakeStaging() *fakeStaging {
	return &fakeStaging{
		raw:   make(map[int]mapping.Record),
		valid: make(map[int]mapping.Record),
		errs:  make(map[int]mapping.Record),
	}
}

func (f *fakeStaging) AppendRaw(_ context.Context, _ config.SheetType, recs []mapping.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.appendErrs) > 0 {
		err := f.appendErrs[0]
		f.appendErrs = f.appendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	n := 0
	for _, r := range recs {
		if _, dup := f.raw[r.RowNumber]; !dup {
			f.raw[r.RowNumber] = r
			n++
		}
	}
	return n, nil
}

func (f *fakeStaging) MoveToValid(_ context.Context, _ config.SheetType, recs []mapping.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validErr != nil {
		return 0, f.validErr
	}
	n := 0
	for _, r := range recs {
		if _, dup := f.valid[r.RowNumber]; !dup {
			f.valid[r.RowNumber] = r
			n++
		}
	}
	return n, nil
}

func (f *fakeStaging) MoveToError(_ context.Context, _ config.SheetType, faults []staging.RowFault) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fl := range faults {
		f.errs[fl.Record.RowNumber] = fl.Record
	}
	f.faults = append(f.faults, faults...)
	return nil
}

func (f *fakeStaging) readFrom(m map[int]mapping.Record, afterRow, limit int) []mapping.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var nums []int
	for n := range m {
		if n > afterRow {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	if len(nums) > limit {
		nums = nums[:limit]
	}
	out := make([]mapping.Record, 0, len(nums))
	for _, n := range nums {
		out = append(out, m[n])
	}
	return out
}

func (f *fakeStaging) ReadRaw(_ context.Context, _ config.SheetType, _ string, afterRow, limit int) ([]mapping.Record, error) {
	return f.readFrom(f.raw, afterRow, limit), nil
}

func (f *fakeStaging) ReadValid(_ context.Context, _ config.SheetType, _ string, afterRow, limit int) ([]mapping.Record, error) {
	return f.readFrom(f.valid, afterRow, limit), nil
}

func (f *fakeStaging) Counts(context.Context, config.SheetType, string) (int64, int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.raw)), int64(len(f.valid)), int64(len(f.errs)), nil
}

// fakeProgress records status transitions in order.
type fakeProgress struct {
	mu       sync.Mutex
	statuses []string
}

func (f *fakeProgress) SetStatus(_ context.Context, _, _, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeProgress) SetCounters(context.Context, string, string, progress.Counters) error {
	return nil
}

func (f *fakeProgress) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

// emptyLookup has no pre-existing keys.
type emptyLookup struct{}

func (emptyLookup) ExistingKeys(context.Context, string, string, []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (emptyLookup) ExistingKeysOtherJobs(context.Context, string, string, []string, string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

// fakeWriter counts upserts; fails the first failTimes calls.
type fakeWriter struct {
	mu        sync.Mutex
	written   int
	failTimes int
	failWith  error
}

func (f *fakeWriter) WriteBatch(_ context.Context, _ config.SheetType, recs []mapping.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		return 0, f.failWith
	}
	f.written += len(recs)
	return len(recs), nil
}

// ====== FIXTURES ======

func pipelineConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			MaxConcurrentSheets:     3,
			IngestTimeoutMillis:     60_000,
			ValidationTimeoutMillis: 60_000,
			InsertTimeoutMillis:     60_000,
			SheetTimeoutMillis:      120_000,
			ShutdownGraceMillis:     50,
		},
		Rules: []config.RuleConfig{
			{ID: "need-no", Type: "required", Priority: 10, Fields: []string{"contract_no"}},
		},
		SheetTypes: []config.SheetType{{
			Name:    "Contracts",
			Order:   1,
			Enabled: true,
			Mapping: []config.ColumnMapping{
				{Header: "Contract", Column: "contract_no", Kind: "text"},
				{Header: "Org", Column: "org_code", Kind: "text"},
			},
			RawTable:    "mig_contracts_raw",
			ValidTable:  "mig_contracts_valid",
			ErrorTable:  "mig_contracts_error",
			MasterTable: "master_contracts",
			BatchSize:   2,
			RuleIDs:     []string{"need-no"},
			BusinessKey: config.BusinessKeySpec{
				Default: config.BusinessKeyRecipe{Columns: []string{"contract_no"}},
			},
			MasterColumns: []string{"contract_no", "org_code"},
		}},
	}
}

func newTestOrchestrator(cfg *config.Config, fs *fakeStaging, fp *fakeProgress, fw *fakeWriter, src *fakeSource) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		staging:     fs,
		progress:    fp,
		lookup:      emptyLookup{},
		writers:     writer.NewRegistry(fw),
		business:    rules.NewBusinessRegistry(),
		mappers:     mapping.NewRegistry(cfg),
		open:        func(string) (sheetSource, error) { return src, nil },
		maxAttempts: 3,
		backoff:     time.Millisecond,
	}
}

func contractRows(n int) [][]string {
	rows := make([][]string, n)
	for i := range rows {
		rows[i] = []string{fmt.Sprintf("C-%d", i+1), "ORG1"}
	}
	return rows
}

// ====== ORCHESTRATOR TESTS ======

func TestRunSheet_HappyPath(t *testing.T) {
	cfg := pipelineConfig()
	fs := newFakeStaging()
	fp := &fakeProgress{}
	fw := &fakeWriter{}
	src := &fakeSource{headers: []string{"Contract", "Org"}, rows: contractRows(5)}

	o := newTestOrchestrator(cfg, fs, fp, fw, src)
	res := o.RunSheet(context.Background(), "J1", "in.xlsx", cfg.SheetTypes[0])

	assert.Equal(t, progress.SheetCompleted, res.Status)
	assert.Equal(t, int64(5), res.Ingested)
	assert.Equal(t, int64(5), res.Valid)
	assert.Equal(t, int64(0), res.Errors)
	assert.Equal(t, int64(5), res.Inserted)
	assert.Equal(t, []string{
		progress.SheetIngesting, progress.SheetValidating,
		progress.SheetInserting, progress.SheetCompleted,
	}, fp.history())
}

func TestRunSheet_RealWorkbookKeepsRowNumbersAndSkipsHeader(t *testing.T) {
	cfg := pipelineConfig()
	fs := newFakeStaging()
	fp := &fakeProgress{}
	fw := &fakeWriter{}

	data := xlsxtest.Build(xlsxtest.Sheet{Name: "Contracts", Rows: [][]string{
		{"Contract", "Org"},
		{"C-1", "ORG1"},
		{"C-2", "ORG1"},
		{"C-3", "ORG1"},
	}})
	path := filepath.Join(t.TempDir(), "in.xlsx")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	o := newTestOrchestrator(cfg, fs, fp, fw, nil)
	o.open = func(p string) (sheetSource, error) { return xlsx.OpenWorkbook(p) }

	res := o.RunSheet(context.Background(), "J1", path, cfg.SheetTypes[0])

	require.Equal(t, progress.SheetCompleted, res.Status)
	assert.Equal(t, int64(3), res.Ingested)
	assert.Equal(t, int64(3), res.Valid)
	assert.Equal(t, int64(0), res.Errors)
	assert.Equal(t, int64(3), res.Inserted)

	// The header row never reaches staging; data rows stay 1-based so the
	// row_number > afterRow cursor sees every one of them.
	var nums []int
	for n := range fs.raw {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	assert.Equal(t, []int{1, 2, 3}, nums)
	assert.Equal(t, "C-1", fs.raw[1].Values["contract_no"])
	assert.Equal(t, "C-3", fs.raw[3].Values["contract_no"])
}

func TestRunSheet_AllRowsInvalidCompletesWithoutInsert(t *testing.T) {
	cfg := pipelineConfig()
	fs := newFakeStaging()
	fp := &fakeProgress{}
	fw := &fakeWriter{}
	// Empty contract_no fails the required rule on every row.
	src := &fakeSource{headers: []string{"Contract", "Org"}, rows: [][]string{{"", "ORG1"}, {"", "ORG2"}}}

	o := newTestOrchestrator(cfg, fs, fp, fw, src)
	res := o.RunSheet(context.Background(), "J1", "in.xlsx", cfg.SheetTypes[0])

	assert.Equal(t, progress.SheetCompleted, res.Status)
	assert.Equal(t, int64(2), res.Errors)
	assert.Equal(t, int64(0), res.Valid)
	assert.Equal(t, int64(0), res.Inserted)
	assert.Equal(t, 0, fw.written)
	assert.NotContains(t, fp.history(), progress.SheetInserting)
}

func TestRunSheet_TransientInsertFaultRetries(t *testing.T) {
	cfg := pipelineConfig()
	fs := newFakeStaging()
	fp := &fakeProgress{}
	fw := &fakeWriter{failTimes: 1, failWith: &pq.Error{Code: "40P01"}}
	src := &fakeSource{headers: []string{"Contract", "Org"}, rows: contractRows(3)}

	o := newTestOrchestrator(cfg, fs, fp, fw, src)
	res := o.RunSheet(context.Background(), "J1", "in.xlsx", cfg.SheetTypes[0])

	assert.Equal(t, progress.SheetCompleted, res.Status)
	assert.Equal(t, int64(3), res.Inserted)
}

func TestRunSheet_NonTransientFaultFailsImmediately(t *testing.T) {
	cfg := pipelineConfig()
	fs := newFakeStaging()
	fs.appendErrs = []error{&pq.Error{Code: "23502"}} // not-null violation
	fp := &fakeProgress{}
	fw := &fakeWriter{}
	src := &fakeSource{headers: []string{"Contract", "Org"}, rows: contractRows(3)}

	o := newTestOrchestrator(cfg, fs, fp, fw, src)
	res := o.RunSheet(context.Background(), "J1", "in.xlsx", cfg.SheetTypes[0])

	assert.Equal(t, progress.SheetFailed, res.Status)
	require.Error(t, res.Err)
	hist := fp.history()
	assert.Equal(t, progress.SheetFailed, hist[len(hist)-1])
	assert.NotContains(t, hist, progress.SheetValidating)
}

func TestRunSheet_ExhaustedRetriesFail(t *testing.T) {
	cfg := pipelineConfig()
	fs := newFakeStaging()
	fs.appendErrs = []error{
		&pq.Error{Code: "40001"}, &pq.Error{Code: "40001"}, &pq.Error{Code: "40001"},
	}
	fp := &fakeProgress{}
	fw := &fakeWriter{}
	src := &fakeSource{headers: []string{"Contract", "Org"}, rows: contractRows(3)}

	o := newTestOrchestrator(cfg, fs, fp, fw, src)
	res := o.RunSheet(context.Background(), "J1", "in.xlsx", cfg.SheetTypes[0])

	assert.Equal(t, progress.SheetFailed, res.Status)
	assert.Contains(t, res.Err.Error(), "attempts exhausted")
}

func TestRunSheet_CancellationMarksCancelled(t *testing.T) {
	cfg := pipelineConfig()
	fs := newFakeStaging()
	fp := &fakeProgress{}
	fw := &fakeWriter{}
	src := &fakeSource{headers: []string{"Contract", "Org"}, rows: contractRows(10)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(cfg, fs, fp, fw, src)
	res := o.RunSheet(ctx, "J1", "in.xlsx", cfg.SheetTypes[0])

	assert.Equal(t, progress.SheetCancelled, res.Status)
}

func TestRunSheet_RetriedValidationPartitionsIdentically(t *testing.T) {
	cfg := pipelineConfig()
	fs := newFakeStaging()
	fs.validErr = &pq.Error{Code: "40P01"}
	fp := &fakeProgress{}
	fw := &fakeWriter{}
	src := &fakeSource{headers: []string{"Contract", "Org"}, rows: [][]string{
		{"C-1", "ORG1"}, {"", "ORG1"}, {"C-3", "ORG1"},
	}}

	o := newTestOrchestrator(cfg, fs, fp, fw, src)
	// First validate attempt dies mid-phase, second succeeds.
	go func() {
		time.Sleep(2 * time.Millisecond)
		fs.mu.Lock()
		fs.validErr = nil
		fs.mu.Unlock()
	}()
	res := o.RunSheet(context.Background(), "J1", "in.xlsx", cfg.SheetTypes[0])

	assert.Equal(t, progress.SheetCompleted, res.Status)
	assert.Equal(t, int64(2), res.Valid)
	assert.Equal(t, int64(1), res.Errors)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{context.DeadlineExceeded, true},
		{&pq.Error{Code: "40P01"}, true},
		{&pq.Error{Code: "40001"}, true},
		{&pq.Error{Code: "57014"}, true},
		{&pq.Error{Code: "23505"}, false},
		{errors.New("read tcp 1.2.3.4: connection reset by peer"), true},
		{errors.New("driver: bad connection"), true},
		{errors.New("parse failure"), false},
		{fmt.Errorf("batch: %w", &pq.Error{Code: "40001"}), true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, isTransient(c.err), "%v", c.err)
	}
}
