package staging

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/mapping"
)

func testSheetType() config.SheetType {
	return config.SheetType{
		Name:       "Contracts",
		RawTable:   "mig_contracts_raw",
		ValidTable: "mig_contracts_valid",
		ErrorTable: "mig_contracts_error",
	}
}

func testRecord(row int) mapping.Record {
	return mapping.Record{
		JobID:       "JOB-20260824-001",
		SheetName:   "Contracts",
		RowNumber:   row,
		BusinessKey: "C-1_LOAN",
		Values:      map[string]string{"contract_no": "C-1", "product_type": "LOAN"},
	}
}

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return New(db), mock, func() { db.Close() }
}

func TestAppendRaw_CopyMergeFlow(t *testing.T) {
	store, mock, done := setupStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE _mig_batch").WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(`COPY "_mig_batch"`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1)) // row 1
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1)) // row 2
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0)) // flush
	mock.ExpectExec(`INSERT INTO "mig_contracts_raw"`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := store.AppendRaw(context.Background(), testSheetType(), []mapping.Record{testRecord(1), testRecord(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRaw_IdempotentConflictSkips(t *testing.T) {
	store, mock, done := setupStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE _mig_batch").WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(`COPY "_mig_batch"`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	// Conflict on (job_id, sheet_name, row_number): nothing inserted.
	mock.ExpectExec(`INSERT INTO "mig_contracts_raw"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := store.AppendRaw(context.Background(), testSheetType(), []mapping.Record{testRecord(1)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAppendRaw_EmptyBatchIsNoop(t *testing.T) {
	store, mock, done := setupStore(t)
	defer done()

	n, err := store.AppendRaw(context.Background(), testSheetType(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadRaw_DecodesPayload(t *testing.T) {
	store, mock, done := setupStore(t)
	defer done()

	rows := sqlmock.NewRows([]string{"job_id", "sheet_name", "row_number", "business_key", "payload"}).
		AddRow("JOB-20260824-001", "Contracts", 1, "C-1_LOAN", []byte(`{"contract_no":"C-1"}`)).
		AddRow("JOB-20260824-001", "Contracts", 2, "C-2_LOAN", []byte(`{"contract_no":"C-2"}`))
	mock.ExpectQuery(`SELECT job_id, sheet_name, row_number, business_key, payload\s+FROM "mig_contracts_raw"`).
		WithArgs("JOB-20260824-001", 0, 100).
		WillReturnRows(rows)

	recs, err := store.ReadRaw(context.Background(), testSheetType(), "JOB-20260824-001", 0, 100)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "C-1", recs[0].Values["contract_no"])
	assert.Equal(t, 2, recs[1].RowNumber)
}

func TestMoveToError_WritesRecordOncePerRow(t *testing.T) {
	store, mock, done := setupStore(t)
	defer done()

	mock.ExpectBegin()
	recPrep := mock.ExpectPrepare(`INSERT INTO "mig_contracts_error"`)
	faultPrep := mock.ExpectPrepare(`INSERT INTO migration_row_errors`)
	// Row 1 has two violations: one record insert, two fault inserts.
	recPrep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	faultPrep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	faultPrep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := testRecord(1)
	faults := []RowFault{
		{Record: rec, RuleID: "required-core", ErrorType: "REQUIRED_MISSING", Field: "org_code", Message: "org_code is required"},
		{Record: rec, RuleID: "date-format", ErrorType: "INVALID_DATE", Field: "open_date", Value: "junk", Message: "bad date"},
	}
	require.NoError(t, store.MoveToError(context.Background(), testSheetType(), faults))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCounts(t *testing.T) {
	store, mock, done := setupStore(t)
	defer done()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "mig_contracts_raw"`).
		WithArgs("J1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "mig_contracts_valid"`).
		WithArgs("J1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(8))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "mig_contracts_error"`).
		WithArgs("J1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	raw, valid, errs, err := store.Counts(context.Background(), testSheetType(), "J1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), raw)
	assert.Equal(t, int64(8), valid)
	assert.Equal(t, int64(2), errs)
}

func TestCleanup_KeepErrors(t *testing.T) {
	store, mock, done := setupStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "mig_contracts_raw"`).WithArgs("J1").WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec(`DELETE FROM "mig_contracts_valid"`).WithArgs("J1").WillReturnResult(sqlmock.NewResult(0, 8))
	mock.ExpectCommit()

	require.NoError(t, store.Cleanup(context.Background(), testSheetType(), "J1", true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup_DropErrorsToo(t *testing.T) {
	store, mock, done := setupStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "mig_contracts_raw"`).WithArgs("J1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM "mig_contracts_valid"`).WithArgs("J1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM "mig_contracts_error"`).WithArgs("J1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM migration_row_errors`).WithArgs("J1", "Contracts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.Cleanup(context.Background(), testSheetType(), "J1", false))
}

func TestExistingKeys(t *testing.T) {
	store, mock, done := setupStore(t)
	defer done()

	mock.ExpectQuery(`SELECT DISTINCT "org_code" FROM "master_orgs"`).
		WillReturnRows(sqlmock.NewRows([]string{"org_code"}).AddRow("ORG1").AddRow("ORG3"))

	found, err := store.ExistingKeys(context.Background(), "master_orgs", "org_code", []string{"ORG1", "ORG2", "ORG3"})
	require.NoError(t, err)
	assert.True(t, found["ORG1"])
	assert.False(t, found["ORG2"])
	assert.True(t, found["ORG3"])
}

func TestExistingKeys_EmptyInput(t *testing.T) {
	store, _, done := setupStore(t)
	defer done()

	found, err := store.ExistingKeys(context.Background(), "master_orgs", "org_code", nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}
