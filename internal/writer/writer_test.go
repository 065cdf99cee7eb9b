package writer

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/mapping"
)

func masterSheetType() config.SheetType {
	return config.SheetType{
		Name:          "Contracts",
		MasterTable:   "master_contracts",
		MasterColumns: []string{"contract_no", "org_code", "open_date"},
	}
}

func validRecord(row int, key string) mapping.Record {
	return mapping.Record{
		JobID:       "JOB-20260824-001",
		SheetName:   "Contracts",
		RowNumber:   row,
		BusinessKey: key,
		Values: map[string]string{
			"contract_no": "C-1",
			"org_code":    "ORG1",
			"open_date":   "2024-01-15",
		},
	}
}

func TestUpsertWriter_WritesBatchInOneTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO "master_contracts"`)
	prep.ExpectExec().
		WithArgs("K1", "JOB-20260824-001", "C-1", "ORG1", "2024-01-15").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("K2", "JOB-20260824-001", "C-1", "ORG1", "2024-01-15").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := NewUpsertWriter(db)
	n, err := w.WriteBatch(context.Background(), masterSheetType(),
		[]mapping.Record{validRecord(1, "K1"), validRecord(2, "K2")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWriter_EmptyValueBecomesNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO "master_contracts"`)
	prep.ExpectExec().
		WithArgs("K1", "JOB-20260824-001", "C-1", "ORG1", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := validRecord(1, "K1")
	rec.Values["open_date"] = ""
	w := NewUpsertWriter(db)
	n, err := w.WriteBatch(context.Background(), masterSheetType(), []mapping.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertWriter_EmptyBatchIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	w := NewUpsertWriter(db)
	n, err := w.WriteBatch(context.Background(), masterSheetType(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWriter_MissingMasterConfigFails(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	w := NewUpsertWriter(db)
	_, err = w.WriteBatch(context.Background(), config.SheetType{Name: "X"},
		[]mapping.Record{validRecord(1, "K1")})
	require.Error(t, err)
}

func TestUpsertQuery_Shape(t *testing.T) {
	q := upsertQuery(masterSheetType())
	assert.Contains(t, q, `INSERT INTO "master_contracts"`)
	assert.Contains(t, q, `ON CONFLICT (business_key) DO UPDATE`)
	assert.Contains(t, q, `"contract_no" = EXCLUDED."contract_no"`)
	assert.Contains(t, q, "$5")
	assert.NotContains(t, q, "$6")
}

func TestRegistry_FallsBackToDefault(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	def := NewUpsertWriter(db)
	reg := NewRegistry(def)
	assert.Same(t, DomainWriter(def), reg.For("Contracts"))

	custom := NewUpsertWriter(db)
	reg.Register("Contracts", custom)
	assert.Same(t, DomainWriter(custom), reg.For("Contracts"))
	assert.Same(t, DomainWriter(def), reg.For("Other"))
}
