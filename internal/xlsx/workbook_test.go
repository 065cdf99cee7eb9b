package xlsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/workbook-migrator/internal/xlsx/xlsxtest"
)

func TestOpenWorkbookBytes(t *testing.T) {
	data := xlsxtest.Build(
		xlsxtest.Sheet{Name: "Contracts", Rows: [][]string{{"a", "b"}, {"1", "2"}}},
		xlsxtest.Sheet{Name: "Customers", Rows: [][]string{{"x"}}},
	)

	wb, err := OpenWorkbookBytes(data)
	require.NoError(t, err)
	defer wb.Close()

	assert.Equal(t, []string{"Contracts", "Customers"}, wb.Sheets())
	assert.True(t, wb.HasSheet("Contracts"))
	assert.False(t, wb.HasSheet("Missing"))
}

func TestOpenWorkbookBytes_NotAZip(t *testing.T) {
	_, err := OpenWorkbookBytes([]byte("this is not a workbook"))
	assert.ErrorIs(t, err, ErrInvalidWorkbook)
}

func TestOpenWorkbookBytes_EmptyPayload(t *testing.T) {
	_, err := OpenWorkbookBytes(nil)
	assert.ErrorIs(t, err, ErrInvalidWorkbook)
}

func TestOpenWorkbook_FromFile(t *testing.T) {
	data := xlsxtest.BuildRows("Sheet1", [][]string{{"h1", "h2"}, {"v1", "v2"}})
	path := filepath.Join(t.TempDir(), "wb.xlsx")
	require.NoError(t, os.WriteFile(path, data, 0644))

	wb, err := OpenWorkbook(path)
	require.NoError(t, err)
	defer wb.Close()

	assert.Equal(t, []string{"Sheet1"}, wb.Sheets())
}

func TestStreamSheet_EmitsHeaderThenDataInOrder(t *testing.T) {
	data := xlsxtest.BuildRows("Sheet1", [][]string{
		{"org", "contract", "amount"},
		{"ORG1", "C-001", "100.5"},
		{"ORG2", "C-002", "200"},
	})
	wb, err := OpenWorkbookBytes(data)
	require.NoError(t, err)

	var got [][]string
	var indexes []int
	err = wb.StreamSheet("Sheet1", func(idx int, cells []string) error {
		indexes = append(indexes, idx)
		got = append(got, cells)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, indexes)
	assert.Equal(t, [][]string{
		{"org", "contract", "amount"},
		{"ORG1", "C-001", "100.5"},
		{"ORG2", "C-002", "200"},
	}, got)
}

func TestStreamSheet_PadsBlankTrailingCells(t *testing.T) {
	// Row 2 omits the last two cells entirely; alignment must be preserved.
	data := xlsxtest.BuildRows("Sheet1", [][]string{
		{"a", "b", "c", "d"},
		{"1", "", "3", ""},
		{"x"},
	})
	wb, err := OpenWorkbookBytes(data)
	require.NoError(t, err)

	var got [][]string
	require.NoError(t, wb.StreamSheet("Sheet1", func(idx int, cells []string) error {
		got = append(got, cells)
		return nil
	}))

	require.Len(t, got, 3)
	assert.Equal(t, []string{"1", "", "3", ""}, got[1])
	assert.Equal(t, []string{"x", "", "", ""}, got[2])
}

func TestStreamSheet_EarlyTermination(t *testing.T) {
	rows := [][]string{{"h"}}
	for i := 0; i < 100; i++ {
		rows = append(rows, []string{fmt.Sprintf("row%d", i)})
	}
	wb, err := OpenWorkbookBytes(xlsxtest.BuildRows("Sheet1", rows))
	require.NoError(t, err)

	seen := 0
	err = wb.StreamSheet("Sheet1", func(idx int, cells []string) error {
		seen++
		if idx == 4 {
			return ErrStopStream
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, seen)
}

func TestStreamSheet_HandlerErrorPropagates(t *testing.T) {
	wb, err := OpenWorkbookBytes(xlsxtest.BuildRows("Sheet1", [][]string{{"h"}, {"v"}}))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = wb.StreamSheet("Sheet1", func(idx int, cells []string) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestStreamSheet_SheetNotFound(t *testing.T) {
	wb, err := OpenWorkbookBytes(xlsxtest.BuildRows("Sheet1", [][]string{{"h"}}))
	require.NoError(t, err)

	err = wb.StreamSheet("Nope", func(int, []string) error { return nil })
	assert.ErrorIs(t, err, ErrSheetNotFound)
}

func TestSheetDimension_UsesDimensionRef(t *testing.T) {
	data := xlsxtest.BuildRows("Sheet1", [][]string{
		{"org", "contract"},
		{"ORG1", "C-001"},
		{"ORG2", "C-002"},
		{"ORG3", "C-003"},
	})
	wb, err := OpenWorkbookBytes(data)
	require.NoError(t, err)

	headers, dataRows, err := wb.SheetDimension("Sheet1")
	require.NoError(t, err)
	assert.Equal(t, []string{"org", "contract"}, headers)
	assert.Equal(t, 3, dataRows)
}

func TestSheetDimension_FallbackCountsRows(t *testing.T) {
	data := xlsxtest.Build(xlsxtest.Sheet{
		Name:          "Sheet1",
		OmitDimension: true,
		Rows:          [][]string{{"h1"}, {"a"}, {"b"}},
	})
	wb, err := OpenWorkbookBytes(data)
	require.NoError(t, err)

	headers, dataRows, err := wb.SheetDimension("Sheet1")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, headers)
	assert.Equal(t, 2, dataRows)
}

func TestSheetDimension_EmptySheet(t *testing.T) {
	data := xlsxtest.Build(xlsxtest.Sheet{Name: "Sheet1", Rows: nil})
	wb, err := OpenWorkbookBytes(data)
	require.NoError(t, err)

	headers, dataRows, err := wb.SheetDimension("Sheet1")
	require.NoError(t, err)
	assert.Empty(t, headers)
	assert.Equal(t, 0, dataRows)
}

func TestRowsInRef(t *testing.T) {
	tests := []struct {
		ref  string
		rows int
		ok   bool
	}{
		{"A1:Z10000", 10000, true},
		{"A1:B2", 2, true},
		{"A1", 1, true},
		{"A2:C5", 4, true},
		{"bogus", 0, false},
		{"A1:Z0", 0, false},
	}
	for _, tt := range tests {
		rows, ok := rowsInRef(tt.ref)
		assert.Equal(t, tt.ok, ok, tt.ref)
		if ok {
			assert.Equal(t, tt.rows, rows, tt.ref)
		}
	}
}

func TestConcurrentHandlesOverSameBytes(t *testing.T) {
	rows := [][]string{{"h"}}
	for i := 0; i < 500; i++ {
		rows = append(rows, []string{fmt.Sprintf("v%d", i)})
	}
	data := xlsxtest.BuildRows("Sheet1", rows)

	done := make(chan int, 4)
	for g := 0; g < 4; g++ {
		go func() {
			wb, err := OpenWorkbookBytes(data)
			if err != nil {
				done <- -1
				return
			}
			n := 0
			wb.StreamSheet("Sheet1", func(idx int, cells []string) error {
				n++
				return nil
			})
			done <- n
		}()
	}
	for g := 0; g < 4; g++ {
		assert.Equal(t, 501, <-done)
	}
}
