package xlsx

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
)

// =============================================================================
// SHEET DIMENSIONS - Cheap Row Counting
// =============================================================================
// Pre-save validation needs row counts for sheets that may hold hundreds of
// thousands of rows. The worksheet's <dimension ref="A1:Z10000"/> element
// gives the answer without decompressing the body; only when a writer omitted
// it do we fall back to a streaming pass that counts <row> start events.
// =============================================================================

// SheetDimension returns the header labels and the data-row count (rows after
// the header) for the named sheet.
func (wb *Workbook) SheetDimension(name string) ([]string, int, error) {
	part, err := wb.sheetPart(name)
	if err != nil {
		return nil, 0, err
	}

	totalRows, ok, err := wb.dimensionRowCount(part, name)
	if err != nil {
		return nil, 0, err
	}

	var headers []string
	if ok {
		// Dimension reference found: one cheap pass for the header row only.
		err = wb.StreamSheet(name, func(idx int, cells []string) error {
			headers = cells
			return ErrStopStream
		})
		if err != nil {
			return nil, 0, err
		}
	} else {
		// No dimension reference: count row events in a single full pass.
		totalRows = 0
		err = wb.StreamSheet(name, func(idx int, cells []string) error {
			if idx == 0 {
				headers = cells
			}
			totalRows++
			return nil
		})
		if err != nil {
			return nil, 0, err
		}
	}

	dataRows := totalRows - 1
	if dataRows < 0 {
		dataRows = 0
	}
	return headers, dataRows, nil
}

// dimensionRowCount parses the worksheet only as far as the dimension
// element. Returns (rows, true) when a usable reference was present.
func (wb *Workbook) dimensionRowCount(part, name string) (int, bool, error) {
	rc, err := wb.open(part)
	if err != nil {
		return 0, false, &ParserError{Sheet: name, Err: err}
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, &ParserError{Sheet: name, Err: err}
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "dimension":
			for _, a := range se.Attr {
				if a.Name.Local == "ref" {
					if rows, ok := rowsInRef(a.Value); ok {
						return rows, true, nil
					}
				}
			}
			return 0, false, nil
		case "sheetData":
			// Dimension element, when present, precedes sheetData.
			return 0, false, nil
		}
	}
}

// rowsInRef computes the row span of an A1:Z10000-style reference.
// A single-cell reference ("A1") spans one row.
func rowsInRef(ref string) (int, bool) {
	first, last, found := strings.Cut(ref, ":")
	r1, ok := rowOfCellRef(first)
	if !ok {
		return 0, false
	}
	if !found {
		return 1, true
	}
	r2, ok := rowOfCellRef(last)
	if !ok || r2 < r1 {
		return 0, false
	}
	return r2 - r1 + 1, true
}

func rowOfCellRef(ref string) (int, bool) {
	i := 0
	for i < len(ref) && ref[i] >= 'A' && ref[i] <= 'Z' {
		i++
	}
	if i == len(ref) {
		return 0, false
	}
	n, err := strconv.Atoi(ref[i:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
