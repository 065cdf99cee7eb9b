package xlsx

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
)

// =============================================================================
// SHEET STREAMING - Event-Driven Row Emission
// =============================================================================
// One pass over the worksheet XML. Cells are placed by their column reference
// so interior gaps ("A1" then "D1") come out as empty strings, and every data
// row is padded to the header width so downstream mapping stays aligned.
// =============================================================================

// StreamSheet parses the named sheet row by row in document order, invoking
// fn with (0, headers) first and (1..N, cells) for each data row. The handler
// may return ErrStopStream to terminate cleanly.
func (wb *Workbook) StreamSheet(name string, fn RowHandler) error {
	part, err := wb.sheetPart(name)
	if err != nil {
		return err
	}
	rc, err := wb.open(part)
	if err != nil {
		return &ParserError{Sheet: name, Err: err}
	}
	defer rc.Close()

	var (
		dec      = xml.NewDecoder(rc)
		cells    []string
		width    int // header width, fixed after row 0
		rowIdx   = 0
		inRow    bool
		cell     cellState
		stopped  bool
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &ParserError{Sheet: name, Row: rowIdx, Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				inRow = true
				cells = cells[:0]
			case "c":
				if inRow {
					cell.start(t)
				}
			case "v", "t":
				if cell.open {
					// inline-string <t> is only meaningful inside <is>;
					// for other cell types the cached <v> carries the value
					cell.capture = true
				}
			}
		case xml.CharData:
			if cell.capture {
				cell.buf.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				cell.capture = false
			case "c":
				if inRow && cell.open {
					col := cell.column(len(cells))
					for len(cells) <= col {
						cells = append(cells, "")
					}
					cells[col] = cell.value(wb.strings)
					cell.reset()
				}
			case "row":
				inRow = false
				if rowIdx == 0 {
					width = len(cells)
				} else {
					for len(cells) < width {
						cells = append(cells, "")
					}
				}
				out := make([]string, len(cells))
				copy(out, cells)
				if err := fn(rowIdx, out); err != nil {
					if err == ErrStopStream {
						stopped = true
						break
					}
					return err
				}
				rowIdx++
			}
		}
		if stopped {
			break
		}
	}
	return nil
}

// cellState accumulates one <c> element during streaming.
type cellState struct {
	open    bool
	capture bool
	ref     string
	typ     string
	buf     strings.Builder
}

func (c *cellState) start(se xml.StartElement) {
	c.reset()
	c.open = true
	for _, a := range se.Attr {
		switch a.Name.Local {
		case "r":
			c.ref = a.Value
		case "t":
			c.typ = a.Value
		}
	}
}

func (c *cellState) reset() {
	c.open = false
	c.capture = false
	c.ref = ""
	c.typ = ""
	c.buf.Reset()
}

// column resolves the 0-based column index from the cell reference, falling
// back to the next sequential position when the reference is absent.
func (c *cellState) column(next int) int {
	if c.ref == "" {
		return next
	}
	col := 0
	for i := 0; i < len(c.ref); i++ {
		ch := c.ref[i]
		if ch < 'A' || ch > 'Z' {
			break
		}
		col = col*26 + int(ch-'A') + 1
	}
	if col == 0 {
		return next
	}
	return col - 1
}

// value renders the formatted string for the cell. Shared-string cells are
// resolved against the loaded table; formula cells yield their cached <v>
// only (uncached formulas come out empty); booleans render TRUE/FALSE.
func (c *cellState) value(shared []string) string {
	raw := c.buf.String()
	switch c.typ {
	case "s":
		idx, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || idx < 0 || idx >= len(shared) {
			return ""
		}
		return shared[idx]
	case "b":
		if strings.TrimSpace(raw) == "1" {
			return "TRUE"
		}
		return "FALSE"
	default:
		// "inlineStr", "str", "e" and plain numeric cells all carry their
		// value verbatim
		return raw
	}
}
