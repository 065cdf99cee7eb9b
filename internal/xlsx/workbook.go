package xlsx

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// =============================================================================
// WORKBOOK READER - Streaming XLSX Access
// =============================================================================
// Opens a zipped-XML workbook and exposes its sheets for streaming reads.
// Only three kinds of parts are ever touched:
// - xl/workbook.xml            (sheet names + relationship ids, in declared order)
// - xl/_rels/workbook.xml.rels (relationship id -> worksheet part)
// - xl/sharedStrings.xml       (loaded once, held for the life of the handle)
// Styles, themes, charts and macros are never read. Memory is bounded by the
// shared-strings table plus one row of cells; a sheet is never materialized.
// =============================================================================

var (
	ErrInvalidWorkbook = errors.New("invalid workbook: container is not a readable xlsx archive")
	ErrSheetNotFound   = errors.New("sheet not found in workbook")

	// ErrStopStream can be returned by a RowHandler to terminate a sheet
	// stream early without surfacing an error to the caller.
	ErrStopStream = errors.New("stop streaming")
)

// ParserError reports malformed XML encountered mid-stream. Rows emitted
// before the fault are valid and retained by the caller.
type ParserError struct {
	Sheet string
	Row   int
	Err   error
}

func (e *ParserError) Error() string {
	return fmt.Sprintf("parser error in sheet %q near row %d: %v", e.Sheet, e.Row, e.Err)
}

func (e *ParserError) Unwrap() error { return e.Err }

// RowHandler receives one row per call: idx is 0 for the header row and
// 1..N for data rows; cells are formatted string values in column order.
type RowHandler func(idx int, cells []string) error

// sheetRef binds a sheet name to its worksheet part inside the archive.
type sheetRef struct {
	Name string
	Part string
}

// Workbook is a streaming handle over one xlsx container. A handle is safe
// for sequential use only; concurrent streaming requires one handle per
// goroutine (the underlying bytes may be shared).
type Workbook struct {
	zr      *zip.Reader
	closer  io.Closer // non-nil when opened from a file
	sheets  []sheetRef
	strings []string
}

// OpenWorkbook opens a workbook from a file on disk.
func OpenWorkbook(filePath string) (*Workbook, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}
	zr, err := zip.NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}
	wb := &Workbook{zr: zr, closer: f}
	if err := wb.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return wb, nil
}

// OpenWorkbookBytes opens a workbook from an in-memory payload. Multiple
// handles may be opened over the same byte slice concurrently.
func OpenWorkbookBytes(data []byte) (*Workbook, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}
	wb := &Workbook{zr: zr}
	if err := wb.loadIndex(); err != nil {
		return nil, err
	}
	return wb, nil
}

// Close releases the underlying file handle, if any.
func (wb *Workbook) Close() error {
	if wb.closer != nil {
		return wb.closer.Close()
	}
	return nil
}

// Sheets returns sheet names in workbook order without parsing any bodies.
func (wb *Workbook) Sheets() []string {
	names := make([]string, len(wb.sheets))
	for i, s := range wb.sheets {
		names[i] = s.Name
	}
	return names
}

// HasSheet reports whether the workbook contains a sheet with the given name.
func (wb *Workbook) HasSheet(name string) bool {
	_, err := wb.sheetPart(name)
	return err == nil
}

// loadIndex parses the workbook index, relationships and shared strings.
func (wb *Workbook) loadIndex() error {
	rels, err := wb.parseRels()
	if err != nil {
		return err
	}
	if err := wb.parseWorkbookIndex(rels); err != nil {
		return err
	}
	// Shared strings part is optional; a workbook with only inline or
	// numeric cells will not carry one.
	if err := wb.parseSharedStrings(); err != nil {
		return err
	}
	return nil
}

func (wb *Workbook) open(name string) (io.ReadCloser, error) {
	for _, f := range wb.zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("part %q not found", name)
}

// parseRels reads xl/_rels/workbook.xml.rels into an id -> part map.
func (wb *Workbook) parseRels() (map[string]string, error) {
	rc, err := wb.open("xl/_rels/workbook.xml.rels")
	if err != nil {
		return nil, fmt.Errorf("%w: missing workbook relationships", ErrInvalidWorkbook)
	}
	defer rc.Close()

	rels := make(map[string]string)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "Relationship" {
			continue
		}
		var id, target string
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "Id":
				id = a.Value
			case "Target":
				target = a.Value
			}
		}
		if id != "" && target != "" {
			rels[id] = resolvePart(target)
		}
	}
	return rels, nil
}

// resolvePart normalizes a relationship target to a full archive path.
// Targets are usually relative to xl/ ("worksheets/sheet1.xml") but may be
// absolute ("/xl/worksheets/sheet1.xml").
func resolvePart(target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return path.Clean("xl/" + target)
}

// parseWorkbookIndex reads sheet names and their part references in order.
func (wb *Workbook) parseWorkbookIndex(rels map[string]string) error {
	rc, err := wb.open("xl/workbook.xml")
	if err != nil {
		return fmt.Errorf("%w: missing workbook index", ErrInvalidWorkbook)
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "sheet" {
			continue
		}
		var name, rid string
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "name":
				name = a.Value
			case "id": // r:id carries the relationship id
				rid = a.Value
			}
		}
		part, ok := rels[rid]
		if name == "" || !ok {
			continue
		}
		wb.sheets = append(wb.sheets, sheetRef{Name: name, Part: part})
	}
	if len(wb.sheets) == 0 {
		return fmt.Errorf("%w: workbook index lists no sheets", ErrInvalidWorkbook)
	}
	return nil
}

// parseSharedStrings loads xl/sharedStrings.xml once. Rich-text runs inside
// one entry are concatenated into a single string.
func (wb *Workbook) parseSharedStrings() error {
	rc, err := wb.open("xl/sharedStrings.xml")
	if err != nil {
		return nil // optional part
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		inSI  bool
		inT   bool
		buf   strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: shared strings: %v", ErrInvalidWorkbook, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				inSI = true
				buf.Reset()
			case "t":
				if inSI {
					inT = true
				}
			}
		case xml.CharData:
			if inT {
				buf.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inT = false
			case "si":
				inSI = false
				wb.strings = append(wb.strings, buf.String())
			}
		}
	}
	return nil
}

func (wb *Workbook) sheetPart(name string) (string, error) {
	for _, s := range wb.sheets {
		if s.Name == name {
			return s.Part, nil
		}
	}
	return "", fmt.Errorf("%w: %q (have %v)", ErrSheetNotFound, name, wb.Sheets())
}
