// Package xlsxtest synthesizes minimal xlsx archives in memory for tests.
// Generated workbooks carry exactly the parts the streamer consumes: the
// workbook index, its relationships, a shared-strings table and one part per
// sheet. String cells go through the shared-strings table so fixtures
// exercise the same code paths as real exports.
package xlsxtest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Sheet is one named grid; Rows[0] is the header row.
type Sheet struct {
	Name string
	Rows [][]string
	// OmitDimension drops the <dimension> element to force the streaming
	// row-count fallback.
	OmitDimension bool
}

// Build produces an xlsx payload holding the given sheets in order.
func Build(sheets ...Sheet) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	shared := newSharedStrings()

	var wbSheets, rels strings.Builder
	for i, s := range sheets {
		rid := fmt.Sprintf("rId%d", i+1)
		part := fmt.Sprintf("worksheets/sheet%d.xml", i+1)
		fmt.Fprintf(&wbSheets, `<sheet name="%s" sheetId="%d" r:id="%s"/>`, escape(s.Name), i+1, rid)
		fmt.Fprintf(&rels, `<Relationship Id="%s" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="%s"/>`, rid, part)
		write(zw, "xl/"+part, sheetXML(s, shared))
	}

	write(zw, "[Content_Types].xml", `<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"/>`)
	write(zw, "xl/workbook.xml", `<?xml version="1.0"?><workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"><sheets>`+wbSheets.String()+`</sheets></workbook>`)
	write(zw, "xl/_rels/workbook.xml.rels", `<?xml version="1.0"?><Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">`+rels.String()+`</Relationships>`)
	write(zw, "xl/sharedStrings.xml", shared.xml())

	zw.Close()
	return buf.Bytes()
}

// BuildRows is shorthand for a single-sheet workbook.
func BuildRows(sheetName string, rows [][]string) []byte {
	return Build(Sheet{Name: sheetName, Rows: rows})
}

func sheetXML(s Sheet, shared *sharedStrings) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">`)
	if !s.OmitDimension && len(s.Rows) > 0 {
		cols := 0
		for _, r := range s.Rows {
			if len(r) > cols {
				cols = len(r)
			}
		}
		fmt.Fprintf(&b, `<dimension ref="A1:%s%d"/>`, columnName(cols-1), len(s.Rows))
	}
	b.WriteString(`<sheetData>`)
	for ri, row := range s.Rows {
		fmt.Fprintf(&b, `<row r="%d">`, ri+1)
		for ci, v := range row {
			ref := fmt.Sprintf("%s%d", columnName(ci), ri+1)
			if v == "" {
				continue // blank cells are simply absent, as real writers do
			}
			if isNumeric(v) {
				fmt.Fprintf(&b, `<c r="%s"><v>%s</v></c>`, ref, v)
			} else {
				fmt.Fprintf(&b, `<c r="%s" t="s"><v>%d</v></c>`, ref, shared.index(v))
			}
		}
		b.WriteString(`</row>`)
	}
	b.WriteString(`</sheetData></worksheet>`)
	return b.String()
}

type sharedStrings struct {
	order []string
	idx   map[string]int
}

func newSharedStrings() *sharedStrings {
	return &sharedStrings{idx: make(map[string]int)}
}

func (ss *sharedStrings) index(v string) int {
	if i, ok := ss.idx[v]; ok {
		return i
	}
	i := len(ss.order)
	ss.idx[v] = i
	ss.order = append(ss.order, v)
	return i
}

func (ss *sharedStrings) xml() string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0"?><sst xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" count="%d" uniqueCount="%d">`, len(ss.order), len(ss.order))
	for _, v := range ss.order {
		fmt.Fprintf(&b, `<si><t>%s</t></si>`, escape(v))
	}
	b.WriteString(`</sst>`)
	return b.String()
}

func write(zw *zip.Writer, name, content string) {
	w, err := zw.Create(name)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		panic(err)
	}
}

func columnName(idx int) string {
	name := ""
	for idx >= 0 {
		name = string(rune('A'+idx%26)) + name
		idx = idx/26 - 1
	}
	return name
}

func isNumeric(v string) bool {
	if v == "" {
		return false
	}
	dot := false
	for i, c := range v {
		switch {
		case c >= '0' && c <= '9':
		case c == '-' && i == 0:
		case c == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}

func escape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
