package precheck

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/xlsx"
)

// =============================================================================
// PRE-SAVE VALIDATOR - Fail-Fast Upload Screening
// =============================================================================
// Runs before the uploaded workbook is persisted. Four phases:
//   1. basic      - payload size, extension
//   2. structure  - required sheet names present
//   3. dimensions - per-sheet data-row caps (dimension ref only, cheap)
//   4. template   - header labels vs declared mapping (warnings, never blocks)
// On any error the caller discards the upload bytes; nothing touches disk.
// The whole pass reads only the workbook index, relationships, shared strings
// and per-sheet dimension references, so a 50 MiB workbook screens in well
// under a second.
// =============================================================================

// Issue codes surfaced to the submitter.
const (
	CodeInvalidWorkbook  = "INVALID_WORKBOOK"
	CodeMissingSheet     = "MISSING_SHEET"
	CodeExcessiveRows    = "EXCESSIVE_ROWS"
	CodeBadExtension     = "BAD_EXTENSION"
	CodeOversizePayload  = "OVERSIZE_PAYLOAD"
	CodeEmptyPayload     = "EMPTY_PAYLOAD"
	CodeTemplateMismatch = "TEMPLATE_MISMATCH"
)

// Issue is one validation error or warning.
type Issue struct {
	Code    string `json:"code"`
	Sheet   string `json:"sheet,omitempty"`
	Message string `json:"message"`
}

// Report is the outcome of one pre-save validation pass.
type Report struct {
	OK        bool           `json:"ok"`
	Errors    []Issue        `json:"errors,omitempty"`
	Warnings  []Issue        `json:"warnings,omitempty"`
	RowCounts map[string]int `json:"row_counts,omitempty"` // data rows per required sheet
}

func (r *Report) addError(code, sheet, msg string) {
	r.Errors = append(r.Errors, Issue{Code: code, Sheet: sheet, Message: msg})
}

func (r *Report) addWarning(code, sheet, msg string) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Sheet: sheet, Message: msg})
}

// Validator screens uploads against the configured sheet types.
type Validator struct {
	upload     config.UploadConfig
	maxRows    int // per-sheet data-row cap; 0 = unlimited
	sheetTypes []config.SheetType
}

// New builds a validator from configuration.
func New(cfg *config.Config) *Validator {
	return &Validator{
		upload:     cfg.Upload,
		maxRows:    cfg.Pipeline.MaxRowsPerSheet,
		sheetTypes: cfg.EnabledSheetTypes(),
	}
}

// Validate runs all four phases against an in-memory payload.
func (v *Validator) Validate(data []byte, filename string) *Report {
	start := time.Now()
	report := &Report{RowCounts: make(map[string]int)}

	// Phase 1: basic
	if len(data) == 0 {
		report.addError(CodeEmptyPayload, "", "uploaded file is empty")
		return finish(report, filename, start)
	}
	if int64(len(data)) > v.upload.MaxFileSizeBytes {
		report.addError(CodeOversizePayload, "", fmt.Sprintf(
			"file size %d exceeds limit %d bytes", len(data), v.upload.MaxFileSizeBytes))
		return finish(report, filename, start)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if !contains(v.upload.AllowedExtensions, ext) {
		report.addError(CodeBadExtension, "", fmt.Sprintf(
			"extension %q not allowed (allowed: %s)", ext, strings.Join(v.upload.AllowedExtensions, ", ")))
		return finish(report, filename, start)
	}

	wb, err := xlsx.OpenWorkbookBytes(data)
	if err != nil {
		report.addError(CodeInvalidWorkbook, "", err.Error())
		return finish(report, filename, start)
	}
	defer wb.Close()

	// Phase 2: structure
	found := wb.Sheets()
	foundSet := make(map[string]bool, len(found))
	for _, n := range found {
		foundSet[n] = true
	}
	var missing []string
	for _, st := range v.sheetTypes {
		if !foundSet[st.Name] {
			missing = append(missing, st.Name)
		}
	}
	if len(missing) > 0 {
		report.addError(CodeMissingSheet, strings.Join(missing, ","), fmt.Sprintf(
			"required sheets missing: expected [%s], found [%s]",
			strings.Join(requiredNames(v.sheetTypes), ", "), strings.Join(found, ", ")))
		return finish(report, filename, start)
	}

	// Phases 3+4 per required sheet: dimension cap, then template headers.
	for _, st := range v.sheetTypes {
		headers, dataRows, err := wb.SheetDimension(st.Name)
		if err != nil {
			report.addError(CodeInvalidWorkbook, st.Name, err.Error())
			return finish(report, filename, start)
		}
		report.RowCounts[st.Name] = dataRows

		if v.maxRows > 0 && dataRows > v.maxRows {
			report.addError(CodeExcessiveRows, st.Name, fmt.Sprintf(
				"sheet has %d data rows, limit is %d", dataRows, v.maxRows))
			continue // keep collecting per-sheet errors
		}

		if v.upload.TemplateCheck {
			v.checkTemplate(report, st, headers)
		}
	}

	return finish(report, filename, start)
}

// checkTemplate compares the actual header row against the declared
// localized labels. Mismatches are warnings only.
func (v *Validator) checkTemplate(report *Report, st config.SheetType, headers []string) {
	have := make(map[string]bool, len(headers))
	for _, h := range headers {
		have[strings.TrimSpace(h)] = true
	}
	for _, label := range st.ExpectedHeaders() {
		if !have[label] {
			report.addWarning(CodeTemplateMismatch, st.Name, fmt.Sprintf(
				"expected header %q not found", label))
		}
	}
}

func finish(report *Report, filename string, start time.Time) *Report {
	report.OK = len(report.Errors) == 0
	log.Printf("[Precheck] %s: ok=%v errors=%d warnings=%d in %s",
		filename, report.OK, len(report.Errors), len(report.Warnings), time.Since(start))
	return report
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func requiredNames(sts []config.SheetType) []string {
	out := make([]string, len(sts))
	for i, st := range sts {
		out[i] = st.Name
	}
	return out
}
