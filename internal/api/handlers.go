package api

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/jobs"
	"github.com/ignite/workbook-migrator/internal/pkg/httputil"
	"github.com/ignite/workbook-migrator/internal/progress"
	"github.com/ignite/workbook-migrator/internal/staging"
)

// =============================================================================
// MIGRATION API - Upload, Polling, Cancellation
// =============================================================================

// JobManager is the slice of the jobs manager the handlers call.
type JobManager interface {
	Submit(ctx context.Context, data []byte, filename, jobID string) (*jobs.Snapshot, error)
	SubmitSync(ctx context.Context, data []byte, filename, jobID string) (*jobs.Snapshot, error)
	Status(ctx context.Context, jobID string) (*jobs.Snapshot, error)
	Cancel(ctx context.Context, jobID string) error
	SystemInfo() jobs.SystemInfo
}

// ProgressReader serves the per-sheet polling endpoints.
type ProgressReader interface {
	GetSheets(ctx context.Context, jobID string) ([]progress.SheetProgress, error)
	GetSheet(ctx context.Context, jobID, sheetName string) (*progress.SheetProgress, error)
}

// StagingAdmin serves the error-report and cleanup endpoints.
type StagingAdmin interface {
	RowErrors(ctx context.Context, jobID, sheetName string, limit, offset int) ([]staging.RowError, error)
	Cleanup(ctx context.Context, st config.SheetType, jobID string, keepErrors bool) error
}

// Handlers holds the migration API dependencies.
type Handlers struct {
	cfg      *config.Config
	manager  JobManager
	progress ProgressReader
	staging  StagingAdmin
	db       *sql.DB
	rdb      *redis.Client // may be nil
}

// NewHandlers wires the handler set.
func NewHandlers(cfg *config.Config, manager JobManager, pr ProgressReader, st StagingAdmin, db *sql.DB, rdb *redis.Client) *Handlers {
	return &Handlers{cfg: cfg, manager: manager, progress: pr, staging: st, db: db, rdb: rdb}
}

// ====== UPLOAD ======

type uploadResponse struct {
	JobID       string `json:"jobId"`
	Status      string `json:"status"`
	ProgressURL string `json:"progressUrl"`
	CancelURL   string `json:"cancelUrl"`
}

// UploadWorkbook accepts a multipart workbook and submits it. With
// async=true (the default) it answers 202 immediately; async=false blocks
// until the job reaches a terminal status.
func (h *Handlers) UploadWorkbook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.cfg.Upload.MaxFileSizeBytes); err != nil {
		httputil.BadRequest(w, "invalid multipart payload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.cfg.Upload.MaxFileSizeBytes+1))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	async := true
	if v := r.URL.Query().Get("async"); v != "" {
		async, _ = strconv.ParseBool(v)
	}
	jobID := r.URL.Query().Get("jobId")

	if !async {
		snap, err := h.manager.SubmitSync(r.Context(), data, header.Filename, jobID)
		if err != nil {
			h.writeSubmitError(w, err)
			return
		}
		httputil.OK(w, snap)
		return
	}

	snap, err := h.manager.Submit(r.Context(), data, header.Filename, jobID)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}
	if snap.Existing {
		httputil.OK(w, snap)
		return
	}
	httputil.JSON(w, http.StatusAccepted, uploadResponse{
		JobID:       snap.JobID,
		Status:      progress.JobStarted,
		ProgressURL: "/migration/multisheet/" + snap.JobID + "/progress",
		CancelURL:   "/migration/multisheet/" + snap.JobID + "/cancel",
	})
}

func (h *Handlers) writeSubmitError(w http.ResponseWriter, err error) {
	var ve *jobs.ValidationError
	switch {
	case errors.As(err, &ve):
		httputil.Coded(w, http.StatusBadRequest, "VALIDATION_FAILED", "workbook validation failed", ve.Report)
	case errors.Is(err, jobs.ErrDuplicateJob):
		httputil.Coded(w, http.StatusConflict, "DUPLICATE_JOB", "job already exists and is still running", nil)
	case errors.Is(err, jobs.ErrPoolExhausted):
		httputil.Coded(w, http.StatusServiceUnavailable, "POOL_EXHAUSTED", "migration queue is full, retry later", nil)
	case errors.Is(err, jobs.ErrBreakerOpen):
		httputil.Coded(w, http.StatusServiceUnavailable, "CIRCUIT_OPEN", "submissions temporarily suspended", nil)
	default:
		httputil.InternalError(w, err)
	}
}

// ====== POLLING ======

// GetProgress returns the aggregate job snapshot.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	snap, err := h.manager.Status(r.Context(), jobID)
	if errors.Is(err, progress.ErrJobNotFound) {
		httputil.NotFound(w, "job "+jobID+" not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, snap)
}

// GetSheets returns all per-sheet progress rows.
func (h *Handlers) GetSheets(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	sheets, err := h.progress.GetSheets(r.Context(), jobID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if len(sheets) == 0 {
		httputil.NotFound(w, "job "+jobID+" not found")
		return
	}
	httputil.OK(w, map[string]any{"jobId": jobID, "sheets": sheets})
}

// GetSheet returns a single sheet's progress row.
func (h *Handlers) GetSheet(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	name := chi.URLParam(r, "name")
	sheet, err := h.progress.GetSheet(r.Context(), jobID, name)
	if errors.Is(err, progress.ErrSheetNotFound) {
		httputil.NotFound(w, "sheet "+name+" not found for job "+jobID)
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, sheet)
}

// ====== CANCELLATION ======

// CancelJob requests cooperative cancellation.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	err := h.manager.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, progress.ErrJobNotFound):
		httputil.NotFound(w, "job "+jobID+" not found")
	case errors.Is(err, jobs.ErrJobTerminal):
		httputil.Coded(w, http.StatusConflict, "JOB_TERMINAL", "job already finished", nil)
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]string{"jobId": jobID, "status": "CANCELLATION_REQUESTED"})
	}
}

// ====== SYSTEM ======

// GetSystemInfo reports pool stats.
func (h *Handlers) GetSystemInfo(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.manager.SystemInfo())
}

// ====== ERROR REPORT ======

// GetRowErrors returns paginated per-row validation errors.
func (h *Handlers) GetRowErrors(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	sheet := r.URL.Query().Get("sheet")
	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	offset := queryInt(r, "offset", 0)

	rows, err := h.staging.RowErrors(r.Context(), jobID, sheet, limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"jobId":  jobID,
		"sheet":  sheet,
		"limit":  limit,
		"offset": offset,
		"errors": rows,
	})
}

// ====== CLEANUP ======

// CleanupStaging deletes a job's staging rows across every enabled sheet
// type. keepErrors=true (the default) preserves the error side for audits.
func (h *Handlers) CleanupStaging(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	keepErrors := true
	if v := r.URL.Query().Get("keepErrors"); v != "" {
		keepErrors, _ = strconv.ParseBool(v)
	}

	cleaned := 0
	for _, st := range h.cfg.EnabledSheetTypes() {
		if err := h.staging.Cleanup(r.Context(), st, jobID, keepErrors); err != nil {
			httputil.InternalError(w, err)
			return
		}
		cleaned++
	}
	httputil.OK(w, map[string]any{"jobId": jobID, "sheetTypes": cleaned, "keepErrors": keepErrors})
}

// ====== HEALTH ======

// HealthCheck pings the database and Redis.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "database": "ok", "redis": "disabled"}
	code := http.StatusOK
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if h.rdb != nil {
		status["redis"] = "ok"
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			status["status"] = "degraded"
			status["redis"] = err.Error()
		}
	}
	httputil.JSON(w, code, status)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
