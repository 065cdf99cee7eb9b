package writer

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/mapping"
)

// =============================================================================
// DOMAIN WRITER - Valid Staging to Master Tables
// =============================================================================
// The insert phase hands validated batches to a DomainWriter. Sheet types
// with plain one-table targets use the default upsert writer; domains with
// multi-table fan-out register their own implementation.
// =============================================================================

// DomainWriter moves one batch of validated records into the domain's
// master tables. Implementations must be idempotent on business key.
type DomainWriter interface {
	// WriteBatch upserts the batch and reports how many rows were written.
	WriteBatch(ctx context.Context, st config.SheetType, recs []mapping.Record) (int, error)
}

// Registry maps sheet-type names to their writers, with a shared default.
type Registry struct {
	fallback DomainWriter
	bySheet  map[string]DomainWriter
}

// NewRegistry creates a registry with the given default writer.
func NewRegistry(fallback DomainWriter) *Registry {
	return &Registry{fallback: fallback, bySheet: make(map[string]DomainWriter)}
}

// Register binds a writer to one sheet type, overriding the default.
func (r *Registry) Register(sheetName string, w DomainWriter) {
	r.bySheet[sheetName] = w
}

// For resolves the writer for a sheet type.
func (r *Registry) For(sheetName string) DomainWriter {
	if w, ok := r.bySheet[sheetName]; ok {
		return w
	}
	return r.fallback
}

// UpsertWriter is the default DomainWriter: one INSERT per batch into the
// sheet type's master table, upserting on business_key. The column list
// comes from the sheet type's master_columns declaration; values are read
// from the record payload by canonical column name.
type UpsertWriter struct {
	db *sql.DB
}

func NewUpsertWriter(db *sql.DB) *UpsertWriter {
	return &UpsertWriter{db: db}
}

// WriteBatch upserts the batch in one transaction. Rows whose business key
// collides with an existing master row are updated in place, so replays
// converge instead of duplicating.
func (w *UpsertWriter) WriteBatch(ctx context.Context, st config.SheetType, recs []mapping.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if st.MasterTable == "" {
		return 0, fmt.Errorf("sheet type %s has no master table", st.Name)
	}
	if len(st.MasterColumns) == 0 {
		return 0, fmt.Errorf("sheet type %s has no master columns", st.Name)
	}
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("write batch: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertQuery(st))
	if err != nil {
		return 0, fmt.Errorf("write batch: prepare: %w", err)
	}
	defer stmt.Close()

	written := 0
	for i := range recs {
		rec := &recs[i]
		args := make([]any, 0, len(st.MasterColumns)+2)
		args = append(args, rec.BusinessKey, rec.JobID)
		for _, col := range st.MasterColumns {
			if v := rec.Get(col); v != "" {
				args = append(args, v)
			} else {
				args = append(args, nil)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return written, fmt.Errorf("write batch: row %d: %w", rec.RowNumber, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("write batch: commit: %w", err)
	}

	log.Printf("[Writer] Upserted %d rows into %s in %s", written, st.MasterTable, time.Since(start))
	return written, nil
}

// upsertQuery builds the per-sheet-type upsert statement:
//
//	INSERT INTO master (business_key, source_job_id, c1, c2, ...)
//	VALUES ($1, $2, $3, ...)
//	ON CONFLICT (business_key) DO UPDATE SET c1 = EXCLUDED.c1, ...
func upsertQuery(st config.SheetType) string {
	cols := `business_key, source_job_id`
	placeholders := `$1, $2`
	updates := `source_job_id = EXCLUDED.source_job_id, migrated_at = NOW()`
	for i, col := range st.MasterColumns {
		q := pq.QuoteIdentifier(col)
		cols += ", " + q
		placeholders += fmt.Sprintf(", $%d", i+3)
		updates += fmt.Sprintf(", %s = EXCLUDED.%s", q, q)
	}
	return fmt.Sprintf(`
		INSERT INTO %s (%s, migrated_at)
		VALUES (%s, NOW())
		ON CONFLICT (business_key) DO UPDATE SET %s`,
		pq.QuoteIdentifier(st.MasterTable), cols, placeholders, updates)
}
