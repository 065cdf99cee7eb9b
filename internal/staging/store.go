package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/lib/pq"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/mapping"
)

// =============================================================================
// STAGING STORE - Batched Raw/Valid/Error Relations
// =============================================================================
// Three relations per sheet type (raw, valid, error) plus one cross-sheet
// error relation. Batches go through PostgreSQL COPY into a session temp
// table and are merged with ON CONFLICT DO NOTHING, which makes every append
// idempotent on (job_id, sheet_name, row_number). Each call commits its own
// transaction; a phase is a sequence of committed batches, so cancellation
// at a batch boundary never leaves a torn batch behind.
// =============================================================================

// RowFault couples a record with one rule violation for the error side.
type RowFault struct {
	Record    mapping.Record
	RuleID    string
	ErrorType string
	Field     string
	Value     string
	Message   string
}

// RowError is one persisted row of the cross-sheet error relation.
type RowError struct {
	JobID     string `json:"job_id"`
	SheetName string `json:"sheet_name"`
	RowNumber int    `json:"row_number"`
	RuleID    string `json:"rule_id"`
	ErrorType string `json:"error_type"`
	Field     string `json:"error_field,omitempty"`
	Value     string `json:"error_value,omitempty"`
	Message   string `json:"error_message"`
}

// Store provides batched access to the staging relations.
type Store struct {
	db *sql.DB
}

// New creates a staging store over the shared connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendRaw bulk-loads mapped records into the sheet type's raw relation.
// Returns the number of rows actually inserted; rows already present for
// (job_id, sheet_name, row_number) are skipped, so re-running ingest for a
// job yields the same raw set.
func (s *Store) AppendRaw(ctx context.Context, st config.SheetType, recs []mapping.Record) (int, error) {
	return s.copyMerge(ctx, st.RawTable, recs)
}

// MoveToValid copies validated records into the valid relation.
// Idempotent the same way AppendRaw is.
func (s *Store) MoveToValid(ctx context.Context, st config.SheetType, recs []mapping.Record) (int, error) {
	return s.copyMerge(ctx, st.ValidTable, recs)
}

// copyMerge is the shared COPY-into-temp + merge path.
func (s *Store) copyMerge(ctx context.Context, table string, recs []mapping.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		CREATE TEMP TABLE _mig_batch (
			job_id       TEXT,
			sheet_name   TEXT,
			row_number   INT,
			business_key TEXT,
			payload      TEXT
		) ON COMMIT DROP
	`)
	if err != nil {
		return 0, fmt.Errorf("create temp table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("_mig_batch",
		"job_id", "sheet_name", "row_number", "business_key", "payload"))
	if err != nil {
		return 0, fmt.Errorf("prepare copy: %w", err)
	}
	for _, rec := range recs {
		payload, err := json.Marshal(rec.Values)
		if err != nil {
			stmt.Close()
			return 0, fmt.Errorf("marshal row %d: %w", rec.RowNumber, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.JobID, rec.SheetName, rec.RowNumber, rec.BusinessKey, string(payload)); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("copy row %d: %w", rec.RowNumber, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("flush copy: %w", err)
	}
	stmt.Close()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (job_id, sheet_name, row_number, business_key, payload, created_at)
		SELECT job_id, sheet_name, row_number, business_key, payload::jsonb, NOW()
		FROM _mig_batch
		ON CONFLICT (job_id, sheet_name, row_number) DO NOTHING
	`, pq.QuoteIdentifier(table)))
	if err != nil {
		return 0, fmt.Errorf("merge into %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	inserted, _ := res.RowsAffected()
	return int(inserted), nil
}

// MoveToError writes the error-side record rows and the per-rule entries of
// the cross-sheet error relation, atomically per batch. A record with
// several violations appears once in the error relation and once per rule
// in migration_row_errors.
func (s *Store) MoveToError(ctx context.Context, st config.SheetType, faults []RowFault) error {
	if len(faults) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	recStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (job_id, sheet_name, row_number, business_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, NOW())
		ON CONFLICT (job_id, sheet_name, row_number) DO NOTHING
	`, pq.QuoteIdentifier(st.ErrorTable)))
	if err != nil {
		return fmt.Errorf("prepare error insert: %w", err)
	}
	defer recStmt.Close()

	faultStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO migration_row_errors
			(job_id, sheet_name, row_number, rule_id, error_type, error_field, error_value, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (job_id, sheet_name, row_number, rule_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare fault insert: %w", err)
	}
	defer faultStmt.Close()

	seen := make(map[int]bool, len(faults))
	for _, f := range faults {
		rec := f.Record
		if !seen[rec.RowNumber] {
			payload, err := json.Marshal(rec.Values)
			if err != nil {
				return fmt.Errorf("marshal row %d: %w", rec.RowNumber, err)
			}
			if _, err := recStmt.ExecContext(ctx, rec.JobID, rec.SheetName, rec.RowNumber, rec.BusinessKey, string(payload)); err != nil {
				return fmt.Errorf("insert error row %d: %w", rec.RowNumber, err)
			}
			seen[rec.RowNumber] = true
		}
		if _, err := faultStmt.ExecContext(ctx, rec.JobID, rec.SheetName, rec.RowNumber,
			f.RuleID, f.ErrorType, f.Field, f.Value, f.Message); err != nil {
			return fmt.Errorf("insert fault row %d rule %s: %w", rec.RowNumber, f.RuleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadRaw reads a batch of raw records for a job in stable row order.
// Pass afterRow=0 to start; pass the last row number seen to resume.
func (s *Store) ReadRaw(ctx context.Context, st config.SheetType, jobID string, afterRow, limit int) ([]mapping.Record, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT job_id, sheet_name, row_number, business_key, payload
		FROM %s
		WHERE job_id = $1 AND row_number > $2
		ORDER BY row_number
		LIMIT $3
	`, pq.QuoteIdentifier(st.RawTable)), jobID, afterRow, limit)
	if err != nil {
		return nil, fmt.Errorf("read raw %s: %w", st.RawTable, err)
	}
	defer rows.Close()

	var out []mapping.Record
	for rows.Next() {
		var rec mapping.Record
		var payload []byte
		if err := rows.Scan(&rec.JobID, &rec.SheetName, &rec.RowNumber, &rec.BusinessKey, &payload); err != nil {
			return nil, fmt.Errorf("scan raw row: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Values); err != nil {
			return nil, fmt.Errorf("decode payload row %d: %w", rec.RowNumber, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReadValid reads a batch of valid records in stable row order.
func (s *Store) ReadValid(ctx context.Context, st config.SheetType, jobID string, afterRow, limit int) ([]mapping.Record, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT job_id, sheet_name, row_number, business_key, payload
		FROM %s
		WHERE job_id = $1 AND row_number > $2
		ORDER BY row_number
		LIMIT $3
	`, pq.QuoteIdentifier(st.ValidTable)), jobID, afterRow, limit)
	if err != nil {
		return nil, fmt.Errorf("read valid %s: %w", st.ValidTable, err)
	}
	defer rows.Close()

	var out []mapping.Record
	for rows.Next() {
		var rec mapping.Record
		var payload []byte
		if err := rows.Scan(&rec.JobID, &rec.SheetName, &rec.RowNumber, &rec.BusinessKey, &payload); err != nil {
			return nil, fmt.Errorf("scan valid row: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Values); err != nil {
			return nil, fmt.Errorf("decode payload row %d: %w", rec.RowNumber, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Counts returns (raw, valid, error) row counts for a job and sheet type.
func (s *Store) Counts(ctx context.Context, st config.SheetType, jobID string) (raw, valid, errs int64, err error) {
	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{st.RawTable, &raw},
		{st.ValidTable, &valid},
		{st.ErrorTable, &errs},
	} {
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COUNT(*) FROM %s WHERE job_id = $1`, pq.QuoteIdentifier(q.table)), jobID).Scan(q.dst)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("count %s: %w", q.table, err)
		}
	}
	return raw, valid, errs, nil
}

// Cleanup deletes a job's raw and valid staging rows. Error rows (and the
// cross-sheet error relation) survive unless keepErrors is false.
func (s *Store) Cleanup(ctx context.Context, st config.SheetType, jobID string, keepErrors bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	tables := []string{st.RawTable, st.ValidTable}
	if !keepErrors {
		tables = append(tables, st.ErrorTable)
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE job_id = $1`, pq.QuoteIdentifier(table)), jobID); err != nil {
			return fmt.Errorf("cleanup %s: %w", table, err)
		}
	}
	if !keepErrors {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM migration_row_errors WHERE job_id = $1 AND sheet_name = $2`, jobID, st.Name); err != nil {
			return fmt.Errorf("cleanup row errors: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cleanup: %w", err)
	}
	log.Printf("[Staging] Cleanup job=%s sheet=%s keepErrors=%v", jobID, st.Name, keepErrors)
	return nil
}

// ExistingKeys performs one grouped lookup: which of the given values exist
// in table.column. Used for duplicate-in-db and reference-exists rules.
func (s *Store) ExistingKeys(ctx context.Context, table, column string, values []string) (map[string]bool, error) {
	if len(values) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT %s FROM %s WHERE %s = ANY($1)
	`, pq.QuoteIdentifier(column), pq.QuoteIdentifier(table), pq.QuoteIdentifier(column)), pq.Array(values))
	if err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(values))
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		found[v] = true
	}
	return found, rows.Err()
}

// ExistingKeysOtherJobs is ExistingKeys restricted to rows from other jobs.
// Used when duplicate checks run against staging relations that already hold
// this job's rows from a previous attempt.
func (s *Store) ExistingKeysOtherJobs(ctx context.Context, table, column string, values []string, jobID string) (map[string]bool, error) {
	if len(values) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT %s FROM %s WHERE %s = ANY($1) AND job_id <> $2
	`, pq.QuoteIdentifier(column), pq.QuoteIdentifier(table), pq.QuoteIdentifier(column)), pq.Array(values), jobID)
	if err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(values))
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		found[v] = true
	}
	return found, rows.Err()
}

// RowErrors pages through the cross-sheet error relation for a job.
func (s *Store) RowErrors(ctx context.Context, jobID, sheetName string, limit, offset int) ([]RowError, error) {
	query := `
		SELECT job_id, sheet_name, row_number, rule_id, error_type,
		       COALESCE(error_field, ''), COALESCE(error_value, ''), error_message
		FROM migration_row_errors
		WHERE job_id = $1`
	args := []any{jobID}
	if sheetName != "" {
		query += ` AND sheet_name = $2`
		args = append(args, sheetName)
	}
	query += fmt.Sprintf(` ORDER BY sheet_name, row_number, rule_id LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read row errors: %w", err)
	}
	defer rows.Close()

	var out []RowError
	for rows.Next() {
		var re RowError
		if err := rows.Scan(&re.JobID, &re.SheetName, &re.RowNumber, &re.RuleID,
			&re.ErrorType, &re.Field, &re.Value, &re.Message); err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, rows.Err()
}
