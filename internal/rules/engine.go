package rules

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/mapping"
)

// =============================================================================
// VALIDATION ENGINE - Ordered Rules over Raw Batches
// =============================================================================
// Rules are built from configuration once and run in priority order (lower
// first). All violations for a row are collected, not just the first; a row
// with at least one violation goes to the error side. Duplicate and
// reference rules work batch-at-a-time: one grouped lookup per batch, one
// in-memory seen-set per job.
// =============================================================================

// Error types recorded on the error side.
const (
	ErrRequiredMissing = "REQUIRED_MISSING"
	ErrInvalidDate     = "INVALID_DATE"
	ErrInvalidEnum     = "INVALID_ENUM"
	ErrInvalidPattern  = "INVALID_PATTERN"
	ErrDupInFile       = "DUP_IN_FILE"
	ErrDupInDB         = "DUP_IN_DB"
	ErrRefNotFound     = "REF_NOT_FOUND"
	ErrBusinessRule    = "BUSINESS_RULE"
	ErrFieldValidation = "FIELD_VALIDATION"
)

// slowRuleThreshold triggers a log line naming the rule and row.
const slowRuleThreshold = 100 * time.Millisecond

// Violation is one rule failure on one row.
type Violation struct {
	RuleID    string
	ErrorType string
	Field     string
	Value     string
	Message   string
}

// Result pairs a record with its collected violations (nil means valid).
type Result struct {
	Record     mapping.Record
	Violations []Violation
}

// Lookup answers grouped existence queries against master and staging
// relations. Implemented by the staging store.
type Lookup interface {
	// ExistingKeys reports which values exist in table.column.
	ExistingKeys(ctx context.Context, table, column string, values []string) (map[string]bool, error)
	// ExistingKeysOtherJobs is the same but ignores rows belonging to the
	// given job, for duplicate checks against prior jobs' staging.
	ExistingKeysOtherJobs(ctx context.Context, table, column string, values []string, jobID string) (map[string]bool, error)
}

// Rule validates one record within a shared per-job context.
type Rule interface {
	ID() string
	Priority() int
	Validate(rec *mapping.Record, rctx *Context) []Violation
}

// batchPreparer is implemented by rules that need one grouped lookup per
// batch before row-by-row validation.
type batchPreparer interface {
	prepare(ctx context.Context, rctx *Context, recs []mapping.Record) error
}

// Context carries shared per-job state across batches: the seen-sets for
// in-file duplicate detection and the per-batch grouped lookup results.
type Context struct {
	JobID     string
	SheetType config.SheetType
	Lookup    Lookup

	seen    map[string]map[string]int  // ruleID -> key -> first row number
	dbFound map[string]map[string]bool // ruleID -> value -> exists
}

// NewContext creates the shared validation context for one (job, sheet) run.
func NewContext(jobID string, st config.SheetType, lookup Lookup) *Context {
	return &Context{
		JobID:     jobID,
		SheetType: st,
		Lookup:    lookup,
		seen:      make(map[string]map[string]int),
		dbFound:   make(map[string]map[string]bool),
	}
}

func (c *Context) seenSet(ruleID string) map[string]int {
	s, ok := c.seen[ruleID]
	if !ok {
		s = make(map[string]int)
		c.seen[ruleID] = s
	}
	return s
}

// Engine holds the ordered rule list for one sheet type.
type Engine struct {
	rules []Rule
}

// NewEngine builds the engine for a sheet type from its declared rule ids.
func NewEngine(cfg *config.Config, st config.SheetType, business *BusinessRegistry) (*Engine, error) {
	var list []Rule
	for _, id := range st.RuleIDs {
		rc, ok := cfg.RuleByID(id)
		if !ok {
			return nil, fmt.Errorf("sheet type %s references unknown rule %q", st.Name, id)
		}
		r, err := buildRule(rc, st, business)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", id, err)
		}
		list = append(list, r)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority() < list[j].Priority() })
	return &Engine{rules: list}, nil
}

// Rules returns the ordered rule list (for introspection and tests).
func (e *Engine) Rules() []Rule { return e.rules }

// ValidateBatch runs every rule over the batch and partitions it.
// The context must be reused across batches of the same job so in-file
// duplicate detection spans the whole sheet.
func (e *Engine) ValidateBatch(ctx context.Context, rctx *Context, recs []mapping.Record) ([]Result, error) {
	for _, r := range e.rules {
		if p, ok := r.(batchPreparer); ok {
			if err := p.prepare(ctx, rctx, recs); err != nil {
				return nil, fmt.Errorf("rule %s prepare: %w", r.ID(), err)
			}
		}
	}

	results := make([]Result, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		var violations []Violation
		for _, r := range e.rules {
			start := time.Now()
			violations = append(violations, r.Validate(rec, rctx)...)
			if d := time.Since(start); d > slowRuleThreshold {
				log.Printf("[Rules] Slow rule %s: %s on row %d", r.ID(), d, rec.RowNumber)
			}
		}
		results = append(results, Result{Record: *rec, Violations: violations})
	}
	return results, nil
}

// buildRule dispatches on the declared rule type.
func buildRule(rc config.RuleConfig, st config.SheetType, business *BusinessRegistry) (Rule, error) {
	switch rc.Type {
	case "required":
		if len(rc.Fields) == 0 {
			return nil, fmt.Errorf("required rule needs fields")
		}
		return &requiredRule{base: base(rc), fields: rc.Fields}, nil
	case "datatype":
		if rc.Field == "" {
			return nil, fmt.Errorf("datatype rule needs a field")
		}
		return &datatypeRule{base: base(rc), field: rc.Field, datatype: rc.DataType}, nil
	case "pattern":
		return newPatternRule(rc)
	case "enum":
		if rc.Field == "" || len(rc.Allowed) == 0 {
			return nil, fmt.Errorf("enum rule needs a field and allowed values")
		}
		return newEnumRule(rc), nil
	case "unique_in_file":
		return &uniqueInFileRule{base: base(rc), fields: rc.Fields}, nil
	case "unique_in_db":
		return newUniqueInDBRule(rc, st), nil
	case "reference":
		if rc.Field == "" || rc.Table == "" {
			return nil, fmt.Errorf("reference rule needs field and table")
		}
		return &referenceRule{base: base(rc), field: rc.Field, table: rc.Table, column: defaultStr(rc.Column, rc.Field)}, nil
	case "business":
		fn, ok := business.Get(rc.Predicate)
		if !ok {
			return nil, fmt.Errorf("unknown business predicate %q", rc.Predicate)
		}
		return &businessRule{base: base(rc), fn: fn, message: rc.Message}, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", rc.Type)
	}
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
