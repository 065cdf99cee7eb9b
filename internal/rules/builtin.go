package rules

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/mapping"
)

// baseRule carries the shared id/priority plumbing.
type baseRule struct {
	id       string
	priority int
}

func base(rc config.RuleConfig) baseRule {
	return baseRule{id: rc.ID, priority: rc.Priority}
}

func (b baseRule) ID() string    { return b.id }
func (b baseRule) Priority() int { return b.priority }

// -----------------------------------------------------------------------------
// required
// -----------------------------------------------------------------------------

type requiredRule struct {
	base  baseRule
	fields []string
}

func (r *requiredRule) ID() string    { return r.base.id }
func (r *requiredRule) Priority() int { return r.base.priority }

func (r *requiredRule) Validate(rec *mapping.Record, _ *Context) []Violation {
	var out []Violation
	for _, f := range r.fields {
		if rec.Get(f) == "" {
			out = append(out, Violation{
				RuleID:    r.base.id,
				ErrorType: ErrRequiredMissing,
				Field:     f,
				Message:   fmt.Sprintf("%s is required", f),
			})
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// datatype
// -----------------------------------------------------------------------------

type datatypeRule struct {
	base     baseRule
	field    string
	datatype string // date | month | number | text
}

func (r *datatypeRule) ID() string    { return r.base.id }
func (r *datatypeRule) Priority() int { return r.base.priority }

func (r *datatypeRule) Validate(rec *mapping.Record, _ *Context) []Violation {
	v := rec.Get(r.field)
	if v == "" {
		return nil // emptiness is the required rule's concern
	}
	var (
		ok      bool
		errType string
	)
	switch r.datatype {
	case "date":
		_, err := time.Parse("2006-01-02", v)
		ok, errType = err == nil, ErrInvalidDate
	case "month":
		_, err := time.Parse("2006-01", v)
		ok, errType = err == nil, ErrInvalidDate
	case "number":
		_, err := strconv.ParseFloat(v, 64)
		ok, errType = err == nil, ErrFieldValidation
	default:
		return nil
	}
	if ok {
		return nil
	}
	return []Violation{{
		RuleID:    r.base.id,
		ErrorType: errType,
		Field:     r.field,
		Value:     v,
		Message:   fmt.Sprintf("%s: %q is not a valid %s", r.field, v, r.datatype),
	}}
}

// -----------------------------------------------------------------------------
// pattern
// -----------------------------------------------------------------------------

type patternRule struct {
	base  baseRule
	field string
	re    *regexp.Regexp
}

func newPatternRule(rc config.RuleConfig) (*patternRule, error) {
	if rc.Field == "" || rc.Pattern == "" {
		return nil, fmt.Errorf("pattern rule needs field and pattern")
	}
	re, err := regexp.Compile(rc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", rc.Pattern, err)
	}
	return &patternRule{base: base(rc), field: rc.Field, re: re}, nil
}

func (r *patternRule) ID() string    { return r.base.id }
func (r *patternRule) Priority() int { return r.base.priority }

func (r *patternRule) Validate(rec *mapping.Record, _ *Context) []Violation {
	v := rec.Get(r.field)
	if v == "" || r.re.MatchString(v) {
		return nil
	}
	return []Violation{{
		RuleID:    r.base.id,
		ErrorType: ErrInvalidPattern,
		Field:     r.field,
		Value:     v,
		Message:   fmt.Sprintf("%s: %q does not match %s", r.field, v, r.re.String()),
	}}
}

// -----------------------------------------------------------------------------
// enum
// -----------------------------------------------------------------------------

type enumRule struct {
	base    baseRule
	field   string
	allowed map[string]bool
	listing string
}

func newEnumRule(rc config.RuleConfig) *enumRule {
	allowed := make(map[string]bool, len(rc.Allowed))
	for _, a := range rc.Allowed {
		allowed[a] = true
	}
	return &enumRule{
		base:    base(rc),
		field:   rc.Field,
		allowed: allowed,
		listing: strings.Join(rc.Allowed, ", "),
	}
}

func (r *enumRule) ID() string    { return r.base.id }
func (r *enumRule) Priority() int { return r.base.priority }

func (r *enumRule) Validate(rec *mapping.Record, _ *Context) []Violation {
	v := rec.Get(r.field)
	if v == "" || r.allowed[v] {
		return nil
	}
	return []Violation{{
		RuleID:    r.base.id,
		ErrorType: ErrInvalidEnum,
		Field:     r.field,
		Value:     v,
		Message:   fmt.Sprintf("%s: %q is not allowed (allowed: %s)", r.field, v, r.listing),
	}}
}

// -----------------------------------------------------------------------------
// unique in file
// -----------------------------------------------------------------------------

// uniqueInFileRule flags rows repeating a key already seen in this job's
// sheet. With no explicit fields the business key is the duplicate key.
// The seen-set lives in the shared Context and spans batches.
type uniqueInFileRule struct {
	base   baseRule
	fields []string
}

func (r *uniqueInFileRule) ID() string    { return r.base.id }
func (r *uniqueInFileRule) Priority() int { return r.base.priority }

func (r *uniqueInFileRule) key(rec *mapping.Record) string {
	if len(r.fields) == 0 {
		return rec.BusinessKey
	}
	parts := make([]string, len(r.fields))
	for i, f := range r.fields {
		parts[i] = rec.Get(f)
	}
	return strings.Join(parts, "\x1f")
}

func (r *uniqueInFileRule) Validate(rec *mapping.Record, rctx *Context) []Violation {
	key := r.key(rec)
	if key == "" {
		return nil
	}
	seen := rctx.seenSet(r.base.id)
	if first, dup := seen[key]; dup {
		return []Violation{{
			RuleID:    r.base.id,
			ErrorType: ErrDupInFile,
			Field:     strings.Join(r.fields, ","),
			Value:     key,
			Message:   fmt.Sprintf("duplicate of row %d in this file", first),
		}}
	}
	seen[key] = rec.RowNumber
	return nil
}

// -----------------------------------------------------------------------------
// unique in db
// -----------------------------------------------------------------------------

// uniqueInDBRule checks business keys against either the master table or
// prior jobs' valid staging, selected by configuration.
type uniqueInDBRule struct {
	base     baseRule
	table    string
	column   string
	useValid bool // true: compare against valid staging, excluding this job
}

func newUniqueInDBRule(rc config.RuleConfig, st config.SheetType) *uniqueInDBRule {
	r := &uniqueInDBRule{base: base(rc), column: defaultStr(rc.Column, "business_key")}
	if rc.Source == "valid" {
		r.table = st.ValidTable
		r.useValid = true
	} else {
		r.table = defaultStr(rc.Table, st.MasterTable)
	}
	return r
}

func (r *uniqueInDBRule) ID() string    { return r.base.id }
func (r *uniqueInDBRule) Priority() int { return r.base.priority }

func (r *uniqueInDBRule) prepare(ctx context.Context, rctx *Context, recs []mapping.Record) error {
	keys := make([]string, 0, len(recs))
	for i := range recs {
		if k := recs[i].BusinessKey; k != "" {
			keys = append(keys, k)
		}
	}
	var (
		found map[string]bool
		err   error
	)
	if r.useValid {
		found, err = rctx.Lookup.ExistingKeysOtherJobs(ctx, r.table, r.column, keys, rctx.JobID)
	} else {
		found, err = rctx.Lookup.ExistingKeys(ctx, r.table, r.column, keys)
	}
	if err != nil {
		return err
	}
	rctx.dbFound[r.base.id] = found
	return nil
}

func (r *uniqueInDBRule) Validate(rec *mapping.Record, rctx *Context) []Violation {
	key := rec.BusinessKey
	if key == "" || !rctx.dbFound[r.base.id][key] {
		return nil
	}
	return []Violation{{
		RuleID:    r.base.id,
		ErrorType: ErrDupInDB,
		Field:     r.column,
		Value:     key,
		Message:   fmt.Sprintf("business key %q already exists in %s", key, r.table),
	}}
}

// -----------------------------------------------------------------------------
// reference exists
// -----------------------------------------------------------------------------

type referenceRule struct {
	base   baseRule
	field  string
	table  string
	column string
}

func (r *referenceRule) ID() string    { return r.base.id }
func (r *referenceRule) Priority() int { return r.base.priority }

func (r *referenceRule) prepare(ctx context.Context, rctx *Context, recs []mapping.Record) error {
	uniq := make(map[string]bool)
	for i := range recs {
		if v := recs[i].Get(r.field); v != "" {
			uniq[v] = true
		}
	}
	values := make([]string, 0, len(uniq))
	for v := range uniq {
		values = append(values, v)
	}
	found, err := rctx.Lookup.ExistingKeys(ctx, r.table, r.column, values)
	if err != nil {
		return err
	}
	rctx.dbFound[r.base.id] = found
	return nil
}

func (r *referenceRule) Validate(rec *mapping.Record, rctx *Context) []Violation {
	v := rec.Get(r.field)
	if v == "" || rctx.dbFound[r.base.id][v] {
		return nil
	}
	return []Violation{{
		RuleID:    r.base.id,
		ErrorType: ErrRefNotFound,
		Field:     r.field,
		Value:     v,
		Message:   fmt.Sprintf("%s: %q not found in %s", r.field, v, r.table),
	}}
}

// -----------------------------------------------------------------------------
// business logic
// -----------------------------------------------------------------------------

// BusinessFunc is an arbitrary predicate over one record. Returning ok=false
// fails the row; msg overrides the rule's configured message when non-empty.
type BusinessFunc func(rec *mapping.Record) (ok bool, msg string)

// BusinessRegistry maps predicate names to functions. Populate at startup,
// before any validation runs.
type BusinessRegistry struct {
	fns map[string]BusinessFunc
}

// NewBusinessRegistry creates an empty registry.
func NewBusinessRegistry() *BusinessRegistry {
	return &BusinessRegistry{fns: make(map[string]BusinessFunc)}
}

// Register adds a predicate under a name.
func (br *BusinessRegistry) Register(name string, fn BusinessFunc) {
	br.fns[name] = fn
}

// Get looks up a predicate.
func (br *BusinessRegistry) Get(name string) (BusinessFunc, bool) {
	fn, ok := br.fns[name]
	return fn, ok
}

type businessRule struct {
	base    baseRule
	fn      BusinessFunc
	message string
}

func (r *businessRule) ID() string    { return r.base.id }
func (r *businessRule) Priority() int { return r.base.priority }

func (r *businessRule) Validate(rec *mapping.Record, _ *Context) []Violation {
	ok, msg := r.fn(rec)
	if ok {
		return nil
	}
	if msg == "" {
		msg = r.message
	}
	if msg == "" {
		msg = fmt.Sprintf("business rule %s failed", r.base.id)
	}
	return []Violation{{
		RuleID:    r.base.id,
		ErrorType: ErrBusinessRule,
		Message:   msg,
	}}
}
