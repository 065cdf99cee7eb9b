package mapping

import (
	"fmt"
	"strings"

	"github.com/ignite/workbook-migrator/internal/config"
)

// =============================================================================
// COLUMN MAPPER - Localized Headers to Canonical Columns
// =============================================================================
// A Mapper is built once per sheet type at configuration load and is
// read-only afterwards, so lookups during ingest need no locking. Binding to
// an actual header row happens per run, because column positions are owned
// by the uploaded workbook, not by configuration.
// =============================================================================

// Record is one mapped data row flowing through the pipeline.
// Values maps canonical column names to normalized string values; the empty
// string stands for null.
type Record struct {
	JobID       string
	SheetName   string
	RowNumber   int // 1-based within data rows
	BusinessKey string
	Values      map[string]string
}

// Get returns the value for a canonical column ("" when absent or null).
func (r *Record) Get(column string) string {
	return r.Values[column]
}

// TypeWarning marks a value that failed normalization and was passed
// through unchanged; the validation phase rejects it later.
type TypeWarning struct {
	Column string
	Value  string
	Kind   string
}

func (w TypeWarning) String() string {
	return fmt.Sprintf("column %s: %q is not a valid %s", w.Column, w.Value, w.Kind)
}

// Mapper holds the static mapping declaration for one sheet type.
type Mapper struct {
	sheetType string
	columns   []string          // canonical names in mapping order
	labels    map[string]string // localized header label -> canonical name
	kinds     map[string]string // canonical name -> normalization kind
	recipe    config.BusinessKeySpec
}

// NewMapper builds the mapper for one sheet type declaration.
func NewMapper(st config.SheetType) *Mapper {
	m := &Mapper{
		sheetType: st.Name,
		labels:    make(map[string]string, len(st.Mapping)),
		kinds:     make(map[string]string, len(st.Mapping)),
		recipe:    st.BusinessKey,
	}
	for _, cm := range st.Mapping {
		kind := cm.Kind
		if kind == "" {
			kind = "text"
		}
		m.columns = append(m.columns, cm.Column)
		m.labels[strings.TrimSpace(cm.Header)] = cm.Column
		m.kinds[cm.Column] = kind
	}
	return m
}

// Columns returns the canonical column names in mapping order.
func (m *Mapper) Columns() []string { return m.columns }

// Registry is the process-wide mapper table, built once at startup and
// safe for concurrent lock-free reads.
type Registry struct {
	mappers map[string]*Mapper
}

// NewRegistry builds mappers for every configured sheet type.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{mappers: make(map[string]*Mapper, len(cfg.SheetTypes))}
	for _, st := range cfg.SheetTypes {
		r.mappers[st.Name] = NewMapper(st)
	}
	return r
}

// Mapper returns the mapper for a sheet type name.
func (r *Registry) Mapper(sheetType string) (*Mapper, bool) {
	m, ok := r.mappers[sheetType]
	return m, ok
}

// BoundMapper is a Mapper bound to one workbook's actual header row.
type BoundMapper struct {
	*Mapper
	// index per canonical column; -1 when the header was absent
	position map[string]int
}

// Bind resolves declared header labels against the actual header row and
// returns the bound mapper plus the labels that were not found. Missing
// labels are not fatal: their columns simply map to null and the
// required-field rule rejects rows that needed them.
func (m *Mapper) Bind(headers []string) (*BoundMapper, []string) {
	byLabel := make(map[string]int, len(headers))
	for i, h := range headers {
		byLabel[strings.TrimSpace(h)] = i
	}

	bound := &BoundMapper{Mapper: m, position: make(map[string]int, len(m.columns))}
	var missing []string
	for label, col := range m.labels {
		if idx, ok := byLabel[label]; ok {
			bound.position[col] = idx
		} else {
			bound.position[col] = -1
			missing = append(missing, label)
		}
	}
	return bound, missing
}

// MapRow translates one raw cell row into canonical normalized values.
func (b *BoundMapper) MapRow(cells []string) (map[string]string, []TypeWarning) {
	values := make(map[string]string, len(b.columns))
	var warnings []TypeWarning
	for _, col := range b.columns {
		idx := b.position[col]
		raw := ""
		if idx >= 0 && idx < len(cells) {
			raw = cells[idx]
		}
		kind := b.kinds[col]
		v, ok := Normalize(kind, raw)
		if !ok {
			warnings = append(warnings, TypeWarning{Column: col, Value: raw, Kind: kind})
		}
		values[col] = v
	}
	return values, warnings
}

// BusinessKey assembles the deterministic per-row key from the sheet type's
// recipe. Missing components come out as empty strings; the separator is a
// single underscore and case is preserved.
func (m *Mapper) BusinessKey(values map[string]string) string {
	recipe := m.recipe.Default
	if m.recipe.Discriminator != "" {
		disc := values[m.recipe.Discriminator]
	variants:
		for _, v := range m.recipe.Variants {
			for _, w := range v.When {
				if w == disc {
					recipe = v
					break variants
				}
			}
		}
	}
	if len(recipe.Columns) == 0 {
		return ""
	}
	parts := make([]string, len(recipe.Columns))
	for i, col := range recipe.Columns {
		parts[i] = values[col]
	}
	return strings.Join(parts, "_")
}
