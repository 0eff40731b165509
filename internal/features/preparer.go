// Package features turns a mapped table into the dense matrix a model bundle
// scores, column-aligned to the bundle's expected features.
package features

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/churnguard/internal/contract"
	"github.com/kiranshivaraju/churnguard/internal/mapper"
	"github.com/kiranshivaraju/churnguard/internal/model"
)

// ErrInvariant is returned when the mapped input breaks a guarantee the
// mapper is supposed to provide.
var ErrInvariant = errors.New("internal invariant violated")

// maxReportedProblems caps the cell errors kept on a PreparationError.
const maxReportedProblems = 10

// CellError is one value that could not be cleaned.
type CellError struct {
	Row     int // 1-based data row
	Feature string
	Value   string
}

// PreparationError aggregates every uncoercible cell of a batch and every
// required feature whose column holds no values at all.
type PreparationError struct {
	Problems      []CellError // first maxReportedProblems
	Total         int
	EmptyRequired []string
}

func (e *PreparationError) Error() string {
	var parts []string
	if len(e.EmptyRequired) > 0 {
		parts = append(parts, "required column(s) have no values: "+strings.Join(e.EmptyRequired, ", "))
	}
	if len(e.Problems) > 0 {
		first := e.Problems[0]
		parts = append(parts, fmt.Sprintf("%d value(s) could not be converted to numbers; first at row %d, %s: %q",
			e.Total, first.Row, first.Feature, first.Value))
	}
	if len(parts) == 0 {
		return "feature preparation failed"
	}
	return strings.Join(parts, "; ")
}

func (e *PreparationError) failed() bool {
	return e.Total > 0 || len(e.EmptyRequired) > 0
}

// Matrix is the prepared model input. Columns equals the bundle's
// expected features, in order.
type Matrix struct {
	Columns     []string
	Rows        [][]float64
	CustomerIDs []string
}

// Result is a prepared matrix plus the cleaning warnings.
type Result struct {
	Matrix   *Matrix
	Warnings []string
}

type slot struct {
	feature contract.Feature
	column  int     // numeric output column, -1 when unused
	median  float64 // numeric default
	// indicators maps a category to its one-hot output column.
	indicators map[string]int
}

func (s slot) used() bool {
	return s.column >= 0 || len(s.indicators) > 0
}

// Preparer prepares batches for one contract and one bundle.
type Preparer struct {
	contract *contract.Contract
	bundle   *model.Bundle
	slots    []slot
}

// New checks that every expected feature of b can be derived from c and
// precomputes the column layout. Incompatibilities wrap model.ErrLoad.
func New(c *contract.Contract, b *model.Bundle) (*Preparer, error) {
	p := &Preparer{contract: c, bundle: b}
	covered := make([]bool, len(b.ExpectedFeatures))

	for _, f := range c.Features {
		if f.Type == contract.TypeIdentifier {
			continue
		}
		s := slot{feature: f, column: -1}
		if f.Type.Numeric() {
			if i := b.Index(f.Name); i >= 0 {
				med, ok := b.Metadata.Medians[f.Name]
				if !ok {
					return nil, fmt.Errorf("%w: no training median for %q", model.ErrLoad, f.Name)
				}
				s.column, s.median = i, med
				covered[i] = true
			}
		} else {
			s.indicators = make(map[string]int)
			cats := append(append([]string(nil), b.Metadata.Categories[f.Name]...), contract.OtherCategory)
			for _, cat := range cats {
				if i := b.Index(IndicatorName(f.Name, cat)); i >= 0 {
					s.indicators[cat] = i
					covered[i] = true
				}
			}
		}
		p.slots = append(p.slots, s)
	}

	for i, ok := range covered {
		if !ok {
			return nil, fmt.Errorf("%w: expected feature %q is not derivable from contract %s",
				model.ErrLoad, b.ExpectedFeatures[i], c.Version)
		}
	}
	for name := range b.Metadata.Categories {
		if f, ok := c.Feature(name); !ok || f.Type != contract.TypeCategorical {
			return nil, fmt.Errorf("%w: category list for %q, which is not a categorical contract feature",
				model.ErrLoad, name)
		}
	}
	return p, nil
}

// IndicatorName is the one-hot column name for a category.
func IndicatorName(feature, category string) string {
	return feature + "_" + category
}

// Prepare cleans m and lays it out as the bundle expects. Uncoercible
// numeric cells are collected into a single *PreparationError.
func (p *Preparer) Prepare(m *mapper.Mapped) (*Result, error) {
	if m.Contract != p.contract {
		return nil, fmt.Errorf("%w: mapped table uses contract %s", ErrInvariant, m.Contract.Version)
	}
	idName := p.contract.Identifier().Name
	ids := m.Column(idName)
	if ids == nil {
		return nil, fmt.Errorf("%w: identifier %q has no source column", ErrInvariant, idName)
	}
	if len(ids) != m.Rows {
		return nil, fmt.Errorf("%w: identifier column has %d values for %d rows", ErrInvariant, len(ids), m.Rows)
	}

	width := len(p.bundle.ExpectedFeatures)
	out := &Matrix{
		Columns:     append([]string(nil), p.bundle.ExpectedFeatures...),
		Rows:        make([][]float64, m.Rows),
		CustomerIDs: make([]string, m.Rows),
	}
	for r := range out.Rows {
		out.Rows[r] = make([]float64, width)
	}

	var warnings []string
	blankIDs := 0
	for r, id := range ids {
		out.CustomerIDs[r] = strings.TrimSpace(id)
		if out.CustomerIDs[r] == "" {
			blankIDs++
		}
	}
	if blankIDs > 0 {
		warnings = append(warnings, fmt.Sprintf("%s: %d row(s) have a blank customer id", idName, blankIDs))
	}

	perr := &PreparationError{}
	for _, s := range p.slots {
		col := m.Column(s.feature.Name)
		if col == nil {
			if s.feature.Required {
				return nil, fmt.Errorf("%w: required feature %q has no source column", ErrInvariant, s.feature.Name)
			}
			if s.used() {
				fillDefault(out.Rows, s)
				warnings = append(warnings, fmt.Sprintf("%s: not present in input; filled with %s",
					s.feature.Name, defaultLabel(s)))
			}
			continue
		}
		if len(col) != m.Rows {
			return nil, fmt.Errorf("%w: column %q has %d values for %d rows", ErrInvariant, s.feature.Name, len(col), m.Rows)
		}
		if !s.used() && !s.feature.Required {
			continue
		}

		var nulls int
		if s.feature.Type.Numeric() {
			nulls = prepareNumeric(out.Rows, s, col, perr)
		} else {
			nulls = prepareCategorical(out.Rows, s, col)
		}

		switch {
		case nulls == 0:
		case nulls == len(col) && s.feature.Required:
			perr.EmptyRequired = append(perr.EmptyRequired, s.feature.Name)
		case nulls == len(col):
			warnings = append(warnings, fmt.Sprintf("%s: all values are empty; filled with %s",
				s.feature.Name, defaultLabel(s)))
		default:
			warnings = append(warnings, fmt.Sprintf("%s: %d empty value(s) filled with %s",
				s.feature.Name, nulls, defaultLabel(s)))
		}
	}

	if perr.failed() {
		return nil, perr
	}
	return &Result{Matrix: out, Warnings: warnings}, nil
}

func prepareNumeric(rows [][]float64, s slot, col []string, perr *PreparationError) int {
	nulls := 0
	for r, cell := range col {
		v, ok, err := contract.ParseNumber(cell, s.feature.Type)
		if err != nil {
			perr.Total++
			if len(perr.Problems) < maxReportedProblems {
				perr.Problems = append(perr.Problems, CellError{Row: r + 1, Feature: s.feature.Name, Value: cell})
			}
			continue
		}
		if !ok {
			v = s.median
			nulls++
		}
		if s.column >= 0 {
			rows[r][s.column] = v
		}
	}
	return nulls
}

func prepareCategorical(rows [][]float64, s slot, col []string) int {
	nulls := 0
	for r, cell := range col {
		cat := contract.OtherCategory
		if contract.IsNull(cell) {
			nulls++
		} else {
			cat = s.feature.CanonicalCategory(cell)
		}
		if i, ok := s.indicators[cat]; ok {
			rows[r][i] = 1
		}
	}
	return nulls
}

func fillDefault(rows [][]float64, s slot) {
	for r := range rows {
		if s.column >= 0 {
			rows[r][s.column] = s.median
		}
		if i, ok := s.indicators[contract.OtherCategory]; ok {
			rows[r][i] = 1
		}
	}
}

func defaultLabel(s slot) string {
	if s.feature.Type.Numeric() {
		return "training median " + strconv.FormatFloat(s.median, 'g', -1, 64)
	}
	return contract.OtherCategory
}
