package mapper

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/kiranshivaraju/churnguard/internal/contract"
	"github.com/kiranshivaraju/churnguard/internal/table"
)

// conversion rescales a value as v*mul/div.
type conversion struct {
	mul, div float64
}

func (c conversion) identity() bool { return c.mul == c.div }

func (c conversion) apply(v float64) float64 { return v * c.mul / c.div }

var (
	noConversion  = conversion{1, 1}
	daysToMonths  = conversion{12, 365.25}
	yearsToMonths = conversion{12, 1}
	centsToUnits  = conversion{1, 100}
)

// conversionSampleRows is how many leading rows the unit heuristics inspect.
const conversionSampleRows = 1000

const (
	daysMedianThreshold  = 60
	yearsMedianThreshold = 4
	centsMedianThreshold = 1000
)

var (
	monthTokens = map[string]bool{"month": true, "months": true, "mo": true, "mos": true, "mth": true, "mths": true}
	dayTokens   = map[string]bool{"day": true, "days": true}
	yearTokens  = map[string]bool{"year": true, "years": true, "yr": true, "yrs": true}
	centTokens  = map[string]bool{"cent": true, "cents": true}
)

// detectConversion decides the unit conversion for a mapped source column.
// A unit named in the column header wins; otherwise the value distribution
// decides. The returned warning is empty when no conversion applies.
func detectConversion(f contract.Feature, sourceName string, values []string) (conversion, string) {
	switch f.Type {
	case contract.TypeDurationMonths:
		return detectDuration(f.Name, sourceName, values)
	case contract.TypeCurrencyPerMonth:
		return detectCents(f.Name, sourceName, values)
	}
	return noConversion, ""
}

func detectDuration(feature, sourceName string, values []string) (conversion, string) {
	hint := tokens(Normalize(sourceName))
	switch {
	case hasAny(hint, monthTokens):
		return noConversion, ""
	case hasAny(hint, dayTokens):
		return daysToMonths, fmt.Sprintf("%s: column %q is named in days; converted to months (x12/365.25)", feature, sourceName)
	case hasAny(hint, yearTokens):
		return yearsToMonths, fmt.Sprintf("%s: column %q is named in years; converted to months (x12)", feature, sourceName)
	}

	nums, integral := numericValues(values, contract.TypeDurationMonths)
	if len(nums) == 0 {
		return noConversion, ""
	}
	med := median(nums)
	switch {
	case med > daysMedianThreshold:
		return daysToMonths, fmt.Sprintf("%s: column %q looks like days (median %s); converted to months (x12/365.25)",
			feature, sourceName, formatNumber(med))
	case med < yearsMedianThreshold && integral:
		return yearsToMonths, fmt.Sprintf("%s: column %q looks like years (median %s); converted to months (x12)",
			feature, sourceName, formatNumber(med))
	}
	return noConversion, ""
}

func detectCents(feature, sourceName string, values []string) (conversion, string) {
	if hasAny(tokens(Normalize(sourceName)), centTokens) {
		return centsToUnits, fmt.Sprintf("%s: column %q is named in cents; converted to currency units (/100)", feature, sourceName)
	}

	nums, integral := numericValues(values, contract.TypeCurrencyPerMonth)
	if len(nums) == 0 || !integral {
		return noConversion, ""
	}
	if med := median(nums); med > centsMedianThreshold {
		return centsToUnits, fmt.Sprintf("%s: column %q looks like cents (integers, median %s); converted to currency units (/100)",
			feature, sourceName, formatNumber(med))
	}
	return noConversion, ""
}

// numericValues parses the non-null, numeric cells of a column and reports
// whether all of them are integral. Cells that fail to parse are skipped;
// the preparer reports them.
func numericValues(values []string, t contract.SemanticType) ([]float64, bool) {
	out := make([]float64, 0, len(values))
	integral := true
	for _, v := range values {
		f, ok, err := contract.ParseNumber(v, t)
		if err != nil || !ok {
			continue
		}
		if f != math.Trunc(f) {
			integral = false
		}
		out = append(out, f)
	}
	return out, integral
}

func sampleColumn(rows [][]string, pos int) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row[pos]
	}
	return out
}

func median(vals []float64) float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func hasAny(toks []string, set map[string]bool) bool {
	for _, t := range toks {
		if set[t] {
			return true
		}
	}
	return false
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Result is a successful mapping: the report plus the rename/reshape that
// turns a raw table into contract columns.
type Result struct {
	Report *Report

	contract    *contract.Contract
	sources     []int // raw column per feature, -1 when absent
	sourceNames []string
	conversions []conversion
}

// Mapped is a table reshaped to the contract's raw (pre-expansion) columns.
type Mapped struct {
	Contract *contract.Contract
	// Columns holds one column per contract feature, nil when the input had no source.
	Columns [][]string
	// Sources names the raw column each feature came from.
	Sources []string
	Rows    int
}

// Column returns the values for the named feature, or nil.
func (m *Mapped) Column(name string) []string {
	i := m.Contract.Index(name)
	if i < 0 {
		return nil
	}
	return m.Columns[i]
}

// Apply reshapes t, which must have the header the Result was built from.
// Converted numeric cells are rewritten in shortest round-trip form; null
// and non-numeric cells pass through untouched.
func (r *Result) Apply(t *table.Table) *Mapped {
	out := &Mapped{
		Contract: r.contract,
		Columns:  make([][]string, len(r.contract.Features)),
		Sources:  append([]string(nil), r.sourceNames...),
		Rows:     len(t.Rows),
	}
	for i, f := range r.contract.Features {
		pos := r.sources[i]
		if pos < 0 {
			continue
		}
		col := t.Column(pos)
		if conv := r.conversions[i]; !conv.identity() {
			for k, v := range col {
				num, ok, err := contract.ParseNumber(v, f.Type)
				if err != nil || !ok {
					continue
				}
				col[k] = formatNumber(conv.apply(num))
			}
		}
		out.Columns[i] = col
	}
	return out
}
