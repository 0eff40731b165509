// Package mapper resolves an arbitrary raw CSV schema to the feature contract.
//
// Each raw column is tried against a fixed ladder of strategies (exact name,
// normalised name, curated alias, token overlap, edit distance) and takes the
// first match that clears the strategy's confidence floor. Competing columns
// for the same feature are then resolved by confidence.
package mapper

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kiranshivaraju/churnguard/internal/contract"
	"github.com/kiranshivaraju/churnguard/internal/table"
)

// Confidence scores and floors per strategy.
const (
	confidenceExact = 100
	confidenceAlias = 95

	partialBase  = 50
	partialSpan  = 40
	partialFloor = 70
	fuzzyFloor   = 75

	maxSuggestions = 3
)

// Mapper matches raw schemas against one contract.
type Mapper struct {
	contract   *contract.Contract
	aliases    map[contract.Industry]aliasTable
	candidates map[contract.Industry][]candidate
	normalized map[string]string // normalised feature name -> feature
	maxColumns int
}

// Option customises a Mapper.
type Option func(*Mapper)

// WithMaxColumns overrides DefaultMaxColumns.
func WithMaxColumns(n int) Option {
	return func(m *Mapper) { m.maxColumns = n }
}

// New builds a Mapper for c using the embedded alias catalogue.
func New(c *contract.Contract, opts ...Option) (*Mapper, error) {
	aliases, err := loadAliases(aliasesYAML, c)
	if err != nil {
		return nil, err
	}

	m := &Mapper{
		contract:   c,
		aliases:    aliases,
		candidates: make(map[contract.Industry][]candidate, len(aliases)),
		normalized: make(map[string]string, len(c.Features)),
		maxColumns: DefaultMaxColumns,
	}
	for industry, tbl := range aliases {
		m.candidates[industry] = candidates(c, tbl)
	}
	for _, f := range c.Features {
		m.normalized[Normalize(f.Name)] = f.Name
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AliasCount returns the number of aliases known for an industry.
func (m *Mapper) AliasCount(industry contract.Industry) int {
	return len(m.aliases[industry])
}

// Map resolves t's header against the contract. Pass contract.IndustryUnknown
// to detect the industry. When a REQUIRED feature has no source column the
// error is a *MissingColumnsError carrying the full report.
func (m *Mapper) Map(t *table.Table, industry contract.Industry) (*Result, error) {
	names, sanitizeWarnings, err := sanitize(t.Header, m.maxColumns)
	if err != nil {
		return nil, err
	}

	var report *Report
	var winners map[string]int
	if industry == contract.IndustryUnknown {
		report, winners = m.detect(names)
	} else {
		report, winners = m.resolve(names, industry)
	}
	report.Warnings = append(append([]string{}, sanitizeWarnings...), report.Warnings...)

	if len(report.MissingRequired) > 0 {
		m.suggest(report, names)
		return nil, &MissingColumnsError{Report: report}
	}

	sample := t.Sample(conversionSampleRows)
	res := &Result{
		Report:      report,
		contract:    m.contract,
		sources:     make([]int, len(m.contract.Features)),
		sourceNames: make([]string, len(m.contract.Features)),
		conversions: make([]conversion, len(m.contract.Features)),
	}
	for i, f := range m.contract.Features {
		res.sources[i] = -1
		res.conversions[i] = noConversion
		pos, ok := winners[f.Name]
		if !ok {
			continue
		}
		res.sources[i] = pos
		res.sourceNames[i] = names[pos]
		conv, warning := detectConversion(f, names[pos], sampleColumn(sample, pos))
		res.conversions[i] = conv
		if warning != "" {
			report.Warnings = append(report.Warnings, warning)
		}
	}
	return res, nil
}

type match struct {
	feature    string
	strategy   Strategy
	confidence float64
}

// matchColumn walks the strategy ladder for one raw name.
func (m *Mapper) matchColumn(name string, industry contract.Industry) match {
	if _, ok := m.contract.Feature(name); ok {
		return match{feature: name, strategy: StrategyExact, confidence: confidenceExact}
	}

	n := Normalize(name)
	if n == "" {
		return match{}
	}
	if f, ok := m.normalized[n]; ok {
		return match{feature: f, strategy: StrategyNormalized, confidence: confidenceExact}
	}
	if f, ok := m.aliases[industry][n]; ok {
		return match{feature: f, strategy: StrategyAlias, confidence: confidenceAlias}
	}

	cands := m.candidates[industry]

	// Token overlap only means something with at least two tokens per side;
	// a single shared token like "id" is not evidence.
	if rt := tokens(n); len(rt) >= 2 {
		best := match{}
		for _, c := range cands {
			if len(c.tokens) < 2 {
				continue
			}
			conf := round2(partialBase + partialSpan*jaccard(rt, c.tokens))
			if conf > best.confidence {
				best = match{feature: c.feature, strategy: StrategyPartial, confidence: conf}
			}
		}
		if best.confidence >= partialFloor {
			return best
		}
	}

	best := match{}
	for _, c := range cands {
		conf := round2(100 * levenshteinRatio(n, c.name))
		if conf > best.confidence {
			best = match{feature: c.feature, strategy: StrategyFuzzy, confidence: conf}
		}
	}
	if best.confidence >= fuzzyFloor {
		return best
	}
	return match{}
}

// resolve matches every raw name and settles competing claims on a feature.
// It returns the report and the winning raw position per feature.
func (m *Mapper) resolve(names []string, industry contract.Industry) (*Report, map[string]int) {
	report := &Report{
		Industry:        industry.String(),
		Entries:         make([]Entry, len(names)),
		MissingRequired: []string{},
		UnmappedRaw:     []string{},
		Warnings:        []string{},
	}

	matches := make([]match, len(names))
	claims := make(map[string][]int)
	for i, name := range names {
		matches[i] = m.matchColumn(name, industry)
		report.Entries[i] = Entry{Position: i, RawName: name}
		if matches[i].feature != "" {
			claims[matches[i].feature] = append(claims[matches[i].feature], i)
		}
	}

	winners := make(map[string]int)
	for _, f := range m.contract.Features {
		idxs := claims[f.Name]
		if len(idxs) == 0 {
			continue
		}
		sort.SliceStable(idxs, func(a, b int) bool {
			ma, mb := matches[idxs[a]], matches[idxs[b]]
			if ma.confidence != mb.confidence {
				return ma.confidence > mb.confidence
			}
			return ma.strategy < mb.strategy
		})

		top := matches[idxs[0]]
		tied := 1
		for tied < len(idxs) {
			next := matches[idxs[tied]]
			if next.confidence != top.confidence || next.strategy != top.strategy {
				break
			}
			tied++
		}

		if tied > 1 {
			quoted := make([]string, tied)
			for k := 0; k < tied; k++ {
				quoted[k] = fmt.Sprintf("%q", names[idxs[k]])
			}
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"columns %s match feature %q equally (%s, %.2f); none used",
				strings.Join(quoted, ", "), f.Name, top.strategy, top.confidence))
		} else {
			winners[f.Name] = idxs[0]
			report.Entries[idxs[0]].Target = f.Name
			report.Entries[idxs[0]].Strategy = top.strategy
			report.Entries[idxs[0]].Confidence = top.confidence
		}
		for _, i := range idxs[tied:] {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"column %q also matches feature %q with lower confidence (%s, %.2f); ignored",
				names[i], f.Name, matches[i].strategy, matches[i].confidence))
		}
	}

	var sum float64
	for _, e := range report.Entries {
		if e.Target == "" {
			report.UnmappedRaw = append(report.UnmappedRaw, e.RawName)
			continue
		}
		sum += e.Confidence
	}
	if len(winners) > 0 {
		report.OverallConfidence = round2(sum / float64(len(winners)))
	}

	for _, f := range m.contract.Required() {
		if _, ok := winners[f.Name]; !ok {
			report.MissingRequired = append(report.MissingRequired, f.Name)
		}
	}
	return report, winners
}

// detect resolves against every industry and keeps the one with the higher
// mean confidence over REQUIRED features. Ties go to saas.
func (m *Mapper) detect(names []string) (*Report, map[string]int) {
	var (
		bestReport  *Report
		bestWinners map[string]int
		bestScore   = -1.0
	)
	for _, industry := range []contract.Industry{contract.IndustrySaaS, contract.IndustryTelecom} {
		report, winners := m.resolve(names, industry)
		score := m.requiredScore(report)
		if score > bestScore {
			bestReport, bestWinners, bestScore = report, winners, score
		}
	}
	bestReport.IndustryDetected = true
	return bestReport, bestWinners
}

func (m *Mapper) requiredScore(r *Report) float64 {
	required := m.contract.Required()
	if len(required) == 0 {
		return 0
	}
	var sum float64
	for _, f := range required {
		if e, ok := r.EntryFor(f.Name); ok {
			sum += e.Confidence
		}
	}
	return sum / float64(len(required))
}

// suggest ranks every raw column against each missing REQUIRED feature by
// edit-distance similarity and records the top three.
func (m *Mapper) suggest(r *Report, names []string) {
	industry, err := contract.ParseIndustry(r.Industry)
	if err != nil {
		return
	}
	r.Suggestions = make(map[string][]string, len(r.MissingRequired))

	type scored struct {
		name  string
		pos   int
		score float64
	}
	for _, feature := range r.MissingRequired {
		ranked := make([]scored, 0, len(names))
		for pos, name := range names {
			n := Normalize(name)
			var best float64
			for _, c := range m.candidates[industry] {
				if c.feature != feature {
					continue
				}
				best = math.Max(best, levenshteinRatio(n, c.name))
			}
			ranked = append(ranked, scored{name: name, pos: pos, score: best})
		}
		sort.SliceStable(ranked, func(a, b int) bool {
			if ranked[a].score != ranked[b].score {
				return ranked[a].score > ranked[b].score
			}
			return ranked[a].pos < ranked[b].pos
		})

		top := make([]string, 0, maxSuggestions)
		for k := 0; k < len(ranked) && k < maxSuggestions; k++ {
			top = append(top, ranked[k].name)
		}
		r.Suggestions[feature] = top

		msg := fmt.Sprintf("required feature %q not found", feature)
		if len(top) > 0 {
			quoted := make([]string, len(top))
			for k, s := range top {
				quoted[k] = fmt.Sprintf("%q", s)
			}
			msg += "; closest columns: " + strings.Join(quoted, ", ")
		}
		r.Warnings = append(r.Warnings, msg)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
