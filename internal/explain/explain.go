// Package explain attaches human-readable risk and protective factors to
// scored rows using the phrase catalogue shipped in the model bundle.
package explain

import (
	"sort"

	"github.com/kiranshivaraju/churnguard/internal/model"
)

// MaxFactors caps each factor list.
const MaxFactors = 5

type rule struct {
	entry  model.CatalogueEntry
	column int
	order  int
}

// Emitter looks up catalogue phrases for prepared rows.
type Emitter struct {
	risk       []rule
	protective []rule
}

// New indexes the catalogue of b. Rules are kept sorted by magnitude, then
// catalogue order.
func New(b *model.Bundle) *Emitter {
	e := &Emitter{}
	for i, entry := range b.Metadata.Catalogue {
		r := rule{entry: entry, column: b.Index(entry.Feature), order: i}
		if entry.Direction == model.DirectionRisk {
			e.risk = append(e.risk, r)
		} else {
			e.protective = append(e.protective, r)
		}
	}
	byStrength := func(rules []rule) func(i, j int) bool {
		return func(i, j int) bool {
			ri, rj := rules[i].entry.Magnitude.Rank(), rules[j].entry.Magnitude.Rank()
			if ri != rj {
				return ri < rj
			}
			return rules[i].order < rules[j].order
		}
	}
	sort.SliceStable(e.risk, byStrength(e.risk))
	sort.SliceStable(e.protective, byStrength(e.protective))
	return e
}

// Explain returns the risk and protective factors for one prepared
// (unscaled) row. Both lists are non-nil and hold at most MaxFactors
// phrases each.
func (e *Emitter) Explain(row []float64) (risk, protective []string) {
	return match(e.risk, row), match(e.protective, row)
}

func match(rules []rule, row []float64) []string {
	out := make([]string, 0, MaxFactors)
	seen := make(map[string]bool, MaxFactors)
	for _, r := range rules {
		if len(out) == MaxFactors {
			break
		}
		if r.column < 0 || r.column >= len(row) || !r.entry.Matches(row[r.column]) {
			continue
		}
		if seen[r.entry.Phrase] {
			continue
		}
		seen[r.entry.Phrase] = true
		out = append(out, r.entry.Phrase)
	}
	return out
}
