package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Strategy is how a raw column was matched to a feature.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyExact
	StrategyNormalized
	StrategyAlias
	StrategyPartial
	StrategyFuzzy
)

func (s Strategy) String() string {
	switch s {
	case StrategyExact:
		return "exact"
	case StrategyNormalized:
		return "normalized"
	case StrategyAlias:
		return "alias"
	case StrategyPartial:
		return "partial"
	case StrategyFuzzy:
		return "fuzzy"
	}
	return "none"
}

func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Entry records the resolution of one raw column. Target is empty when the
// column is unmapped.
type Entry struct {
	Position   int      `json:"position"`
	RawName    string   `json:"raw_name"`
	Target     string   `json:"target,omitempty"`
	Strategy   Strategy `json:"strategy"`
	Confidence float64  `json:"confidence"`
}

// Report describes how a raw schema was resolved against the contract.
type Report struct {
	Industry          string              `json:"industry"`
	IndustryDetected  bool                `json:"industry_detected"`
	Entries           []Entry             `json:"entries"`
	OverallConfidence float64             `json:"overall_confidence"`
	MissingRequired   []string            `json:"missing_required"`
	UnmappedRaw       []string            `json:"unmapped_raw"`
	Suggestions       map[string][]string `json:"suggestions,omitempty"`
	Warnings          []string            `json:"warnings"`
}

// Strategies returns the distinct strategies used by mapped entries, in strategy order.
func (r *Report) Strategies() []Strategy {
	seen := make(map[Strategy]bool)
	for _, e := range r.Entries {
		if e.Target != "" {
			seen[e.Strategy] = true
		}
	}
	var out []Strategy
	for s := StrategyExact; s <= StrategyFuzzy; s++ {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}

// EntryFor returns the entry mapped to feature, if any.
func (r *Report) EntryFor(feature string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Target == feature {
			return e, true
		}
	}
	return Entry{}, false
}

// MissingColumnsError is returned when REQUIRED features have no source column.
type MissingColumnsError struct {
	Report *Report
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("%d required feature(s) missing: %s",
		len(e.Report.MissingRequired), strings.Join(e.Report.MissingRequired, ", "))
}
