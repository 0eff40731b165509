package mapper

import (
	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	mapset "github.com/deckarep/golang-set/v2"
)

var editMetric = metrics.NewLevenshtein()

// levenshteinRatio returns 1 - distance/maxLen over runes, in [0,1].
func levenshteinRatio(a, b string) float64 {
	return strutil.Similarity(a, b, editMetric)
}

// jaccard is |A∩B| / |A∪B| over token sets.
func jaccard(a, b []string) float64 {
	sa, sb := mapset.NewThreadUnsafeSet(a...), mapset.NewThreadUnsafeSet(b...)
	union := sa.Union(sb).Cardinality()
	if union == 0 {
		return 0
	}
	return float64(sa.Intersect(sb).Cardinality()) / float64(union)
}
