package contract

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNotNumeric is returned for a non-null cell that cannot be read as a number.
var ErrNotNumeric = errors.New("not numeric")

var nullTokens = map[string]bool{
	"":     true,
	"na":   true,
	"n/a":  true,
	"null": true,
	"none": true,
	"nan":  true,
	"-":    true,
}

var ratioWords = map[string]float64{
	"yes":   1,
	"y":     1,
	"true":  1,
	"no":    0,
	"n":     0,
	"false": 0,
}

// IsNull reports whether a cell is empty or a null token.
func IsNull(s string) bool {
	return nullTokens[strings.ToLower(strings.TrimSpace(s))]
}

// ParseNumber reads a numeric cell. It accepts a leading "$", thousands
// separators and a trailing "%" (scaled to a fraction for ratio features);
// ratio features also accept yes/no and true/false. ok is false for a null
// cell.
func ParseNumber(s string, t SemanticType) (v float64, ok bool, err error) {
	s = strings.TrimSpace(s)
	if IsNull(s) {
		return 0, false, nil
	}
	if t == TypeRatio {
		if w, found := ratioWords[strings.ToLower(s)]; found {
			return w, true, nil
		}
	}

	raw := s
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	v, err = strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, fmt.Errorf("%w: %q", ErrNotNumeric, raw)
	}
	if neg {
		v = -v
	}
	if pct && t == TypeRatio {
		v /= 100
	}
	return v, true, nil
}
