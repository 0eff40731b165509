package mapper

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Normalisation regexes compiled once at package init.
var (
	reCamelUpper = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
	reCamelLower = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	reNonAlnum   = regexp.MustCompile(`[^a-z0-9]+`)
)

const (
	maxNameRunes = 256
	// DefaultMaxColumns caps the width of a raw schema.
	DefaultMaxColumns = 1024
)

// ErrTooManyColumns is returned when a raw schema is wider than the column cap.
var ErrTooManyColumns = errors.New("too many columns")

// Normalize lowercases a name, splits camelCase words, and collapses every
// run of non-alphanumeric characters to a single "_".
func Normalize(name string) string {
	s := reCamelUpper.ReplaceAllString(name, "${1}_${2}")
	s = reCamelLower.ReplaceAllString(s, "${1}_${2}")
	s = reNonAlnum.ReplaceAllString(strings.ToLower(s), "_")
	return strings.Trim(s, "_")
}

// tokens splits a normalised name on "_".
func tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "_")
}

// sanitize cleans raw header names before matching. Leading formula
// characters and control characters are removed, names are capped at 256
// runes, blanks get a positional name, and duplicates are suffixed __2, __3.
func sanitize(header []string, maxColumns int) ([]string, []string, error) {
	if len(header) > maxColumns {
		return nil, nil, fmt.Errorf("%w: %d columns exceeds limit of %d", ErrTooManyColumns, len(header), maxColumns)
	}

	var warnings []string
	cleaned := make([]string, len(header))
	for i, raw := range header {
		name := cleanName(raw)
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
			warnings = append(warnings, fmt.Sprintf("column %d has no usable name; using %q", i+1, name))
		} else if name != raw {
			warnings = append(warnings, fmt.Sprintf("column %d name sanitised to %q", i+1, name))
		}
		cleaned[i] = name
	}

	taken := make(map[string]bool, len(cleaned))
	for _, n := range cleaned {
		taken[n] = false
	}
	out := make([]string, len(cleaned))
	for i, name := range cleaned {
		if used, exists := taken[name]; exists && !used {
			taken[name] = true
			out[i] = name
			continue
		}
		for n := 2; ; n++ {
			candidate := name + "__" + strconv.Itoa(n)
			if _, exists := taken[candidate]; !exists {
				taken[candidate] = true
				out[i] = candidate
				warnings = append(warnings, fmt.Sprintf("duplicate column %q renamed to %q", name, candidate))
				break
			}
		}
	}
	return out, warnings, nil
}

func cleanName(raw string) string {
	name := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == unicode.ReplacementChar || r == '\uFEFF' {
			return -1
		}
		return r
	}, raw)
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, "=+-@")
	name = strings.TrimSpace(name)

	if r := []rune(name); len(r) > maxNameRunes {
		name = strings.TrimSpace(string(r[:maxNameRunes]))
	}
	return name
}
