// Package contract defines the fixed feature set the churn model consumes.
// Every downstream stage works against this list, never the raw input columns.
package contract

import (
	"fmt"
	"strings"
)

// SemanticType is the declared meaning of a feature's values.
type SemanticType int

const (
	TypeIdentifier SemanticType = iota + 1
	TypeRatio
	TypeCount
	TypeDurationMonths
	TypeCurrencyPerMonth
	TypeCurrency
	TypeCategorical
)

func (t SemanticType) String() string {
	switch t {
	case TypeIdentifier:
		return "identifier"
	case TypeRatio:
		return "ratio"
	case TypeCount:
		return "count"
	case TypeDurationMonths:
		return "duration-months"
	case TypeCurrencyPerMonth:
		return "currency-per-month"
	case TypeCurrency:
		return "currency"
	case TypeCategorical:
		return "categorical"
	}
	return fmt.Sprintf("SemanticType(%d)", int(t))
}

// Numeric reports whether values of this type are coerced to float.
func (t SemanticType) Numeric() bool {
	return t != TypeIdentifier && t != TypeCategorical
}

// Industry selects the alias table used for column matching.
type Industry int

const (
	IndustryUnknown Industry = iota
	IndustryTelecom
	IndustrySaaS
)

func (i Industry) String() string {
	switch i {
	case IndustryTelecom:
		return "telecom"
	case IndustrySaaS:
		return "saas"
	}
	return "unknown"
}

// ParseIndustry accepts "telecom" or "saas" in any case.
func ParseIndustry(s string) (Industry, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "telecom":
		return IndustryTelecom, nil
	case "saas":
		return IndustrySaaS, nil
	}
	return IndustryUnknown, fmt.Errorf("unknown industry %q", s)
}

// OtherCategory is the indicator for categorical values outside the declared set.
const OtherCategory = "__other__"

// Feature is one entry of the contract.
type Feature struct {
	Name     string
	Type     SemanticType
	Required bool
	// Categories is the declared value set of a categorical feature.
	Categories []string
	// ValueAliases maps normalised spellings to a declared category.
	ValueAliases map[string]string
}

// Contract is an ordered feature list bound to a model version.
type Contract struct {
	Version  string
	Features []Feature
}

// Feature looks up a feature by exact name.
func (c *Contract) Feature(name string) (Feature, bool) {
	for _, f := range c.Features {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// Index returns the position of the named feature, or -1.
func (c *Contract) Index(name string) int {
	for i, f := range c.Features {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Required returns the REQUIRED features in contract order.
func (c *Contract) Required() []Feature {
	var out []Feature
	for _, f := range c.Features {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// Identifier returns the customer identifier feature.
func (c *Contract) Identifier() Feature {
	for _, f := range c.Features {
		if f.Type == TypeIdentifier {
			return f
		}
	}
	panic("contract has no identifier feature")
}

// Names returns the feature names in contract order.
func (c *Contract) Names() []string {
	out := make([]string, len(c.Features))
	for i, f := range c.Features {
		out[i] = f.Name
	}
	return out
}

// CanonicalCategory resolves a raw categorical value to a declared category
// or OtherCategory. Matching ignores case, spacing and punctuation.
func (f Feature) CanonicalCategory(raw string) string {
	key := foldValue(raw)
	if key == "" {
		return OtherCategory
	}
	for _, c := range f.Categories {
		if foldValue(c) == key {
			return c
		}
	}
	if c, ok := f.ValueAliases[key]; ok {
		return c
	}
	return OtherCategory
}

func foldValue(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
