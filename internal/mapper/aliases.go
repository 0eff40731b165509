package mapper

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/kiranshivaraju/churnguard/internal/contract"
	"gopkg.in/yaml.v3"
)

//go:embed aliases.yaml
var aliasesYAML []byte

// aliasTable maps a normalised alias to a feature name.
type aliasTable map[string]string

// candidate is a name a raw column may be compared against.
type candidate struct {
	name    string // normalised
	tokens  []string
	feature string
}

// loadAliases parses the embedded catalogue and checks it against c: every
// feature must exist, and no alias may point at two features or shadow
// another feature's own name.
func loadAliases(data []byte, c *contract.Contract) (map[contract.Industry]aliasTable, error) {
	var raw map[string]map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing alias catalogue: %w", err)
	}

	featureNames := make(map[string]string, len(c.Features))
	for _, f := range c.Features {
		featureNames[Normalize(f.Name)] = f.Name
	}

	out := make(map[contract.Industry]aliasTable, len(raw))
	for industryName, features := range raw {
		industry, err := contract.ParseIndustry(industryName)
		if err != nil {
			return nil, fmt.Errorf("alias catalogue: %w", err)
		}
		table := make(aliasTable)
		for feature, aliases := range features {
			if _, ok := c.Feature(feature); !ok {
				return nil, fmt.Errorf("alias catalogue: %s: unknown feature %q", industryName, feature)
			}
			for _, a := range aliases {
				n := Normalize(a)
				if owner, ok := featureNames[n]; ok && owner != feature {
					return nil, fmt.Errorf("alias catalogue: %s: alias %q shadows feature %q", industryName, a, owner)
				}
				if prev, ok := table[n]; ok && prev != feature {
					return nil, fmt.Errorf("alias catalogue: %s: alias %q maps to both %q and %q", industryName, a, prev, feature)
				}
				table[n] = feature
			}
		}
		out[industry] = table
	}
	return out, nil
}

// candidates lists the feature names followed by the industry's aliases in a
// stable order, so similarity ties resolve the same way on every run.
func candidates(c *contract.Contract, aliases aliasTable) []candidate {
	out := make([]candidate, 0, len(c.Features)+len(aliases))
	for _, f := range c.Features {
		n := Normalize(f.Name)
		out = append(out, candidate{name: n, tokens: tokens(n), feature: f.Name})
	}

	names := make([]string, 0, len(aliases))
	for a := range aliases {
		names = append(names, a)
	}
	sort.Strings(names)
	for _, a := range names {
		out = append(out, candidate{name: a, tokens: tokens(a), feature: aliases[a]})
	}
	return out
}
