// Package model loads trained churn model bundles and scores prepared matrices.
package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/kiranshivaraju/churnguard/pkg/models"
)

// Sentinel errors for the model runtime.
var (
	ErrLoad    = errors.New("model load failed")
	ErrScoring = errors.New("scoring failed")
)

// KindLogistic is the only supported model kind.
const KindLogistic = "logistic"

// Bundle is a trained model with its preprocessing and metadata. A bundle
// is immutable after load.
type Bundle struct {
	Version          string   `json:"version"`
	Model            Params   `json:"model"`
	Scaler           Scaler   `json:"scaler"`
	ExpectedFeatures []string `json:"expected_features"`
	Metadata         Metadata `json:"metadata"`

	// Path is the file the bundle was read from.
	Path  string         `json:"-"`
	index map[string]int `json:"-"`
}

// Params are the fitted model parameters.
type Params struct {
	Kind         string    `json:"kind"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
}

// Scaler standardises each column as (x - mean) / scale.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Metadata carries training-time facts the pipeline needs at inference.
type Metadata struct {
	Bands      models.BandCutoffs  `json:"bands"`
	Medians    map[string]float64  `json:"medians"`
	Categories map[string][]string `json:"categories"`
	Catalogue  []CatalogueEntry    `json:"catalogue"`
}

// Direction says whether a catalogue phrase explains risk or retention.
type Direction string

const (
	DirectionRisk       Direction = "risk"
	DirectionProtective Direction = "protective"
)

// Magnitude ranks catalogue phrases; stronger phrases are listed first.
type Magnitude string

const (
	MagnitudeHigh   Magnitude = "high"
	MagnitudeMedium Magnitude = "medium"
	MagnitudeLow    Magnitude = "low"
)

// Rank orders magnitudes, high first.
func (m Magnitude) Rank() int {
	switch m {
	case MagnitudeHigh:
		return 0
	case MagnitudeMedium:
		return 1
	case MagnitudeLow:
		return 2
	}
	return 3
}

// CatalogueEntry fires when the prepared (unscaled) value of Feature lies in
// [Min, Max). A nil bound is open.
type CatalogueEntry struct {
	Feature   string    `json:"feature"`
	Direction Direction `json:"direction"`
	Magnitude Magnitude `json:"magnitude"`
	Min       *float64  `json:"min,omitempty"`
	Max       *float64  `json:"max,omitempty"`
	Phrase    string    `json:"phrase"`
}

// Matches reports whether v falls inside the entry's range.
func (e CatalogueEntry) Matches(v float64) bool {
	if e.Min != nil && v < *e.Min {
		return false
	}
	if e.Max != nil && v >= *e.Max {
		return false
	}
	return true
}

// Index returns the column of an expected feature, or -1.
func (b *Bundle) Index(feature string) int {
	if i, ok := b.index[feature]; ok {
		return i
	}
	return -1
}

// Cutoffs returns the bundle's band cut-offs.
func (b *Bundle) Cutoffs() models.BandCutoffs {
	return b.Metadata.Bands
}

// validate checks internal consistency and fills defaults.
func (b *Bundle) validate() error {
	if b.Version == "" {
		return errors.New("missing version")
	}
	if b.Model.Kind != KindLogistic {
		return fmt.Errorf("unsupported model kind %q", b.Model.Kind)
	}

	n := len(b.ExpectedFeatures)
	if n == 0 {
		return errors.New("expected_features is empty")
	}
	if len(b.Model.Coefficients) != n {
		return fmt.Errorf("%d coefficients for %d expected features", len(b.Model.Coefficients), n)
	}
	if len(b.Scaler.Mean) != n || len(b.Scaler.Scale) != n {
		return fmt.Errorf("scaler has %d means and %d scales for %d expected features",
			len(b.Scaler.Mean), len(b.Scaler.Scale), n)
	}
	if !finite(b.Model.Intercept) {
		return errors.New("intercept is not finite")
	}

	b.index = make(map[string]int, n)
	for i, f := range b.ExpectedFeatures {
		if f == "" {
			return fmt.Errorf("expected feature %d has no name", i)
		}
		if _, dup := b.index[f]; dup {
			return fmt.Errorf("expected feature %q listed twice", f)
		}
		b.index[f] = i
		if !finite(b.Model.Coefficients[i]) || !finite(b.Scaler.Mean[i]) {
			return fmt.Errorf("feature %q has non-finite parameters", f)
		}
		if s := b.Scaler.Scale[i]; !finite(s) || s <= 0 {
			return fmt.Errorf("feature %q has invalid scale %v", f, s)
		}
	}

	if b.Metadata.Bands == (models.BandCutoffs{}) {
		b.Metadata.Bands = models.DefaultBandCutoffs
	}
	if c := b.Metadata.Bands; !(c.Low > 0 && c.Low < c.High && c.High < 1) {
		return fmt.Errorf("invalid band cut-offs low=%v high=%v", c.Low, c.High)
	}

	for i, e := range b.Metadata.Catalogue {
		if _, ok := b.index[e.Feature]; !ok {
			return fmt.Errorf("catalogue entry %d references unknown feature %q", i, e.Feature)
		}
		if e.Direction != DirectionRisk && e.Direction != DirectionProtective {
			return fmt.Errorf("catalogue entry %d has invalid direction %q", i, e.Direction)
		}
		if e.Magnitude.Rank() > 2 {
			return fmt.Errorf("catalogue entry %d has invalid magnitude %q", i, e.Magnitude)
		}
		if e.Phrase == "" {
			return fmt.Errorf("catalogue entry %d has no phrase", i)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
