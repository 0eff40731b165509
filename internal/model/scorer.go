package model

import (
	"fmt"
	"math"
)

// Low-confidence band for telemetry: probabilities strictly inside it.
const (
	lowConfidenceMin = 0.35
	lowConfidenceMax = 0.65
)

// Scores are the per-row probabilities plus batch aggregates.
type Scores struct {
	Probabilities []float64
	// MeanProbability is the mean churn probability.
	MeanProbability float64
	// MeanConfidence is the mean of max(p, 1-p).
	MeanConfidence float64
	// LowConfidenceFraction is the share of rows with p in (0.35, 0.65).
	LowConfidenceFraction float64
}

// Score standardises each row and applies the logistic model. The result
// depends only on the bundle and the matrix.
func (b *Bundle) Score(rows [][]float64) (*Scores, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty matrix", ErrScoring)
	}

	n := len(b.ExpectedFeatures)
	out := &Scores{Probabilities: make([]float64, len(rows))}
	var sumP, sumConf float64
	var low int
	for r, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d columns, model expects %d", ErrScoring, r, len(row), n)
		}

		z := b.Model.Intercept
		for i, x := range row {
			if !finite(x) {
				return nil, fmt.Errorf("%w: row %d column %q is not finite", ErrScoring, r, b.ExpectedFeatures[i])
			}
			z += b.Model.Coefficients[i] * (x - b.Scaler.Mean[i]) / b.Scaler.Scale[i]
		}
		p := sigmoid(z)
		if !finite(p) {
			return nil, fmt.Errorf("%w: row %d produced a non-finite probability", ErrScoring, r)
		}

		out.Probabilities[r] = p
		sumP += p
		sumConf += math.Max(p, 1-p)
		if p > lowConfidenceMin && p < lowConfidenceMax {
			low++
		}
	}

	count := float64(len(rows))
	out.MeanProbability = sumP / count
	out.MeanConfidence = sumConf / count
	out.LowConfidenceFraction = float64(low) / count
	return out, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
