package models

import (
	"encoding/json"
	"fmt"
)

// RiskBand is the coarse bucket derived from a churn probability.
type RiskBand int

const (
	RiskBandLow RiskBand = iota + 1
	RiskBandMedium
	RiskBandHigh
)

func (b RiskBand) String() string {
	switch b {
	case RiskBandLow:
		return "LOW"
	case RiskBandMedium:
		return "MEDIUM"
	case RiskBandHigh:
		return "HIGH"
	}
	return fmt.Sprintf("RiskBand(%d)", int(b))
}

func (b RiskBand) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// BandCutoffs are the model-version thresholds: p < Low is LOW,
// Low <= p < High is MEDIUM, p >= High is HIGH.
type BandCutoffs struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// DefaultBandCutoffs are used when a bundle does not declare its own.
var DefaultBandCutoffs = BandCutoffs{Low: 0.4, High: 0.7}

// Band assigns p to a risk band.
func (c BandCutoffs) Band(p float64) RiskBand {
	switch {
	case p >= c.High:
		return RiskBandHigh
	case p >= c.Low:
		return RiskBandMedium
	default:
		return RiskBandLow
	}
}

// Prediction is one row of the output artifact.
type Prediction struct {
	CustomerID           string   `json:"customer_id"`
	ChurnProbability     float64  `json:"churn_probability"`
	RetentionProbability float64  `json:"retention_probability"`
	RiskBand             RiskBand `json:"risk_band"`
	RiskFactors          []string `json:"risk_factors"`
	ProtectiveFactors    []string `json:"protective_factors"`
}
