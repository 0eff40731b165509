package table

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/churnguard/pkg/models"
)

// OutputHeader is the fixed header of a prediction artifact.
var OutputHeader = []string{
	"customer_id",
	"churn_probability",
	"retention_probability",
	"risk_band",
	"risk_factors",
	"protective_factors",
}

// EncodePredictions renders predictions as CSV in input order. Probabilities
// use six decimals and the factor lists are JSON arrays in quoted fields, so
// equal inputs always encode to identical bytes.
func EncodePredictions(preds []models.Prediction) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(strings.Join(OutputHeader, ","))
	buf.WriteByte('\n')

	for _, p := range preds {
		risk, err := factorList(p.RiskFactors)
		if err != nil {
			return nil, err
		}
		protective, err := factorList(p.ProtectiveFactors)
		if err != nil {
			return nil, err
		}

		buf.WriteString(csvField(p.CustomerID))
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatFloat(p.ChurnProbability, 'f', 6, 64))
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatFloat(p.RetentionProbability, 'f', 6, 64))
		buf.WriteByte(',')
		buf.WriteString(p.RiskBand.String())
		buf.WriteByte(',')
		buf.WriteString(quote(risk))
		buf.WriteByte(',')
		buf.WriteString(quote(protective))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func factorList(factors []string) (string, error) {
	if factors == nil {
		factors = []string{}
	}
	b, err := json.Marshal(factors)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// csvField quotes s only when CSV requires it.
func csvField(s string) string {
	if s == "" || (!strings.ContainsAny(s, ",\"\r\n") && s[0] != ' ' && s[0] != '\t') {
		return s
	}
	return quote(s)
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
