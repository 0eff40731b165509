package features

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kiranshivaraju/churnguard/internal/contract"
	"github.com/kiranshivaraju/churnguard/internal/mapper"
	"github.com/kiranshivaraju/churnguard/internal/model"
	"github.com/kiranshivaraju/churnguard/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullHeader = "customerID,tenure,MonthlyCharges,TotalCharges,Contract,PaymentMethod,InternetService,SeniorCitizen,SupportTickets,PaperlessBilling"

func shippedBundle(t *testing.T) *model.Bundle {
	t.Helper()
	b, err := model.Load(filepath.Join("..", "..", "models"), "model_*.bundle")
	require.NoError(t, err)
	return b
}

func mapped(t *testing.T, header string, rows ...string) *mapper.Mapped {
	t.Helper()
	tb := &table.Table{Header: strings.Split(header, ",")}
	for _, r := range rows {
		tb.Rows = append(tb.Rows, strings.Split(r, ","))
	}
	m, err := mapper.New(contract.V1)
	require.NoError(t, err)
	res, err := m.Map(tb, contract.IndustryTelecom)
	require.NoError(t, err)
	return res.Apply(tb)
}

func prepare(t *testing.T, b *model.Bundle, m *mapper.Mapped) *Result {
	t.Helper()
	p, err := New(contract.V1, b)
	require.NoError(t, err)
	res, err := p.Prepare(m)
	require.NoError(t, err)
	return res
}

func value(t *testing.T, b *model.Bundle, row []float64, feature string) float64 {
	t.Helper()
	i := b.Index(feature)
	require.GreaterOrEqual(t, i, 0, "feature %q not expected by bundle", feature)
	return row[i]
}

func TestPrepare_FullRows(t *testing.T) {
	b := shippedBundle(t)
	res := prepare(t, b, mapped(t, fullHeader,
		"C1,5,85.5,427.5,Month-to-month,Electronic check,Fiber optic,1,4,Yes",
		"C2,60,25.0,1500,Two year,Credit card (automatic),No,0,0,No",
		" C3 ,30,50.25,1507.5,monthly,mailed check,dsl,0,1,yes",
	))

	m := res.Matrix
	assert.Equal(t, b.ExpectedFeatures, m.Columns)
	assert.Equal(t, []string{"C1", "C2", "C3"}, m.CustomerIDs)
	assert.Empty(t, res.Warnings)
	require.Len(t, m.Rows, 3)
	for _, row := range m.Rows {
		assert.Len(t, row, len(b.ExpectedFeatures))
	}

	r0 := m.Rows[0]
	assert.Equal(t, 5.0, value(t, b, r0, "tenure"))
	assert.Equal(t, 85.5, value(t, b, r0, "MonthlyCharges"))
	assert.Equal(t, 1.0, value(t, b, r0, "PaperlessBilling"))
	assert.Equal(t, 1.0, value(t, b, r0, "Contract_Month-to-month"))
	assert.Equal(t, 0.0, value(t, b, r0, "Contract_Two year"))
	assert.Equal(t, 1.0, value(t, b, r0, "InternetService_Fiber optic"))

	r2 := m.Rows[2]
	assert.Equal(t, 1.0, value(t, b, r2, "Contract_Month-to-month"), "value alias")
	assert.Equal(t, 1.0, value(t, b, r2, "PaymentMethod_Mailed check"))
	assert.Equal(t, 1.0, value(t, b, r2, "InternetService_DSL"))
}

func TestPrepare_OneHotPerCategoricalSumsToOne(t *testing.T) {
	b := shippedBundle(t)
	res := prepare(t, b, mapped(t, fullHeader,
		"C1,5,85.5,427.5,Lifetime,Bitcoin,Satellite,1,4,Yes",
	))

	row := res.Matrix.Rows[0]
	for _, f := range []string{"Contract", "PaymentMethod", "InternetService"} {
		sum := 0.0
		for i, name := range b.ExpectedFeatures {
			if strings.HasPrefix(name, f+"_") {
				sum += row[i]
			}
		}
		assert.Equal(t, 1.0, sum, f)
		assert.Equal(t, 1.0, value(t, b, row, IndicatorName(f, contract.OtherCategory)), f)
	}
}

func TestPrepare_MissingOptionalFeatures(t *testing.T) {
	b := shippedBundle(t)
	res := prepare(t, b, mapped(t, "customerID,tenure,MonthlyCharges,TotalCharges,Contract",
		"C1,12,70.5,846,One year",
	))

	row := res.Matrix.Rows[0]
	assert.Equal(t, b.Metadata.Medians["SeniorCitizen"], value(t, b, row, "SeniorCitizen"))
	assert.Equal(t, b.Metadata.Medians["SupportTickets"], value(t, b, row, "SupportTickets"))
	assert.Equal(t, 1.0, value(t, b, row, "PaymentMethod___other__"))
	assert.Equal(t, 1.0, value(t, b, row, "InternetService___other__"))

	assert.Len(t, res.Warnings, 5)
	assert.Contains(t, res.Warnings, "PaymentMethod: not present in input; filled with __other__")
	assert.Contains(t, res.Warnings, "SupportTickets: not present in input; filled with training median 1")
}

func TestPrepare_AllNullOptionalColumn(t *testing.T) {
	b := shippedBundle(t)
	res := prepare(t, b, mapped(t, "customerID,tenure,MonthlyCharges,TotalCharges,Contract,SupportTickets",
		"C1,12,70.5,846,One year,",
		"C2,24,20.5,492,Two year,NA",
	))

	for _, row := range res.Matrix.Rows {
		assert.Equal(t, 1.0, value(t, b, row, "SupportTickets"))
	}
	assert.Contains(t, res.Warnings, "SupportTickets: all values are empty; filled with training median 1")
}

func TestPrepare_TenureInDaysIsConverted(t *testing.T) {
	b := shippedBundle(t)
	res := prepare(t, b, mapped(t, "customerID,tenure_days,MonthlyCharges,TotalCharges,Contract",
		"1,420,50,700,Month-to-month",
		"2,300,60,600,One year",
		"3,900,70,2100,Two year",
	))

	assert.InDelta(t, 420*12/365.25, value(t, b, res.Matrix.Rows[0], "tenure"), 1e-6)
	assert.InDelta(t, 900*12/365.25, value(t, b, res.Matrix.Rows[2], "tenure"), 1e-6)
}

func TestPrepare_BlankRequiredNumericUsesMedian(t *testing.T) {
	b := shippedBundle(t)
	res := prepare(t, b, mapped(t, "customerID,tenure,MonthlyCharges,TotalCharges,Contract",
		"C1,12,70.5, ,One year",
		"C2,24,20.5,492,Two year",
	))

	assert.Equal(t, 1397.475, value(t, b, res.Matrix.Rows[0], "TotalCharges"))
	assert.Equal(t, 492.0, value(t, b, res.Matrix.Rows[1], "TotalCharges"))
	assert.Contains(t, res.Warnings, "TotalCharges: 1 empty value(s) filled with training median 1397.475")
}

func TestPrepare_AllBlankRequiredColumnFails(t *testing.T) {
	b := shippedBundle(t)
	p, err := New(contract.V1, b)
	require.NoError(t, err)

	_, err = p.Prepare(mapped(t, "customerID,tenure,MonthlyCharges,TotalCharges,Contract",
		"C1,12,70.5,,One year",
		"C2,24,20.5, ,Two year",
		"C3,6,abc,NA,Two year",
	))

	var perr *PreparationError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, []string{"TotalCharges"}, perr.EmptyRequired)
	assert.Equal(t, 1, perr.Total)
	assert.Contains(t, err.Error(), "required column(s) have no values: TotalCharges")
	assert.Contains(t, err.Error(), "1 value(s)")
}

func TestPrepare_UncoercibleValues(t *testing.T) {
	b := shippedBundle(t)
	p, err := New(contract.V1, b)
	require.NoError(t, err)

	_, err = p.Prepare(mapped(t, "customerID,tenure,MonthlyCharges,TotalCharges,Contract",
		"C1,12,70.5,846,One year",
		"C2,abc,20.5,492,Two year",
		"C3,24,twenty,492,Two year",
	))

	var perr *PreparationError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 2, perr.Total)
	assert.Equal(t, CellError{Row: 2, Feature: "tenure", Value: "abc"}, perr.Problems[0])
	assert.Equal(t, CellError{Row: 3, Feature: "MonthlyCharges", Value: "twenty"}, perr.Problems[1])
	assert.Contains(t, err.Error(), "2 value(s)")
}

func TestPrepare_ProblemListIsCapped(t *testing.T) {
	b := shippedBundle(t)
	p, err := New(contract.V1, b)
	require.NoError(t, err)

	rows := make([]string, 0, 15)
	for i := 0; i < 15; i++ {
		rows = append(rows, "C,x,20.5,492,Two year")
	}
	_, err = p.Prepare(mapped(t, "customerID,tenure,MonthlyCharges,TotalCharges,Contract", rows...))

	var perr *PreparationError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 15, perr.Total)
	assert.Len(t, perr.Problems, maxReportedProblems)
}

func TestPrepare_BundleWithoutOtherIndicator(t *testing.T) {
	b, err := model.Decode([]byte(`{
	  "version": "narrow",
	  "model": {"kind": "logistic", "coefficients": [0.1, 0.2, 0.3], "intercept": 0},
	  "scaler": {"mean": [0, 0, 0], "scale": [1, 1, 1]},
	  "expected_features": ["tenure", "Contract_Month-to-month", "Contract_Two year"],
	  "metadata": {
	    "medians": {"tenure": 10},
	    "categories": {"Contract": ["Month-to-month", "Two year"]},
	    "catalogue": []
	  }
	}`))
	require.NoError(t, err)

	res := prepare(t, b, mapped(t, "customerID,tenure,MonthlyCharges,TotalCharges,Contract",
		"C1,12,70.5,846,One year",
		"C2,24,20.5,492,Two year",
	))

	assert.Equal(t, []string{"tenure", "Contract_Month-to-month", "Contract_Two year"}, res.Matrix.Columns)
	assert.Equal(t, []float64{12, 0, 0}, res.Matrix.Rows[0])
	assert.Equal(t, []float64{24, 0, 1}, res.Matrix.Rows[1])
}

func TestNew_IncompatibleBundle(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown expected feature", `{
		  "version": "x",
		  "model": {"kind": "logistic", "coefficients": [0.1, 0.2], "intercept": 0},
		  "scaler": {"mean": [0, 0], "scale": [1, 1]},
		  "expected_features": ["tenure", "Mystery"],
		  "metadata": {"medians": {"tenure": 10}}
		}`},
		{"missing median", `{
		  "version": "x",
		  "model": {"kind": "logistic", "coefficients": [0.1], "intercept": 0},
		  "scaler": {"mean": [0], "scale": [1]},
		  "expected_features": ["tenure"],
		  "metadata": {"medians": {}}
		}`},
		{"categories for numeric feature", `{
		  "version": "x",
		  "model": {"kind": "logistic", "coefficients": [0.1], "intercept": 0},
		  "scaler": {"mean": [0], "scale": [1]},
		  "expected_features": ["tenure"],
		  "metadata": {"medians": {"tenure": 1}, "categories": {"tenure": ["a"]}}
		}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := model.Decode([]byte(tt.doc))
			require.NoError(t, err)
			_, err = New(contract.V1, b)
			assert.ErrorIs(t, err, model.ErrLoad)
		})
	}
}

func TestPrepare_InvariantViolations(t *testing.T) {
	b := shippedBundle(t)
	p, err := New(contract.V1, b)
	require.NoError(t, err)

	noID := &mapper.Mapped{Contract: contract.V1, Columns: make([][]string, len(contract.V1.Features)), Rows: 1}
	_, err = p.Prepare(noID)
	assert.ErrorIs(t, err, ErrInvariant)

	onlyID := &mapper.Mapped{Contract: contract.V1, Columns: make([][]string, len(contract.V1.Features)), Rows: 1}
	onlyID.Columns[contract.V1.Index("customerID")] = []string{"C1"}
	_, err = p.Prepare(onlyID)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestPrepare_Deterministic(t *testing.T) {
	b := shippedBundle(t)
	m := mapped(t, fullHeader,
		"C1,5,85.5,427.5,Month-to-month,Electronic check,Fiber optic,1,4,Yes",
		"C2,60,25.0,1500,Two year,Credit card (automatic),No,0,0,No",
	)
	first := prepare(t, b, m)
	second := prepare(t, b, m)
	assert.Equal(t, first, second)
}
