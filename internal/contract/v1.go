package contract

// V1 is the contract of the v1 churn model, shared by both industries.
var V1 = &Contract{
	Version: "v1",
	Features: []Feature{
		{Name: "customerID", Type: TypeIdentifier, Required: true},
		{Name: "tenure", Type: TypeDurationMonths, Required: true},
		{Name: "MonthlyCharges", Type: TypeCurrencyPerMonth, Required: true},
		{Name: "TotalCharges", Type: TypeCurrency, Required: true},
		{
			Name:       "Contract",
			Type:       TypeCategorical,
			Required:   true,
			Categories: []string{"Month-to-month", "One year", "Two year"},
			ValueAliases: map[string]string{
				"monthly":      "Month-to-month",
				"month":        "Month-to-month",
				"mtm":          "Month-to-month",
				"m2m":          "Month-to-month",
				"monthtomonth": "Month-to-month",
				"payg":         "Month-to-month",
				"annual":       "One year",
				"annually":     "One year",
				"yearly":       "One year",
				"year":         "One year",
				"1year":        "One year",
				"12months":     "One year",
				"oneyear":      "One year",
				"biennial":     "Two year",
				"2year":        "Two year",
				"2years":       "Two year",
				"24months":     "Two year",
				"twoyears":     "Two year",
			},
		},
		{
			Name:       "PaymentMethod",
			Type:       TypeCategorical,
			Categories: []string{"Electronic check", "Mailed check", "Bank transfer (automatic)", "Credit card (automatic)"},
			ValueAliases: map[string]string{
				"echeck":       "Electronic check",
				"check":        "Mailed check",
				"banktransfer": "Bank transfer (automatic)",
				"ach":          "Bank transfer (automatic)",
				"directdebit":  "Bank transfer (automatic)",
				"sepa":         "Bank transfer (automatic)",
				"creditcard":   "Credit card (automatic)",
				"card":         "Credit card (automatic)",
				"visa":         "Credit card (automatic)",
				"mastercard":   "Credit card (automatic)",
				"amex":         "Credit card (automatic)",
			},
		},
		{
			Name:       "InternetService",
			Type:       TypeCategorical,
			Categories: []string{"DSL", "Fiber optic", "No"},
			ValueAliases: map[string]string{
				"fiber": "Fiber optic",
				"fibre": "Fiber optic",
				"ftth":  "Fiber optic",
				"adsl":  "DSL",
				"vdsl":  "DSL",
				"none":  "No",
			},
		},
		{Name: "SeniorCitizen", Type: TypeRatio},
		{Name: "SupportTickets", Type: TypeCount},
		{Name: "PaperlessBilling", Type: TypeRatio},
	},
}
