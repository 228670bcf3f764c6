package transform

// Income level labels as published in the tract file.
const (
	IncomeLow      = "Low"
	IncomeModerate = "Moderate"
	IncomeMiddle   = "Middle"
	IncomeUpper    = "Upper"
	IncomeUnknown  = "Unknown"
)

var eligibleLevels = map[string]struct{}{
	IncomeLow:      {},
	IncomeModerate: {},
}

// Eligible reports whether the income level qualifies. Matching is exact
// and case-sensitive.
func Eligible(level string) bool {
	_, ok := eligibleLevels[level]
	return ok
}

// incomeCodes maps the coded income indicator of the field-definitions
// layout onto labels.
var incomeCodes = map[string]string{
	"0": IncomeUnknown,
	"1": IncomeLow,
	"2": IncomeModerate,
	"3": IncomeMiddle,
	"4": IncomeUpper,
}
