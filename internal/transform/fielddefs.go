package transform

import (
	"strings"

	"census-import/internal/models"
)

// Column codes of the field-definitions layout.
const (
	FieldState      = "STATE"
	FieldCounty     = "COUNTY"
	FieldTract      = "TRACT"
	FieldIncomeInd  = "INCOME_IND"
	FieldMFIPct     = "MFI_PCT"
	FieldTractMFI   = "TRACT_MFI"
	FieldMSAMFI     = "MSA_MFI"
	FieldPopulation = "POP"
	FieldMinority   = "MINORITY_PCT"
	FieldOwnerOcc   = "OWNER_OCC"
)

// FieldDefinitions handles the coded layout, where the income level is a
// numeric indicator resolved through the field definitions table.
type FieldDefinitions struct{}

func init() { register(FieldDefinitions{}) }

func (FieldDefinitions) Name() string { return "fielddefs" }

func (FieldDefinitions) RequiredColumns() []string {
	return []string{FieldState, FieldCounty, FieldTract, FieldIncomeInd}
}

func (FieldDefinitions) Transform(row Row) (models.TractRecord, error) {
	id, st, co, tr, err := BuildTractID(row.Get(FieldState), row.Get(FieldCounty), row.Get(FieldTract))
	if err != nil {
		return models.TractRecord{}, err
	}
	code := strings.TrimSpace(row.Get(FieldIncomeInd))
	level, ok := incomeCodes[code]
	if !ok {
		return models.TractRecord{}, reject("income_ind", "unknown income indicator %q", code)
	}
	return models.TractRecord{
		TractID:            id,
		StateCode:          st,
		CountyCode:         co,
		TractCode:          tr,
		IncomeLevel:        level,
		Eligible:           Eligible(level),
		MedianIncomePct:    ParseFloat(row.Get(FieldMFIPct)),
		TractMedianIncome:  ParseFloat(row.Get(FieldTractMFI)),
		MSAMedianIncome:    ParseFloat(row.Get(FieldMSAMFI)),
		Population:         ParseInt(row.Get(FieldPopulation)),
		MinorityPct:        ParseFloat(row.Get(FieldMinority)),
		OwnerOccupiedUnits: ParseInt(row.Get(FieldOwnerOcc)),
	}, nil
}
