package transform

import (
	"strings"

	"census-import/internal/models"
)

// Column names of the published tract dataset layout.
const (
	ColStateCode          = "State Code"
	ColCountyCode         = "County Code"
	ColTractCode          = "Tract Code"
	ColIncomeLevel        = "Tract Income Level"
	ColMedianIncomePct    = "Tract Median Family Income %"
	ColTractMedianIncome  = "Tract Median Family Income"
	ColMSAMedianIncome    = "FFIEC Estimated MSA/MD Median Family Income"
	ColPopulation         = "Tract Population"
	ColMinorityPct        = "Tract Minority %"
	ColOwnerOccupiedUnits = "Owner Occupied Units"
)

// TractDataset handles the dataset record layout: one column per
// sub-code and a textual income level label.
type TractDataset struct{}

func init() { register(TractDataset{}) }

func (TractDataset) Name() string { return "tracts" }

func (TractDataset) RequiredColumns() []string {
	return []string{ColStateCode, ColCountyCode, ColTractCode, ColIncomeLevel}
}

func (TractDataset) Transform(row Row) (models.TractRecord, error) {
	id, st, co, tr, err := BuildTractID(row.Get(ColStateCode), row.Get(ColCountyCode), row.Get(ColTractCode))
	if err != nil {
		return models.TractRecord{}, err
	}
	// The label is stored as published; a padded value is not an eligible label.
	level := row.Get(ColIncomeLevel)
	if strings.TrimSpace(level) == "" {
		return models.TractRecord{}, reject("income_level", "missing income level")
	}
	return models.TractRecord{
		TractID:            id,
		StateCode:          st,
		CountyCode:         co,
		TractCode:          tr,
		IncomeLevel:        level,
		Eligible:           Eligible(level),
		MedianIncomePct:    ParseFloat(row.Get(ColMedianIncomePct)),
		TractMedianIncome:  ParseFloat(row.Get(ColTractMedianIncome)),
		MSAMedianIncome:    ParseFloat(row.Get(ColMSAMedianIncome)),
		Population:         ParseInt(row.Get(ColPopulation)),
		MinorityPct:        ParseFloat(row.Get(ColMinorityPct)),
		OwnerOccupiedUnits: ParseInt(row.Get(ColOwnerOccupiedUnits)),
	}, nil
}
