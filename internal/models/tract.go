package models

import "time"

// TractIDLength is the width of a census tract GEOID:
// 2-digit state + 3-digit county + 6-digit tract.
const TractIDLength = 11

// TractRecord is the canonical, validated row stored in the tract table.
// Numeric measures are nil when the source value could not be parsed.
type TractRecord struct {
	TractID            string    `json:"tract_id"`
	StateCode          string    `json:"state_code"`
	CountyCode         string    `json:"county_code"`
	TractCode          string    `json:"tract_code"`
	IncomeLevel        string    `json:"income_level"`
	Eligible           bool      `json:"eligible"`
	MedianIncomePct    *float64  `json:"median_income_pct,omitempty"`
	TractMedianIncome  *float64  `json:"tract_median_income,omitempty"`
	MSAMedianIncome    *float64  `json:"msa_median_income,omitempty"`
	Population         *int64    `json:"population,omitempty"`
	MinorityPct        *float64  `json:"minority_pct,omitempty"`
	OwnerOccupiedUnits *int64    `json:"owner_occupied_units,omitempty"`
	JobID              string    `json:"job_id,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DedupeTracts keeps the last record for each TractID, preserving the
// order in which surviving records last appeared.
func DedupeTracts(records []TractRecord) []TractRecord {
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[r.TractID] = i
	}
	if len(last) == len(records) {
		return records
	}
	out := make([]TractRecord, 0, len(last))
	for i, r := range records {
		if last[r.TractID] == i {
			out = append(out, r)
		}
	}
	return out
}
