package transform

import (
	"strings"

	"census-import/internal/models"
)

const (
	stateWidth  = 2
	countyWidth = 3
	tractWidth  = 6
)

// BuildTractID assembles and validates the 11-character GEOID. Sub-codes
// are left-padded with zeros; anything non-numeric or wider than its slot
// is rejected, as is an all-zero composite.
func BuildTractID(state, county, tract string) (string, string, string, string, error) {
	st, err := padCode("state", state, stateWidth)
	if err != nil {
		return "", "", "", "", err
	}
	co, err := padCode("county", county, countyWidth)
	if err != nil {
		return "", "", "", "", err
	}
	tr, err := padCode("tract", normalizeTract(tract), tractWidth)
	if err != nil {
		return "", "", "", "", err
	}
	id := st + co + tr
	if len(id) != models.TractIDLength {
		return "", "", "", "", reject("tract_id", "composite %q is not %d characters", id, models.TractIDLength)
	}
	if strings.Trim(id, "0") == "" {
		return "", "", "", "", reject("tract_id", "composite %q is all zeros", id)
	}
	return id, st, co, tr, nil
}

func padCode(field, raw string, width int) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", reject(field, "missing code")
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return "", reject(field, "code %q is not numeric", raw)
		}
	}
	if len(v) > width {
		return "", reject(field, "code %q exceeds %d digits", raw, width)
	}
	return strings.Repeat("0", width-len(v)) + v, nil
}

// normalizeTract turns the published "9501.00" form into "950100".
func normalizeTract(raw string) string {
	v := strings.TrimSpace(raw)
	whole, frac, ok := strings.Cut(v, ".")
	if !ok || len(frac) != 2 {
		return v
	}
	return whole + frac
}
