package transform

import (
	"math"
	"strconv"
	"strings"
)

// ParseFloat coerces a numeric cell, tolerating thousands separators,
// currency and percent signs. Anything else yields nil.
func ParseFloat(raw string) *float64 {
	v := cleanNumeric(raw)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ParseInt coerces an integral cell. Values like "1200.0" are accepted;
// fractional or unparsable values yield nil.
func ParseInt(raw string) *int64 {
	v := cleanNumeric(raw)
	if v == "" {
		return nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return &n
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		return nil
	}
	n := int64(f)
	return &n
}

func cleanNumeric(raw string) string {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "$")
	v = strings.TrimSuffix(v, "%")
	v = strings.ReplaceAll(v, ",", "")
	return strings.TrimSpace(v)
}
