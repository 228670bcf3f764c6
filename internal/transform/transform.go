// Package transform maps raw source rows onto canonical tract records.
package transform

import (
	"fmt"
	"sort"
	"strings"

	"census-import/internal/models"
)

// Row is a raw source row addressed by column name.
type Row interface {
	Get(column string) string
}

// MapRow is a Row backed by a map. Keys are matched the same way source
// headers are: trimmed and case-insensitive.
type MapRow map[string]string

func (m MapRow) Get(column string) string {
	if v, ok := m[column]; ok {
		return v
	}
	want := NormalizeColumn(column)
	for k, v := range m {
		if NormalizeColumn(k) == want {
			return v
		}
	}
	return ""
}

// NormalizeColumn canonicalises a header or lookup name.
func NormalizeColumn(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Transformer converts one raw row of a given source layout. A non-nil
// error rejects the row; it never aborts the chunk.
type Transformer interface {
	Name() string
	RequiredColumns() []string
	Transform(row Row) (models.TractRecord, error)
}

// RejectError describes why a row was rejected.
type RejectError struct {
	Field  string
	Reason string
}

func (e *RejectError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func reject(field, format string, args ...any) *RejectError {
	return &RejectError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var registry = map[string]Transformer{}

func register(t Transformer) {
	registry[t.Name()] = t
}

// Lookup returns the transformer registered under name.
func Lookup(name string) (Transformer, error) {
	t, ok := registry[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("unknown transform variant %q (known: %s)", name, strings.Join(Variants(), ", "))
	}
	return t, nil
}

// Variants lists registered transformer names.
func Variants() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
