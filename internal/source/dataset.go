package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"census-import/internal/transform"
)

// ErrMissingColumns is returned when the header lacks a required column.
var ErrMissingColumns = errors.New("source header is missing required columns")

// ParseOptions controls how the flat file is split.
type ParseOptions struct {
	Delimiter rune
}

// Dataset is a parsed source file: header-to-position map plus data rows.
type Dataset struct {
	columns map[string]int
	rows    [][]string
}

// RawRow is one data row addressed by header name.
type RawRow struct {
	Number  int
	columns map[string]int
	values  []string
}

// Get returns the cell under column, or "" when the column is absent or
// the row is short.
func (r RawRow) Get(column string) string {
	idx, ok := r.columns[transform.NormalizeColumn(column)]
	if !ok || idx >= len(r.values) {
		return ""
	}
	return r.values[idx]
}

// Parse splits raw into header and rows. Blank lines are skipped; a file
// with only a header yields zero rows.
func Parse(raw []byte, opts ParseOptions) (*Dataset, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(raw))
	if opts.Delimiter != 0 {
		r.Comma = opts.Delimiter
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse source: empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	ds := &Dataset{columns: make(map[string]int, len(header))}
	for i, name := range header {
		key := transform.NormalizeColumn(name)
		if _, dup := ds.columns[key]; !dup {
			ds.columns[key] = i
		}
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse row %d: %w", len(ds.rows)+1, err)
		}
		ds.rows = append(ds.rows, rec)
	}
	return ds, nil
}

// Len is the number of data rows, header excluded.
func (d *Dataset) Len() int { return len(d.rows) }

// Require verifies that every column is present in the header.
func (d *Dataset) Require(columns []string) error {
	var missing []string
	for _, c := range columns {
		if _, ok := d.columns[transform.NormalizeColumn(c)]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return nil
}

// Slice returns rows [chunkIndex*chunkSize, chunkIndex*chunkSize+chunkSize)
// clipped to limit (the job's totalRows) and to the rows present.
func (d *Dataset) Slice(chunkIndex, chunkSize, limit int) []RawRow {
	if chunkIndex < 0 || chunkSize <= 0 {
		return nil
	}
	if limit < 0 || limit > len(d.rows) {
		limit = len(d.rows)
	}
	start := chunkIndex * chunkSize
	if start >= limit {
		return nil
	}
	end := start + chunkSize
	if end > limit {
		end = limit
	}
	out := make([]RawRow, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, RawRow{Number: i + 1, columns: d.columns, values: d.rows[i]})
	}
	return out
}
