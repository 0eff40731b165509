// Package table decodes uploaded CSV inputs and encodes prediction artifacts.
package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Sentinel errors for input decoding.
var (
	ErrTooLarge    = errors.New("input too large")
	ErrUnparseable = errors.New("input unparseable")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Table is a decoded CSV: a header row and zero or more data rows, all the
// same width as the header.
type Table struct {
	Header []string
	Rows   [][]string
}

// Limits bound the size of an accepted input.
type Limits struct {
	MaxRows    int
	MaxColumns int
}

// Parse decodes a UTF-8 CSV with a header row. A leading BOM is dropped and
// both CRLF and LF line endings are accepted. Inputs with no data rows are
// unparseable.
func Parse(data []byte, limits Limits) (*Table, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrUnparseable)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = 0

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty input", ErrUnparseable)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrUnparseable, err)
	}
	if limits.MaxColumns > 0 && len(header) > limits.MaxColumns {
		return nil, fmt.Errorf("%w: %d columns exceeds limit of %d", ErrTooLarge, len(header), limits.MaxColumns)
	}

	t := &Table{Header: header}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		if limits.MaxRows > 0 && len(t.Rows) == limits.MaxRows {
			return nil, fmt.Errorf("%w: more than %d rows", ErrTooLarge, limits.MaxRows)
		}
		t.Rows = append(t.Rows, rec)
	}

	if len(t.Rows) == 0 {
		return nil, fmt.Errorf("%w: header only, no data rows", ErrUnparseable)
	}
	return t, nil
}

// Column returns the values of column i across all rows.
func (t *Table) Column(i int) []string {
	out := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}

// Sample returns up to n leading rows.
func (t *Table) Sample(n int) [][]string {
	if n >= len(t.Rows) {
		return t.Rows
	}
	return t.Rows[:n]
}
