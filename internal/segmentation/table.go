package segmentation

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
)

// Table is a minimal column-oriented record set, the batch input of MaskBatch.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Column returns the index of name, or -1.
func (t Table) Column(name string) int {
	return slices.Index(t.Columns, name)
}

// Clone returns a deep copy.
func (t Table) Clone() Table {
	out := Table{Columns: slices.Clone(t.Columns), Rows: make([][]string, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = slices.Clone(r)
	}
	return out
}

// MaskBatch masks every image referenced by column and returns a copy of
// table with a masked_<column> column inserted at index 1. The first failure
// aborts the batch and table is left untouched.
func (s *LungSegmenter) MaskBatch(ctx context.Context, table Table, column string) (Table, error) {
	if column == "" {
		return Table{}, errors.New("file path column name cannot be empty")
	}
	idx := table.Column(column)
	if idx < 0 {
		return Table{}, fmt.Errorf("column %q not found", column)
	}

	masked := make([]string, len(table.Rows))
	for i, row := range table.Rows {
		if err := ctx.Err(); err != nil {
			return Table{}, err
		}
		if idx >= len(row) {
			return Table{}, fmt.Errorf("row %d has no %q value", i, column)
		}
		p, err := s.Mask(ctx, row[idx])
		if err != nil {
			return Table{}, fmt.Errorf("failed to mask row %d: %w", i, err)
		}
		masked[i] = p
	}

	out := table.Clone()
	at := min(1, len(out.Columns))
	out.Columns = slices.Insert(out.Columns, at, "masked_"+column)
	for i := range out.Rows {
		out.Rows[i] = slices.Insert(out.Rows[i], min(at, len(out.Rows[i])), masked[i])
	}
	return out, nil
}

// ReadTable parses CSV with a header row.
func ReadTable(r io.Reader) (Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("failed to read table: %w", err)
	}
	if len(records) == 0 {
		return Table{}, errors.New("table has no header row")
	}
	return Table{Columns: records[0], Rows: records[1:]}, nil
}

// WriteTable writes t as CSV with a header row.
func WriteTable(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("failed to write table header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("failed to write table rows: %w", err)
	}
	return nil
}
