package export

import (
	"errors"
	"time"
)

// ErrNoColumns is returned when a table has nothing to render.
var ErrNoColumns = errors.New("export: table has no columns")

// Column describes one output column. Width is a relative weight used by the PDF layout.
type Column struct {
	Title string
	Width float64
}

// Table is a rendered-agnostic grid of string cells in column order.
type Table struct {
	Title       string
	GeneratedAt time.Time
	Columns     []Column
	Rows        [][]string
}

// AddRow appends cells, padding or truncating to the column count.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.Columns))
	copy(row, cells)
	t.Rows = append(t.Rows, row)
}

func (t Table) titles() []string {
	out := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		out[i] = col.Title
	}
	return out
}
