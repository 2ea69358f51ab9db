// Package sheet reads published spreadsheet tables into an in-memory grid.
package sheet

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Options configures the XLSX reader.
type Options struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
	MaxRows    int    // 0 reads every row
}

// Cell is one spreadsheet cell. Numeric is true only for cells stored as
// numbers; text that happens to look numeric is not coerced.
type Cell struct {
	Text    string
	Number  float64
	Numeric bool
}

// Grid is a rectangular-ish view of one worksheet. Rows are 0-indexed.
type Grid struct {
	Sheet string
	Rows  [][]Cell
}

// ReadXLSX opens an XLSX file and returns the selected worksheet as a Grid.
func ReadXLSX(path string, opts Options) (*Grid, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	return fromFile(f, opts)
}

// ParseXLSX parses XLSX bytes, typically after checksum verification.
func ParseXLSX(data []byte, opts Options) (*Grid, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open binary")
	}
	return fromFile(f, opts)
}

func fromFile(f *xlsx.File, opts Options) (*Grid, error) {
	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	g := &Grid{Sheet: sheet.Name}
	for i, row := range sheet.Rows {
		if opts.MaxRows > 0 && i >= opts.MaxRows {
			break
		}
		g.Rows = append(g.Rows, rowToCells(row))
	}
	return g, nil
}

func getSheet(f *xlsx.File, opts Options) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToCells(row *xlsx.Row) []Cell {
	if row == nil {
		return nil
	}
	cells := make([]Cell, len(row.Cells))
	for j, c := range row.Cells {
		if c == nil {
			continue
		}
		cells[j].Text = strings.TrimSpace(c.String())
		if c.Type() == xlsx.CellTypeNumeric && strings.TrimSpace(c.Value) != "" {
			if v, err := c.Float(); err == nil {
				cells[j].Number = v
				cells[j].Numeric = true
			}
		}
	}
	return cells
}

// Len returns the number of rows.
func (g *Grid) Len() int { return len(g.Rows) }

// Width returns the widest row's cell count.
func (g *Grid) Width() int {
	w := 0
	for _, r := range g.Rows {
		if len(r) > w {
			w = len(r)
		}
	}
	return w
}

// Cell returns the cell at (row, col), or an empty cell when out of range.
func (g *Grid) Cell(row, col int) Cell {
	if row < 0 || row >= len(g.Rows) || col < 0 || col >= len(g.Rows[row]) {
		return Cell{}
	}
	return g.Rows[row][col]
}

// Text returns the trimmed display text at (row, col).
func (g *Grid) Text(row, col int) string {
	return g.Cell(row, col).Text
}

// Number returns the numeric value at (row, col) and whether the cell is numeric.
func (g *Grid) Number(row, col int) (float64, bool) {
	c := g.Cell(row, col)
	return c.Number, c.Numeric
}

// Head returns the display text of the first n rows.
func (g *Grid) Head(n int) [][]string {
	if n > len(g.Rows) || n <= 0 {
		n = len(g.Rows)
	}
	out := make([][]string, n)
	for i := 0; i < n; i++ {
		row := make([]string, len(g.Rows[i]))
		for j, c := range g.Rows[i] {
			row[j] = c.Text
		}
		out[i] = row
	}
	return out
}
