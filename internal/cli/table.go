package cli

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Table is a tabular result.
type Table struct {
	out     *Output
	meta    Meta
	headers []string
	rows    [][]string
}

// AddRow appends a row. Values line up with the headers.
func (t *Table) AddRow(values ...string) *Table {
	t.rows = append(t.rows, values)
	return t
}

// WithCursor records the cursor for the next page.
func (t *Table) WithCursor(cursor string) *Table {
	t.meta.Cursor = cursor
	return t
}

// Render writes the table.
func (t *Table) Render() error {
	return t.out.Render(t)
}

func (t *Table) Meta() Meta {
	return t.meta
}

// RenderText draws the table, or "(none)" when it has no rows.
func (t *Table) RenderText(w io.Writer) error {
	if len(t.rows) == 0 {
		_, err := io.WriteString(w, "(none)\n")
		return err
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	header := make(table.Row, len(t.headers))
	for i, h := range t.headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range t.rows {
		r := make(table.Row, len(row))
		for i, cell := range row {
			r[i] = cell
		}
		tw.AppendRow(r)
	}
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

// Data returns one object per row, keyed by header.
func (t *Table) Data() any {
	out := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		obj := make(map[string]string, len(t.headers))
		for i, h := range t.headers {
			if i < len(row) {
				obj[dataKey(h)] = row[i]
			}
		}
		out = append(out, obj)
	}
	return out
}

// dataKey turns a header into a structured-output key.
func dataKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}
