package style

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Alignment of a column's cells.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
	AlignCenter
)

// Column describes one table column. Style, when set, is applied to every
// cell of the column.
type Column struct {
	Name  string
	Width int
	Align Alignment
	Style *lipgloss.Style
}

// Table renders fixed-width rows for terminal output.
type Table struct {
	columns   []Column
	rows      [][]string
	indent    string
	headerSep bool
}

// NewTable returns a table with a header separator and a two-space indent.
func NewTable(columns ...Column) *Table {
	return &Table{columns: columns, indent: "  ", headerSep: true}
}

// SetIndent sets the prefix of every line.
func (t *Table) SetIndent(indent string) *Table {
	t.indent = indent
	return t
}

// SetHeaderSeparator toggles the line under the header.
func (t *Table) SetHeaderSeparator(on bool) *Table {
	t.headerSep = on
	return t
}

// AddRow appends a row, padding missing cells with empty strings.
func (t *Table) AddRow(values ...string) *Table {
	row := make([]string, len(t.columns))
	copy(row, values)
	t.rows = append(t.rows, row)
	return t
}

// Render returns the table as text, one line per row.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}
	var b strings.Builder

	b.WriteString(t.indent)
	for i, c := range t.columns {
		if i > 0 {
			b.WriteString(" ")
		}
		name := truncate(c.Name, c.Width)
		b.WriteString(t.pad(Bold.Render(name), name, c.Width, c.Align))
	}
	b.WriteString("\n")

	if t.headerSep {
		b.WriteString(t.indent)
		for i, c := range t.columns {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(Dim.Render(strings.Repeat("─", c.Width)))
		}
		b.WriteString("\n")
	}

	for _, row := range t.rows {
		b.WriteString(t.indent)
		for i, c := range t.columns {
			if i > 0 {
				b.WriteString(" ")
			}
			plain := truncate(row[i], c.Width)
			styled := plain
			if c.Style != nil {
				styled = c.Style.Render(plain)
			}
			b.WriteString(t.pad(styled, plain, c.Width, c.Align))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// pad aligns styled within width, measuring by plain so escape codes do not
// count.
func (t *Table) pad(styled, plain string, width int, align Alignment) string {
	n := lipgloss.Width(plain)
	if n >= width {
		return styled
	}
	gap := width - n
	switch align {
	case AlignRight:
		return strings.Repeat(" ", gap) + styled
	case AlignCenter:
		left := gap / 2
		return strings.Repeat(" ", left) + styled + strings.Repeat(" ", gap-left)
	}
	return styled + strings.Repeat(" ", gap)
}

func truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	if width <= 3 {
		return string([]rune(s)[:width])
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r))+3 > width {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripAnsi(s string) string {
	return ansi.ReplaceAllString(s, "")
}
