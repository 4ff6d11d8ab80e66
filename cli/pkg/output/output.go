// Package output renders taskctl results as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
	headerColor  = color.New(color.FgWhite, color.Bold)
)

// ValidFormat reports whether format is one of table, json or yaml.
func ValidFormat(format string) bool {
	switch format {
	case FormatTable, FormatJSON, FormatYAML:
		return true
	}
	return false
}

// Error writes an error line to stderr.
func Error(format string, a ...interface{}) {
	errorColor.Fprintf(os.Stderr, "✗ "+format+"\n", a...)
}

// Printer writes values in the selected format.
type Printer struct {
	w      io.Writer
	format string
}

// NewPrinter returns a Printer writing to w. Unknown formats fall back to
// table.
func NewPrinter(w io.Writer, format string) *Printer {
	if !ValidFormat(format) {
		format = FormatTable
	}
	return &Printer{w: w, format: format}
}

// Format returns the active format.
func (p *Printer) Format() string {
	return p.format
}

// Print writes v as JSON or YAML, or calls table to build the table view.
func (p *Printer) Print(v any, table func() *Table) error {
	switch p.format {
	case FormatJSON:
		return JSON(p.w, v)
	case FormatYAML:
		return YAML(p.w, v)
	default:
		table().Render(p.w)
		return nil
	}
}

// Success writes a confirmation line to the printer's writer.
func (p *Printer) Success(format string, a ...interface{}) {
	successColor.Fprintf(p.w, "✓ "+format+"\n", a...)
}

// Warn writes a warning line to the printer's writer.
func (p *Printer) Warn(format string, a ...interface{}) {
	warnColor.Fprintf(p.w, "⚠ "+format+"\n", a...)
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// YAML writes v as YAML using its JSON field names.
func YAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{
		headers: headers,
		rows:    [][]string{},
	}
}

func (t *Table) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

// Render writes the table with column widths fitted to the widest cell.
func (t *Table) Render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}

	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, header := range t.headers {
		headerColor.Fprintf(w, "%-*s  ", widths[i], header)
	}
	fmt.Fprintln(w)

	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", widths[i])+"  ")
	}
	fmt.Fprintln(w)

	for _, row := range t.rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			fmt.Fprintf(w, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(w)
	}
}
