package connectors

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/cyclotron/pkg/arrow/helpers"
	"github.com/sandboxws/cyclotron/pkg/operator"
)

// Console prints Arrow RecordBatches to stdout as formatted tables.
type Console struct {
	maxRows int32
	writer  io.Writer
	count   int64
}

// NewConsole creates a Console sink. maxRows limits how many rows of
// each batch are printed; zero prints everything.
func NewConsole(maxRows int32) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) { c.writer = w }

// RowsWritten returns the total number of rows received.
func (c *Console) RowsWritten() int64 { return c.count }

func (c *Console) Open(_ *operator.Context) error { return nil }

func (c *Console) WriteBatch(batch arrow.Record) error {
	schema := batch.Schema()
	numCols := schema.NumFields()
	numRows := int(batch.NumRows())

	if c.maxRows > 0 && numRows > int(c.maxRows) {
		numRows = int(c.maxRows)
	}

	// Calculate column widths.
	widths := make([]int, numCols)
	for i := 0; i < numCols; i++ {
		widths[i] = len(schema.Field(i).Name)
	}
	for row := 0; row < numRows; row++ {
		for col := 0; col < numCols; col++ {
			val := helpers.FormatValue(batch.Column(col), row)
			if len(val) > widths[col] {
				widths[col] = len(val)
			}
		}
	}

	c.printHeader(schema, widths)
	c.printSeparator(widths)

	for row := 0; row < numRows; row++ {
		c.printDataRow(batch, widths, row)
	}

	if int(batch.NumRows()) > numRows {
		fmt.Fprintf(c.writer, "... (%d more rows)\n", int(batch.NumRows())-numRows)
	}
	fmt.Fprintln(c.writer)

	c.count += batch.NumRows()
	return nil
}

func (c *Console) Close() error { return nil }

func (c *Console) printHeader(schema *arrow.Schema, widths []int) {
	var sb strings.Builder
	sb.WriteString("| ")
	for i := 0; i < schema.NumFields(); i++ {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(padRight(schema.Field(i).Name, widths[i]))
	}
	sb.WriteString(" |")
	fmt.Fprintln(c.writer, sb.String())
}

func (c *Console) printSeparator(widths []int) {
	var sb strings.Builder
	sb.WriteString("|-")
	for i, w := range widths {
		if i > 0 {
			sb.WriteString("-|-")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteString("-|")
	fmt.Fprintln(c.writer, sb.String())
}

func (c *Console) printDataRow(batch arrow.Record, widths []int, row int) {
	var sb strings.Builder
	sb.WriteString("| ")
	for col := 0; col < int(batch.NumCols()); col++ {
		if col > 0 {
			sb.WriteString(" | ")
		}
		val := helpers.FormatValue(batch.Column(col), row)
		sb.WriteString(padRight(val, widths[col]))
	}
	sb.WriteString(" |")
	fmt.Fprintln(c.writer, sb.String())
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
