// Package window implements the window functions evaluated by the window
// operator over ordered partitions.
package window

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Function is a stateful per-partition computation producing exactly one
// output value per row, evaluated in sort order. The engine is agnostic to
// which variants are present.
type Function interface {
	// Name is used for the output column.
	Name() string

	// OutputType is the Arrow type of the produced column.
	OutputType() arrow.DataType

	// Reset clears per-partition state. Invoked once per partition, before
	// its first row.
	Reset()

	// Evaluate appends the value for one row to out. batch and row address
	// the source row; newPeer is true when the row's sort key differs from
	// the previous row's (always true for the first row of a partition).
	Evaluate(batch arrow.Record, row int, newPeer bool, out array.Builder) error
}

// Factory constructs a fresh Function so every operator instance gets its
// own state.
type Factory func() Function

// rowNumber assigns the 1-based ordinal position of each row within its
// partition's sort order.
type rowNumber struct {
	count int64
}

// NewRowNumber returns a row_number window function.
func NewRowNumber() Function { return &rowNumber{} }

func (f *rowNumber) Name() string               { return "row_number" }
func (f *rowNumber) OutputType() arrow.DataType { return arrow.PrimitiveTypes.Int64 }
func (f *rowNumber) Reset()                     { f.count = 0 }

func (f *rowNumber) Evaluate(_ arrow.Record, _ int, _ bool, out array.Builder) error {
	b, ok := out.(*array.Int64Builder)
	if !ok {
		return fmt.Errorf("row_number: unexpected output builder %T", out)
	}
	f.count++
	b.Append(f.count)
	return nil
}

// rank assigns the row number of the first peer of each peer group, leaving
// gaps after groups of tied rows.
type rank struct {
	row int64
	cur int64
}

// NewRank returns a rank window function.
func NewRank() Function { return &rank{} }

func (f *rank) Name() string               { return "rank" }
func (f *rank) OutputType() arrow.DataType { return arrow.PrimitiveTypes.Int64 }
func (f *rank) Reset()                     { f.row, f.cur = 0, 0 }

func (f *rank) Evaluate(_ arrow.Record, _ int, newPeer bool, out array.Builder) error {
	b, ok := out.(*array.Int64Builder)
	if !ok {
		return fmt.Errorf("rank: unexpected output builder %T", out)
	}
	f.row++
	if newPeer || f.cur == 0 {
		f.cur = f.row
	}
	b.Append(f.cur)
	return nil
}

// denseRank assigns consecutive ranks to peer groups, without gaps.
type denseRank struct {
	cur int64
}

// NewDenseRank returns a dense_rank window function.
func NewDenseRank() Function { return &denseRank{} }

func (f *denseRank) Name() string               { return "dense_rank" }
func (f *denseRank) OutputType() arrow.DataType { return arrow.PrimitiveTypes.Int64 }
func (f *denseRank) Reset()                     { f.cur = 0 }

func (f *denseRank) Evaluate(_ arrow.Record, _ int, newPeer bool, out array.Builder) error {
	b, ok := out.(*array.Int64Builder)
	if !ok {
		return fmt.Errorf("dense_rank: unexpected output builder %T", out)
	}
	if newPeer || f.cur == 0 {
		f.cur++
	}
	b.Append(f.cur)
	return nil
}

// Lookup resolves a window function factory by its SQL name.
func Lookup(name string) (Factory, bool) {
	switch name {
	case "row_number":
		return NewRowNumber, true
	case "rank":
		return NewRank, true
	case "dense_rank":
		return NewDenseRank, true
	default:
		return nil, false
	}
}
