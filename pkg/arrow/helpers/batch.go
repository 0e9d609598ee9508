// Package helpers provides convenience functions for working with Arrow RecordBatches.
package helpers

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column returns the named column from a RecordBatch, or an error if not found.
func Column(batch arrow.Record, name string) (arrow.Array, error) {
	schema := batch.Schema()
	indices := schema.FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("column %q not found in schema", name)
	}
	return batch.Column(indices[0]), nil
}

// ColumnIndex returns the index of a named column, or -1 if not found.
func ColumnIndex(batch arrow.Record, name string) int {
	indices := batch.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// ColumnNames returns the list of column names in a record's schema.
func ColumnNames(batch arrow.Record) []string {
	schema := batch.Schema()
	names := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		names[i] = schema.Field(i).Name
	}
	return names
}

// Filter applies a boolean mask to a RecordBatch, returning only rows where mask is true.
// The caller is responsible for releasing the returned Record.
func Filter(ctx context.Context, batch arrow.Record, mask arrow.Array) (arrow.Record, error) {
	result, err := compute.FilterRecordBatch(ctx, batch, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return result, nil
}

// Project creates a new RecordBatch with only the specified columns.
// The caller is responsible for releasing the returned Record.
func Project(alloc memory.Allocator, batch arrow.Record, cols ...string) (arrow.Record, error) {
	indices := make([]int, 0, len(cols))
	for _, name := range cols {
		idx := ColumnIndex(batch, name)
		if idx < 0 {
			return nil, fmt.Errorf("column %q not found for projection", name)
		}
		indices = append(indices, idx)
	}
	return ProjectIndices(batch, indices)
}

// ProjectIndices creates a new RecordBatch with only the given column indices,
// in the given order. The caller is responsible for releasing the returned Record.
func ProjectIndices(batch arrow.Record, indices []int) (arrow.Record, error) {
	schema := batch.Schema()
	fields := make([]arrow.Field, 0, len(indices))
	arrays := make([]arrow.Array, 0, len(indices))

	for _, idx := range indices {
		if idx < 0 || idx >= int(batch.NumCols()) {
			return nil, fmt.Errorf("column index %d out of range [0, %d)", idx, batch.NumCols())
		}
		fields = append(fields, schema.Field(idx))
		arrays = append(arrays, batch.Column(idx))
	}

	projected := arrow.NewSchema(fields, nil)
	return array.NewRecord(projected, arrays, batch.NumRows()), nil
}

// RetainedSize returns the number of bytes of Arrow buffer memory a record
// keeps alive. This is the quantity charged against a task's memory ceiling
// while a batch is buffered.
func RetainedSize(batch arrow.Record) int64 {
	var total int64
	for i := 0; i < int(batch.NumCols()); i++ {
		total += arrayRetainedSize(batch.Column(i).Data())
	}
	return total
}

func arrayRetainedSize(data arrow.ArrayData) int64 {
	var total int64
	for _, buf := range data.Buffers() {
		if buf != nil {
			total += int64(buf.Len())
		}
	}
	for _, child := range data.Children() {
		total += arrayRetainedSize(child)
	}
	// Dictionary returns a non-nil interface wrapping a nil *array.Data
	// for non-dictionary arrays, so check the concrete value.
	if dict, ok := data.Dictionary().(*array.Data); ok && dict != nil {
		total += arrayRetainedSize(dict)
	}
	return total
}
