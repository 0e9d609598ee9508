// Package operators implements the built-in pipeline operators for the
// Cyclotron runtime.
package operators

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	helpers "github.com/sandboxws/cyclotron/pkg/arrow/helpers"
	"github.com/sandboxws/cyclotron/pkg/metrics"
	"github.com/sandboxws/cyclotron/pkg/operator"
	"github.com/sandboxws/cyclotron/pkg/window"
)

// windowState tracks the operator through its blocking lifecycle:
// accept all input, then sort and evaluate, then drain output.
type windowState int

const (
	windowAcceptingInput windowState = iota
	windowFinishing
	windowProducing
	windowDone
)

func (s windowState) String() string {
	switch s {
	case windowAcceptingInput:
		return "ACCEPTING_INPUT"
	case windowFinishing:
		return "FINISHING"
	case windowProducing:
		return "PRODUCING_OUTPUT"
	case windowDone:
		return "DONE"
	default:
		return fmt.Sprintf("windowState(%d)", int(s))
	}
}

// rowRef addresses one row inside the operator's buffered batches without
// copying its values.
type rowRef struct {
	batch int32
	pos   int32
}

// windowPartition holds the rows of one partition in arrival order until
// the sort runs.
type windowPartition struct {
	rows []rowRef
}

// WindowOperatorFactory validates window wiring against a fixed source
// schema and stamps out one Window operator per pipeline instance.
type WindowOperatorFactory struct {
	operatorID       string
	schema           *arrow.Schema
	outputChannels   []int
	functions        []window.Factory
	groupingChannels []int
	orderingChannels []int
	ascending        []bool
	maxOutputRows    int
}

// NewWindowOperatorFactory builds a window operator factory.
//
// outputChannels selects and orders the source channels that appear in the
// output ahead of the window-function columns; nil keeps all source
// channels in schema order. ascending must parallel orderingChannels
// (true = ascending). Channel indices are validated here so malformed
// wiring fails at build time, before any input is accepted.
func NewWindowOperatorFactory(
	operatorID string,
	schema *arrow.Schema,
	outputChannels []int,
	functions []window.Factory,
	groupingChannels []int,
	orderingChannels []int,
	ascending []bool,
	maxOutputRows int,
) (*WindowOperatorFactory, error) {
	if schema == nil {
		return nil, fmt.Errorf("window %s: source schema is required", operatorID)
	}
	if len(functions) == 0 {
		return nil, fmt.Errorf("window %s: at least one window function is required", operatorID)
	}
	if maxOutputRows < 1 {
		return nil, fmt.Errorf("window %s: max output rows must be at least 1, got %d", operatorID, maxOutputRows)
	}
	if len(ascending) != len(orderingChannels) {
		return nil, fmt.Errorf("window %s: %d sort directions for %d ordering channels",
			operatorID, len(ascending), len(orderingChannels))
	}
	if outputChannels == nil {
		outputChannels = make([]int, schema.NumFields())
		for i := range outputChannels {
			outputChannels[i] = i
		}
	}
	for _, group := range [][]int{outputChannels, groupingChannels, orderingChannels} {
		for _, ch := range group {
			if ch < 0 || ch >= schema.NumFields() {
				return nil, fmt.Errorf("window %s: channel %d out of range for schema with %d fields",
					operatorID, ch, schema.NumFields())
			}
		}
	}

	return &WindowOperatorFactory{
		operatorID:       operatorID,
		schema:           schema,
		outputChannels:   append([]int(nil), outputChannels...),
		functions:        append([]window.Factory(nil), functions...),
		groupingChannels: append([]int(nil), groupingChannels...),
		orderingChannels: append([]int(nil), orderingChannels...),
		ascending:        append([]bool(nil), ascending...),
		maxOutputRows:    maxOutputRows,
	}, nil
}

// CreateOperator binds a fresh operator instance to an execution context.
func (f *WindowOperatorFactory) CreateOperator(ctx *operator.Context) (operator.Operator, error) {
	op := f.newOperator()
	if err := op.Open(ctx); err != nil {
		return nil, err
	}
	return op, nil
}

func (f *WindowOperatorFactory) newOperator() *Window {
	functions := make([]window.Function, len(f.functions))
	for i, mk := range f.functions {
		functions[i] = mk()
	}

	fields := make([]arrow.Field, 0, len(f.outputChannels)+len(functions))
	for _, ch := range f.outputChannels {
		fields = append(fields, f.schema.Field(ch))
	}
	for _, fn := range functions {
		fields = append(fields, arrow.Field{Name: fn.Name(), Type: fn.OutputType()})
	}

	return &Window{
		factory:      f,
		functions:    functions,
		outputSchema: arrow.NewSchema(fields, nil),
		index:        make(map[string]*windowPartition),
	}
}

// Window is a blocking window operator: it buffers its entire input,
// partitions rows by the grouping channels, stable-sorts each partition by
// the ordering channels, evaluates the window functions in sort order, and
// emits the result as a lazy sequence of output batches.
//
// Every buffered byte is reserved against the owning task's memory ceiling;
// crossing the ceiling fails the operator with no spill fallback.
type Window struct {
	factory      *WindowOperatorFactory
	functions    []window.Function
	outputSchema *arrow.Schema

	ctx   *operator.Context
	state windowState

	batches      []arrow.Record
	partitions   []*windowPartition // first-arrival order
	index        map[string]*windowPartition
	bufferedRows int64
	keyBuf       []byte

	// Output cursor, valid while producing.
	partIdx int
	rowIdx  int
}

// Open binds the operator to its execution context.
func (w *Window) Open(ctx *operator.Context) error {
	if ctx.Mem == nil {
		return fmt.Errorf("window %s: execution context has no memory reservation scope", w.factory.operatorID)
	}
	w.ctx = ctx
	return nil
}

// NeedsMoreInput reports whether the operator is still accepting input.
func (w *Window) NeedsMoreInput() bool {
	return w.state == windowAcceptingInput
}

// AddInput buffers one batch, indexes its rows into partitions, and charges
// the batch's retained size against the task memory ceiling. The
// reservation happens before the batch is retained, so a failed reservation
// leaves no partially-accounted state behind.
func (w *Window) AddInput(batch arrow.Record) error {
	if w.state != windowAcceptingInput {
		return fmt.Errorf("window %s: add input in state %s: %w",
			w.factory.operatorID, w.state, operator.ErrInvalidState)
	}
	if !batch.Schema().Equal(w.factory.schema) {
		return fmt.Errorf("window %s: input batch schema does not match source schema", w.factory.operatorID)
	}

	if err := w.ctx.Mem.ReserveBytes(helpers.RetainedSize(batch)); err != nil {
		return fmt.Errorf("window %s: %w", w.factory.operatorID, err)
	}

	batch.Retain()
	w.batches = append(w.batches, batch)
	batchIdx := int32(len(w.batches) - 1)

	numRows := int(batch.NumRows())
	for row := 0; row < numRows; row++ {
		key := w.partitionKey(batch, row)
		part := w.index[key]
		if part == nil {
			part = &windowPartition{}
			w.index[key] = part
			w.partitions = append(w.partitions, part)
			metrics.WindowPartitions.WithLabelValues(w.factory.operatorID).Inc()
		}
		part.rows = append(part.rows, rowRef{batch: batchIdx, pos: int32(row)})
	}

	w.bufferedRows += int64(numRows)
	metrics.WindowBufferedRows.WithLabelValues(w.factory.operatorID).Set(float64(w.bufferedRows))
	w.ctx.Metrics.BatchesProcessed.Add(1)
	w.ctx.Metrics.RowsProcessed.Add(int64(numRows))
	return nil
}

// Finish signals end of input. The first GetOutput afterwards runs the
// per-partition sort and switches to producing. Repeat calls are no-ops.
func (w *Window) Finish() error {
	if w.state == windowAcceptingInput {
		w.state = windowFinishing
	}
	return nil
}

// GetOutput returns the next output batch of up to the configured maximum
// row count, in partition order. It returns (nil, nil) before Finish has
// been called and after all output has been drained.
func (w *Window) GetOutput() (arrow.Record, error) {
	switch w.state {
	case windowAcceptingInput, windowDone:
		return nil, nil
	case windowFinishing:
		w.sortPartitions()
		w.state = windowProducing
	}
	return w.produceNext()
}

// IsFinished reports whether all output has been produced.
func (w *Window) IsFinished() bool {
	return w.state == windowDone
}

// Close releases all buffered batches and the operator's memory
// reservation. It is the abort path as well as the normal teardown: after
// Close the operator produces no further output.
func (w *Window) Close() error {
	for _, b := range w.batches {
		b.Release()
	}
	w.batches = nil
	w.partitions = nil
	w.index = nil
	w.bufferedRows = 0
	w.state = windowDone
	metrics.WindowBufferedRows.WithLabelValues(w.factory.operatorID).Set(0)
	w.ctx.Mem.Close()
	return nil
}

// partitionKey encodes the grouping-channel values of one row into a
// deterministic byte key. Rows share a partition iff their keys are equal.
// With no grouping channels every row maps to the single implicit partition.
func (w *Window) partitionKey(batch arrow.Record, row int) string {
	if len(w.factory.groupingChannels) == 0 {
		return ""
	}
	buf := w.keyBuf[:0]
	for _, ch := range w.factory.groupingChannels {
		buf = appendKeyValue(buf, batch.Column(ch), row)
	}
	w.keyBuf = buf
	return string(buf)
}

// appendKeyValue writes a type-tagged, null-safe encoding of one value.
// The encoding only needs to be deterministic and injective per type; the
// schema is fixed, so values in the same channel always share a type.
func appendKeyValue(buf []byte, arr arrow.Array, row int) []byte {
	if arr.IsNull(row) {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	switch a := arr.(type) {
	case *array.Int8:
		return append(buf, byte(a.Value(row)))
	case *array.Int16:
		return binary.BigEndian.AppendUint16(buf, uint16(a.Value(row)))
	case *array.Int32:
		return binary.BigEndian.AppendUint32(buf, uint32(a.Value(row)))
	case *array.Int64:
		return binary.BigEndian.AppendUint64(buf, uint64(a.Value(row)))
	case *array.Float32:
		return binary.BigEndian.AppendUint32(buf, math.Float32bits(a.Value(row)))
	case *array.Float64:
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(a.Value(row)))
	case *array.Boolean:
		if a.Value(row) {
			return append(buf, 1)
		}
		return append(buf, 0)
	case *array.String:
		v := a.Value(row)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		return append(buf, v...)
	case *array.Timestamp:
		return binary.BigEndian.AppendUint64(buf, uint64(a.Value(row)))
	default:
		panic(fmt.Sprintf("window: unsupported grouping type %s", arr.DataType()))
	}
}

// sortPartitions stable-sorts every partition by the ordering channels.
// Rows were appended in arrival order, so equal sort keys keep their
// original relative order, and partitions with no ordering channels stay
// in arrival order untouched.
func (w *Window) sortPartitions() {
	if len(w.factory.orderingChannels) == 0 {
		return
	}
	for _, part := range w.partitions {
		rows := part.rows
		sort.SliceStable(rows, func(i, j int) bool {
			return w.compareRows(rows[i], rows[j]) < 0
		})
	}
}

// compareRows orders two buffered rows channel by channel, honoring each
// ordering channel's direction. It returns 0 when the rows are sort-key
// peers (always the case with no ordering channels).
func (w *Window) compareRows(a, b rowRef) int {
	for k, ch := range w.factory.orderingChannels {
		cmp := helpers.CompareValues(
			w.batches[a.batch].Column(ch), int(a.pos),
			w.batches[b.batch].Column(ch), int(b.pos),
		)
		if cmp != 0 {
			if !w.factory.ascending[k] {
				cmp = -cmp
			}
			return cmp
		}
	}
	return 0
}

// produceNext materializes the next output batch, resetting the window
// functions at partition starts. Function state deliberately carries across
// output batch boundaries inside one partition.
func (w *Window) produceNext() (arrow.Record, error) {
	if w.partIdx >= len(w.partitions) {
		w.state = windowDone
		return nil, nil
	}

	outChannels := w.factory.outputChannels
	builders := make([]array.Builder, 0, len(outChannels)+len(w.functions))
	for _, ch := range outChannels {
		builders = append(builders, array.NewBuilder(w.ctx.Alloc, w.factory.schema.Field(ch).Type))
	}
	for _, fn := range w.functions {
		builders = append(builders, array.NewBuilder(w.ctx.Alloc, fn.OutputType()))
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	rows := 0
	for rows < w.factory.maxOutputRows && w.partIdx < len(w.partitions) {
		part := w.partitions[w.partIdx]
		if w.rowIdx == 0 {
			for _, fn := range w.functions {
				fn.Reset()
			}
		}

		ref := part.rows[w.rowIdx]
		newPeer := w.rowIdx == 0 || w.compareRows(part.rows[w.rowIdx-1], ref) != 0
		batch := w.batches[ref.batch]

		for i, ch := range outChannels {
			helpers.AppendValue(builders[i], batch.Column(ch), int(ref.pos))
		}
		for i, fn := range w.functions {
			if err := fn.Evaluate(batch, int(ref.pos), newPeer, builders[len(outChannels)+i]); err != nil {
				return nil, fmt.Errorf("window %s: evaluate %s: %w", w.factory.operatorID, fn.Name(), err)
			}
		}

		rows++
		w.rowIdx++
		if w.rowIdx >= len(part.rows) {
			w.partIdx++
			w.rowIdx = 0
		}
	}

	if rows == 0 {
		w.state = windowDone
		return nil, nil
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}
	out := array.NewRecord(w.outputSchema, arrays, int64(rows))
	for _, a := range arrays {
		a.Release()
	}

	if w.partIdx >= len(w.partitions) {
		w.state = windowDone
	}
	return out, nil
}
