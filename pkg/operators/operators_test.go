package operators

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/cyclotron/pkg/operator"
	"github.com/sandboxws/cyclotron/pkg/task"
)

// ── Test helpers ────────────────────────────────────────────────────

func newCtx(alloc memory.Allocator) *operator.Context {
	pipeline := task.NewContext("test-task", 0).NewPipelineContext()
	return operator.NewContext(context.Background(), alloc, pipeline, "test-op", "test")
}

func newLimitedCtx(alloc memory.Allocator, maxMemory int64) *operator.Context {
	pipeline := task.NewContext("test-task", maxMemory).NewPipelineContext()
	return operator.NewContext(context.Background(), alloc, pipeline, "test-op", "test")
}

func makeBatch(alloc memory.Allocator, names []string, arrays []arrow.Array) arrow.Record {
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrays[i].DataType()}
	}
	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, arrays, int64(arrays[0].Len()))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

func makeInt64Arr(alloc memory.Allocator, vals []int64) arrow.Array {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

func makeStringArr(alloc memory.Allocator, vals []string) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	for _, v := range vals {
		bldr.Append(v)
	}
	return bldr.NewArray()
}

func makeFloat64Arr(alloc memory.Allocator, vals []float64) arrow.Array {
	bldr := array.NewFloat64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

// runOperator pushes the batches through op and collects every output.
func runOperator(t *testing.T, op operator.Operator, batches ...arrow.Record) []arrow.Record {
	t.Helper()

	var outputs []arrow.Record
	drain := func() {
		for {
			out, err := op.GetOutput()
			if err != nil {
				t.Fatal(err)
			}
			if out == nil {
				return
			}
			outputs = append(outputs, out)
		}
	}

	for _, batch := range batches {
		if !op.NeedsMoreInput() {
			drain()
		}
		if err := op.AddInput(batch); err != nil {
			t.Fatal(err)
		}
	}
	if err := op.Finish(); err != nil {
		t.Fatal(err)
	}
	for !op.IsFinished() {
		out, err := op.GetOutput()
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			outputs = append(outputs, out)
		}
	}
	return outputs
}

// ── Filter tests ────────────────────────────────────────────────────

func TestFilter(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"amount", "country"},
		[]arrow.Array{
			makeInt64Arr(alloc, []int64{50, 150, 100, 200}),
			makeStringArr(alloc, []string{"US", "UK", "US", "CA"}),
		})
	defer batch.Release()

	f := NewFilter("amount > 100")
	if err := f.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	outputs := runOperator(t, f, batch)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output batch, got %d", len(outputs))
	}
	defer outputs[0].Release()

	if outputs[0].NumRows() != 2 {
		t.Fatalf("expected 2 rows, got %d", outputs[0].NumRows())
	}
	amounts := outputs[0].Column(0).(*array.Int64)
	if amounts.Value(0) != 150 || amounts.Value(1) != 200 {
		t.Errorf("unexpected amounts: %v, %v", amounts.Value(0), amounts.Value(1))
	}
}

func TestFilterNoMatches(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"x"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{1, 2, 3})})
	defer batch.Release()

	f := NewFilter("x > 100")
	if err := f.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	outputs := runOperator(t, f, batch)
	if len(outputs) != 0 {
		for _, r := range outputs {
			r.Release()
		}
		t.Fatalf("expected 0 output batches, got %d", len(outputs))
	}
}

func TestFilterRejectsInputWhenPending(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"x"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{1, 2, 3})})
	defer batch.Release()

	f := NewFilter("x >= 1")
	if err := f.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := f.AddInput(batch); err != nil {
		t.Fatal(err)
	}
	if f.NeedsMoreInput() {
		t.Fatal("filter with pending output should not accept input")
	}
	if err := f.AddInput(batch); !errors.Is(err, operator.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	out, err := f.GetOutput()
	if err != nil {
		t.Fatal(err)
	}
	out.Release()
}

// ── Project tests ───────────────────────────────────────────────────

func TestProject(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"price", "name"},
		[]arrow.Array{
			makeInt64Arr(alloc, []int64{10, 20, 30}),
			makeStringArr(alloc, []string{"a", "b", "c"}),
		})
	defer batch.Release()

	p := NewProject(map[string]string{
		"double_price": "price * 2",
		"upper_name":   "UPPER(name)",
	})
	if err := p.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	outputs := runOperator(t, p, batch)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	defer outputs[0].Release()

	if outputs[0].NumCols() != 2 {
		t.Fatalf("expected 2 columns, got %d", outputs[0].NumCols())
	}
	if outputs[0].NumRows() != 3 {
		t.Fatalf("expected 3 rows, got %d", outputs[0].NumRows())
	}

	// Column names are sorted alphabetically.
	schema := outputs[0].Schema()
	if schema.Field(0).Name != "double_price" {
		t.Errorf("expected first col 'double_price', got %q", schema.Field(0).Name)
	}
	if schema.Field(1).Name != "upper_name" {
		t.Errorf("expected second col 'upper_name', got %q", schema.Field(1).Name)
	}

	prices := outputs[0].Column(0).(*array.Int64)
	if prices.Value(0) != 20 || prices.Value(1) != 40 || prices.Value(2) != 60 {
		t.Errorf("unexpected prices: %v, %v, %v", prices.Value(0), prices.Value(1), prices.Value(2))
	}

	names := outputs[0].Column(1).(*array.String)
	if names.Value(0) != "A" || names.Value(1) != "B" || names.Value(2) != "C" {
		t.Errorf("unexpected names: %q, %q, %q", names.Value(0), names.Value(1), names.Value(2))
	}
}

// ── Limit tests ─────────────────────────────────────────────────────

func TestLimitTruncatesBatch(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"x"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{1, 2, 3, 4, 5})})
	defer batch.Release()

	l := NewLimit(3)
	if err := l.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	outputs := runOperator(t, l, batch)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	defer outputs[0].Release()

	if outputs[0].NumRows() != 3 {
		t.Fatalf("expected 3 rows, got %d", outputs[0].NumRows())
	}
}

func TestLimitFinishesEarly(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	first := makeBatch(alloc, []string{"x"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{1, 2})})
	defer first.Release()

	l := NewLimit(2)
	if err := l.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.AddInput(first); err != nil {
		t.Fatal(err)
	}
	out, err := l.GetOutput()
	if err != nil {
		t.Fatal(err)
	}
	out.Release()

	// Limit reached without Finish: the operator refuses more input and
	// reports finished so the driver stops pulling upstream.
	if l.NeedsMoreInput() {
		t.Fatal("limit at capacity should not accept input")
	}
	if out, err := l.GetOutput(); err != nil || out != nil {
		t.Fatalf("expected no further output, got %v, %v", out, err)
	}
	if !l.IsFinished() {
		t.Fatal("limit should be finished after reaching its row count")
	}
}

func TestLimitAcrossBatches(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	a := makeBatch(alloc, []string{"x"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{1, 2, 3})})
	defer a.Release()
	b := makeBatch(alloc, []string{"x"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{4, 5, 6})})
	defer b.Release()

	l := NewLimit(5)
	if err := l.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	outputs := runOperator(t, l, a, b)
	var total int64
	for _, out := range outputs {
		total += out.NumRows()
		out.Release()
	}
	if total != 5 {
		t.Fatalf("expected 5 rows total, got %d", total)
	}
}

// ── Varied batch size tests ─────────────────────────────────────────

func TestFilterVariedSizes(t *testing.T) {
	sizes := []int{1, 100, 4096, 8192}

	for _, size := range sizes {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)

		vals := make([]int64, size)
		for i := range vals {
			vals[i] = int64(i)
		}
		batch := makeBatch(alloc, []string{"x"},
			[]arrow.Array{makeInt64Arr(alloc, vals)})

		f := NewFilter("x >= 0")
		if err := f.Open(newCtx(alloc)); err != nil {
			batch.Release()
			t.Fatal(err)
		}

		outputs := runOperator(t, f, batch)
		if len(outputs) != 1 || outputs[0].NumRows() != int64(size) {
			t.Errorf("size=%d: expected %d rows, got %d", size, size, outputs[0].NumRows())
		}
		for _, r := range outputs {
			r.Release()
		}
		batch.Release()
		f.Close()
		alloc.AssertSize(t, 0)
	}
}

// Cancelling the bound context stops expression evaluation inside the
// operator rather than letting the batch through.
func TestFilterObservesCancellation(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"x"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{1, 2, 3})})
	defer batch.Release()

	ctx, cancel := context.WithCancel(context.Background())
	pipeline := task.NewContext("test-task", 0).NewPipelineContext()
	opCtx := operator.NewContext(ctx, alloc, pipeline, "test-op", "test")

	f := NewFilter("x > 1")
	if err := f.Open(opCtx); err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	cancel()
	if err := f.AddInput(batch); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProjectObservesCancellation(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"x"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{1, 2, 3})})
	defer batch.Release()

	ctx, cancel := context.WithCancel(context.Background())
	pipeline := task.NewContext("test-task", 0).NewPipelineContext()
	opCtx := operator.NewContext(ctx, alloc, pipeline, "test-op", "test")

	p := NewProject(map[string]string{"y": "x * 2"})
	if err := p.Open(opCtx); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	cancel()
	if err := p.AddInput(batch); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
