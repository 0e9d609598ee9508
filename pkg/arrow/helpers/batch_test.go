package helpers

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func makeBatch(t *testing.T, alloc memory.Allocator) arrow.Record {
	t.Helper()
	ib := array.NewInt64Builder(alloc)
	ib.AppendValues([]int64{1, 2, 3, 4}, nil)
	ints := ib.NewArray()
	ib.Release()
	sb := array.NewStringBuilder(alloc)
	sb.AppendValues([]string{"a", "b", "c", "d"}, nil)
	strs := sb.NewArray()
	sb.Release()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "tag", Type: arrow.BinaryTypes.String},
	}, nil)
	rec := array.NewRecord(schema, []arrow.Array{ints, strs}, 4)
	ints.Release()
	strs.Release()
	return rec
}

// Plain arrays carry a nil dictionary behind a non-nil interface value;
// sizing them must not follow it.
func TestRetainedSizePlainArrays(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	rec := makeBatch(t, alloc)
	defer rec.Release()

	if got := RetainedSize(rec); got <= 0 {
		t.Fatalf("expected positive retained size, got %d", got)
	}
}

func TestRetainedSizeCountsDictionaryValues(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	dictType := &arrow.DictionaryType{
		IndexType: arrow.PrimitiveTypes.Int32,
		ValueType: arrow.BinaryTypes.String,
	}
	db := array.NewDictionaryBuilder(alloc, dictType).(*array.BinaryDictionaryBuilder)
	for _, s := range []string{"red", "green", "red", "blue"} {
		if err := db.AppendString(s); err != nil {
			t.Fatal(err)
		}
	}
	arr := db.NewArray()
	db.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: "color", Type: dictType}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{arr}, 4)
	arr.Release()
	defer rec.Release()

	var indicesOnly int64
	for _, buf := range rec.Column(0).Data().Buffers() {
		if buf != nil {
			indicesOnly += int64(buf.Len())
		}
	}
	if got := RetainedSize(rec); got <= indicesOnly {
		t.Fatalf("retained size %d does not include dictionary values (indices alone are %d)", got, indicesOnly)
	}
}

func TestProjectIndicesReorders(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	rec := makeBatch(t, alloc)
	defer rec.Release()

	out, err := ProjectIndices(rec, []int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()

	if out.Schema().Field(0).Name != "tag" || out.Schema().Field(1).Name != "id" {
		t.Fatalf("unexpected projected schema: %v", out.Schema())
	}
	if _, err := ProjectIndices(rec, []int{5}); err == nil {
		t.Fatal("expected out-of-range index to fail")
	}
}
