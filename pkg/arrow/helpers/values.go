package helpers

import (
	"bytes"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// AppendValue copies the value at src[row] into the builder. The builder must
// have been created for the source array's type. Unsupported types append null.
func AppendValue(bldr array.Builder, src arrow.Array, row int) {
	if src.IsNull(row) {
		bldr.AppendNull()
		return
	}
	switch b := bldr.(type) {
	case *array.Int8Builder:
		b.Append(src.(*array.Int8).Value(row))
	case *array.Int16Builder:
		b.Append(src.(*array.Int16).Value(row))
	case *array.Int32Builder:
		b.Append(src.(*array.Int32).Value(row))
	case *array.Int64Builder:
		b.Append(src.(*array.Int64).Value(row))
	case *array.Float32Builder:
		b.Append(src.(*array.Float32).Value(row))
	case *array.Float64Builder:
		b.Append(src.(*array.Float64).Value(row))
	case *array.StringBuilder:
		b.Append(src.(*array.String).Value(row))
	case *array.BooleanBuilder:
		b.Append(src.(*array.Boolean).Value(row))
	case *array.TimestampBuilder:
		b.Append(src.(*array.Timestamp).Value(row))
	default:
		bldr.AppendNull()
	}
}

// CompareValues orders the value at a[i] against the value at b[j].
// It returns a negative number, zero, or a positive number as a[i] is less
// than, equal to, or greater than b[j]. Nulls sort before non-nulls.
// Both arrays must share the same type; mixing types panics, which is why
// callers validate channel indices against a fixed schema up front.
func CompareValues(a arrow.Array, i int, b arrow.Array, j int) int {
	aNull, bNull := a.IsNull(i), b.IsNull(j)
	switch {
	case aNull && bNull:
		return 0
	case aNull:
		return -1
	case bNull:
		return 1
	}

	switch av := a.(type) {
	case *array.Int8:
		return compareOrdered(av.Value(i), b.(*array.Int8).Value(j))
	case *array.Int16:
		return compareOrdered(av.Value(i), b.(*array.Int16).Value(j))
	case *array.Int32:
		return compareOrdered(av.Value(i), b.(*array.Int32).Value(j))
	case *array.Int64:
		return compareOrdered(av.Value(i), b.(*array.Int64).Value(j))
	case *array.Float32:
		return compareOrdered(av.Value(i), b.(*array.Float32).Value(j))
	case *array.Float64:
		return compareOrdered(av.Value(i), b.(*array.Float64).Value(j))
	case *array.String:
		return bytes.Compare([]byte(av.Value(i)), []byte(b.(*array.String).Value(j)))
	case *array.Boolean:
		return compareBool(av.Value(i), b.(*array.Boolean).Value(j))
	case *array.Timestamp:
		return compareOrdered(av.Value(i), b.(*array.Timestamp).Value(j))
	default:
		panic(fmt.Sprintf("helpers: unsupported comparison type %s", a.DataType()))
	}
}

func compareOrdered[T int8 | int16 | int32 | int64 | float32 | float64 | arrow.Timestamp](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

func compareBool(x, y bool) int {
	switch {
	case x == y:
		return 0
	case y:
		return -1
	default:
		return 1
	}
}

// FormatValue renders a single array value as a display string.
func FormatValue(arr arrow.Array, row int) string {
	if arr.IsNull(row) {
		return "NULL"
	}
	switch a := arr.(type) {
	case *array.Int8:
		return fmt.Sprintf("%d", a.Value(row))
	case *array.Int16:
		return fmt.Sprintf("%d", a.Value(row))
	case *array.Int32:
		return fmt.Sprintf("%d", a.Value(row))
	case *array.Int64:
		return fmt.Sprintf("%d", a.Value(row))
	case *array.Float32:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.Float64:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.String:
		return a.Value(row)
	case *array.Boolean:
		if a.Value(row) {
			return "true"
		}
		return "false"
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(row).ToTime(unit).UTC().Format(time.RFC3339Nano)
	default:
		return "?"
	}
}
