package expr

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// coerceTypes promotes two arrays to a common numeric type so binary
// compute kernels do not reject mixed int/float inputs. Non-numeric
// pairs are passed through unchanged and left to the kernel to accept
// or reject.
func coerceTypes(alloc memory.Allocator, left, right arrow.Array) (arrow.Array, arrow.Array, error) {
	lt, rt := left.DataType(), right.DataType()
	if arrow.TypeEqual(lt, rt) {
		left.Retain()
		right.Retain()
		return left, right, nil
	}

	target := promoteType(lt, rt)
	if target == nil {
		left.Retain()
		right.Retain()
		return left, right, nil
	}

	cl, err := castArray(alloc, left, target)
	if err != nil {
		return nil, nil, err
	}
	cr, err := castArray(alloc, right, target)
	if err != nil {
		cl.Release()
		return nil, nil, err
	}
	return cl, cr, nil
}

// typeRank orders numeric types by width so promotion always widens.
func typeRank(dt arrow.DataType) int {
	switch dt.ID() {
	case arrow.INT8:
		return 1
	case arrow.INT16:
		return 2
	case arrow.INT32:
		return 3
	case arrow.INT64:
		return 4
	case arrow.FLOAT32:
		return 5
	case arrow.FLOAT64:
		return 6
	default:
		return 0
	}
}

func rankToType(rank int) arrow.DataType {
	switch rank {
	case 1:
		return arrow.PrimitiveTypes.Int8
	case 2:
		return arrow.PrimitiveTypes.Int16
	case 3:
		return arrow.PrimitiveTypes.Int32
	case 4:
		return arrow.PrimitiveTypes.Int64
	case 5:
		return arrow.PrimitiveTypes.Float32
	case 6:
		return arrow.PrimitiveTypes.Float64
	default:
		return nil
	}
}

// promoteType returns the common type both sides should be cast to, or
// nil when either side is not numeric.
func promoteType(a, b arrow.DataType) arrow.DataType {
	ra, rb := typeRank(a), typeRank(b)
	if ra == 0 || rb == 0 {
		return nil
	}
	if ra >= rb {
		return rankToType(ra)
	}
	return rankToType(rb)
}

func castArray(alloc memory.Allocator, arr arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), target) {
		arr.Retain()
		return arr, nil
	}
	switch target.ID() {
	case arrow.INT64:
		return castToInt64(alloc, arr)
	case arrow.FLOAT64:
		return castToFloat64(alloc, arr)
	default:
		return nil, fmt.Errorf("cast %s to %s: unsupported target", arr.DataType(), target)
	}
}

func castToInt64(alloc memory.Allocator, arr arrow.Array) (arrow.Array, error) {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(intValue(arr, i))
	}
	return bldr.NewArray(), nil
}

func castToFloat64(alloc memory.Allocator, arr arrow.Array) (arrow.Array, error) {
	bldr := array.NewFloat64Builder(alloc)
	defer bldr.Release()
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(floatValue(arr, i))
	}
	return bldr.NewArray(), nil
}
