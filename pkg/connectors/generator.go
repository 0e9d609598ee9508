// Package connectors implements source and sink connectors for
// cyclotron pipelines.
package connectors

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/cyclotron/pkg/operator"
)

const defaultBatchRows = 1024

// Generator produces synthetic Arrow RecordBatches on demand. It is
// deterministic for a fixed seed, which makes it usable both as a test
// source and as a benchmark driver.
type Generator struct {
	schema       *arrow.Schema
	numBatches   int
	rowsPerBatch int
	rng          *rand.Rand

	alloc   memory.Allocator
	ctx     *operator.Context
	emitted int
	seq     int64
}

// NewGenerator creates a Generator source. numBatches <= 0 means
// unbounded; rowsPerBatch <= 0 uses a default.
func NewGenerator(schema *arrow.Schema, numBatches, rowsPerBatch int, seed int64) *Generator {
	if rowsPerBatch <= 0 {
		rowsPerBatch = defaultBatchRows
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		schema:       schema,
		numBatches:   numBatches,
		rowsPerBatch: rowsPerBatch,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

func (g *Generator) Open(ctx *operator.Context) error {
	if g.schema == nil {
		return fmt.Errorf("generator: nil schema")
	}
	g.alloc = ctx.Alloc
	g.ctx = ctx
	return nil
}

// Next produces the next synthetic batch, or (nil, nil) once numBatches
// have been emitted or the execution context is cancelled.
func (g *Generator) Next() (arrow.Record, error) {
	select {
	case <-g.ctx.Done():
		return nil, nil
	default:
	}

	if g.numBatches > 0 && g.emitted >= g.numBatches {
		return nil, nil
	}

	batch := g.generateBatch(g.seq, g.rowsPerBatch)
	g.emitted++
	g.seq += int64(g.rowsPerBatch)
	g.ctx.Metrics.BatchesProcessed.Add(1)
	g.ctx.Metrics.RowsProcessed.Add(int64(g.rowsPerBatch))
	return batch, nil
}

func (g *Generator) Close() error { return nil }

func (g *Generator) generateBatch(startSeq int64, numRows int) arrow.Record {
	builders := make([]array.Builder, g.schema.NumFields())
	for i := 0; i < g.schema.NumFields(); i++ {
		builders[i] = array.NewBuilder(g.alloc, g.schema.Field(i).Type)
	}

	now := time.Now().UnixMilli()

	for row := 0; row < numRows; row++ {
		seq := startSeq + int64(row)
		for i := 0; i < g.schema.NumFields(); i++ {
			f := g.schema.Field(i)
			switch f.Type.ID() {
			case arrow.INT64:
				builders[i].(*array.Int64Builder).Append(g.rng.Int63n(1_000_000))
			case arrow.INT32:
				builders[i].(*array.Int32Builder).Append(g.rng.Int31n(1_000_000))
			case arrow.FLOAT64:
				builders[i].(*array.Float64Builder).Append(g.rng.Float64() * 1000)
			case arrow.STRING:
				builders[i].(*array.StringBuilder).Append(fmt.Sprintf("%s_%d", f.Name, seq))
			case arrow.BOOL:
				builders[i].(*array.BooleanBuilder).Append(seq%2 == 0)
			case arrow.TIMESTAMP:
				builders[i].(*array.TimestampBuilder).Append(arrow.Timestamp(now + seq))
			default:
				builders[i].AppendNull()
			}
		}
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
		b.Release()
	}

	rec := array.NewRecord(g.schema, arrays, int64(numRows))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}
