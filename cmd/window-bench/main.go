// Command window-bench drives the window operator directly, without the
// plan layer, and reports sustained throughput.
//
// Pipeline: Generator → Window(row_number over campaign, ordered by ts)
// → discard
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"

	"github.com/sandboxws/cyclotron/pkg/connectors"
	"github.com/sandboxws/cyclotron/pkg/engine"
	"github.com/sandboxws/cyclotron/pkg/operator"
	"github.com/sandboxws/cyclotron/pkg/operators"
	"github.com/sandboxws/cyclotron/pkg/task"
	"github.com/sandboxws/cyclotron/pkg/window"
)

// discard counts rows and drops batches on the floor.
type discard struct {
	rows atomic.Int64
}

func (d *discard) Open(_ *operator.Context) error { return nil }

func (d *discard) WriteBatch(batch arrow.Record) error {
	d.rows.Add(batch.NumRows())
	return nil
}

func (d *discard) Close() error { return nil }

func main() {
	var (
		numBatches   = flag.Int("batches", 1000, "number of input batches")
		rowsPerBatch = flag.Int("rows", 4096, "rows per input batch")
		maxMemory    = flag.String("max-memory", "1GiB", "task memory ceiling")
		seed         = flag.Int64("seed", 42, "generator seed")
	)
	flag.Parse()

	limit, err := humanize.ParseBytes(*maxMemory)
	if err != nil {
		slog.Error("invalid -max-memory", "value", *maxMemory, "error", err)
		os.Exit(1)
	}

	alloc := memory.DefaultAllocator

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "campaign", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	taskCtx := task.NewContext("window-bench", int64(limit))
	pipeline := taskCtx.NewPipelineContext()
	defer pipeline.Close()

	source := connectors.NewGenerator(schema, *numBatches, *rowsPerBatch, *seed)
	srcCtx := operator.NewContext(ctx, alloc, pipeline, "gen", "generator")
	if err := source.Open(srcCtx); err != nil {
		slog.Error("open generator failed", "error", err)
		os.Exit(1)
	}
	defer source.Close()

	factory, err := operators.NewWindowOperatorFactory(
		"win", schema, nil,
		[]window.Factory{window.NewRowNumber},
		[]int{0},      // partition by campaign
		[]int{2},      // order by ts
		[]bool{true},
		*rowsPerBatch,
	)
	if err != nil {
		slog.Error("build window factory failed", "error", err)
		os.Exit(1)
	}

	winCtx := operator.NewContext(ctx, alloc, pipeline, "win", "window")
	win, err := factory.CreateOperator(winCtx)
	if err != nil {
		slog.Error("open window failed", "error", err)
		os.Exit(1)
	}
	defer win.Close()

	sink := &discard{}

	// Throughput reporter.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var last int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur := sink.rows.Load()
				delta := cur - last
				last = cur
				slog.Info("throughput", "rows/sec", delta, "total", cur,
					"reserved", taskCtx.ReservedBytes())
			}
		}
	}()

	slog.Info("starting window benchmark",
		"batches", *numBatches, "rows_per_batch", *rowsPerBatch, "max_memory", limit)

	start := time.Now()
	driver := engine.NewDriver(slog.Default(), source, []operator.Operator{win}, sink)
	if err := driver.Run(ctx); err != nil {
		slog.Error("benchmark failed", "error", err)
		os.Exit(1)
	}

	elapsed := time.Since(start)
	total := sink.rows.Load()
	slog.Info("benchmark finished",
		"rows", total,
		"elapsed", elapsed,
		"rows_per_sec", int64(float64(total)/elapsed.Seconds()),
	)
}
