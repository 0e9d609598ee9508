// Package engine builds pipelines from execution plans and drives them
// to completion. A pipeline is a linear chain: one source feeding a
// sequence of pull-based operators feeding one sink, advanced by a
// single driver goroutine.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sandboxws/cyclotron/pkg/operator"
)

// Driver advances one pipeline instance. All operator calls happen on
// the goroutine that calls Run, so operators never see concurrent use.
//
// The driver owns batch lifetimes between components: it releases every
// batch after handing it to the next stage, relying on operators to
// Retain what they keep.
type Driver struct {
	logger *slog.Logger
	source operator.Source
	ops    []operator.Operator
	sink   operator.Sink

	sourceDone bool
	finished   []bool
}

// NewDriver wires an already-opened source, operator chain, and sink
// into a runnable pipeline. The chain may be empty, in which case
// source batches flow straight to the sink.
func NewDriver(logger *slog.Logger, source operator.Source, ops []operator.Operator, sink operator.Sink) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		logger:   logger,
		source:   source,
		ops:      ops,
		sink:     sink,
		finished: make([]bool, len(ops)),
	}
}

// Run moves batches from the source through the chain into the sink
// until the pipeline drains or ctx is cancelled. Any error aborts the
// run; Close on the components still releases their buffered state.
func (d *Driver) Run(ctx context.Context) error {
	if len(d.ops) == 0 {
		return d.runDirect(ctx)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		progressed, err := d.step()
		if err != nil {
			return err
		}
		if d.ops[len(d.ops)-1].IsFinished() {
			return nil
		}
		if !progressed {
			// Nothing accepted input and nothing produced output. The
			// pull contract makes this unreachable for well-behaved
			// operators, so treat it as a bug rather than spinning.
			return fmt.Errorf("driver: pipeline stalled with no progress")
		}
	}
}

// step performs one sweep over the pipeline and reports whether any
// batch moved.
func (d *Driver) step() (bool, error) {
	progressed := false

	// Feed the head operator from the source.
	head := d.ops[0]
	if !d.sourceDone && head.NeedsMoreInput() {
		batch, err := d.source.Next()
		if err != nil {
			return false, fmt.Errorf("driver: source: %w", err)
		}
		if batch == nil {
			d.sourceDone = true
			if err := head.Finish(); err != nil {
				return false, err
			}
		} else {
			err := head.AddInput(batch)
			batch.Release()
			if err != nil {
				return false, err
			}
		}
		progressed = true
	}

	// Move output downstream, last operator first so a freed slot can
	// be refilled in the same sweep.
	for i := len(d.ops) - 1; i >= 0; i-- {
		op := d.ops[i]

		if i == len(d.ops)-1 {
			out, err := op.GetOutput()
			if err != nil {
				return false, err
			}
			if out != nil {
				err := d.sink.WriteBatch(out)
				out.Release()
				if err != nil {
					return false, fmt.Errorf("driver: sink: %w", err)
				}
				progressed = true
			}
			continue
		}

		next := d.ops[i+1]
		if next.NeedsMoreInput() {
			out, err := op.GetOutput()
			if err != nil {
				return false, err
			}
			if out != nil {
				err := next.AddInput(out)
				out.Release()
				if err != nil {
					return false, err
				}
				progressed = true
			}
		}
		if op.IsFinished() && !d.finished[i] {
			d.finished[i] = true
			if err := next.Finish(); err != nil {
				return false, err
			}
			progressed = true
		}
	}

	return progressed, nil
}

// runDirect handles the degenerate chain-less pipeline.
func (d *Driver) runDirect(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := d.source.Next()
		if err != nil {
			return fmt.Errorf("driver: source: %w", err)
		}
		if batch == nil {
			return nil
		}
		err = d.sink.WriteBatch(batch)
		batch.Release()
		if err != nil {
			return fmt.Errorf("driver: sink: %w", err)
		}
	}
}
