package operators

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	helpers "github.com/sandboxws/cyclotron/pkg/arrow/helpers"
	"github.com/sandboxws/cyclotron/pkg/expr"
	"github.com/sandboxws/cyclotron/pkg/operator"
)

// Filter evaluates a SQL condition against each batch and keeps only
// matching rows. It is stateless between batches: one input yields at most
// one pending output.
type Filter struct {
	conditionSQL string
	eval         *expr.Evaluator
	ctx          *operator.Context

	pending   arrow.Record
	finishing bool
	done      bool
}

// NewFilter creates a Filter operator with the given SQL condition.
func NewFilter(conditionSQL string) *Filter {
	return &Filter{conditionSQL: conditionSQL}
}

func (f *Filter) Open(ctx *operator.Context) error {
	f.eval = expr.NewEvaluator(ctx.Alloc)
	f.ctx = ctx
	return nil
}

func (f *Filter) NeedsMoreInput() bool {
	return !f.finishing && f.pending == nil
}

func (f *Filter) AddInput(batch arrow.Record) error {
	if !f.NeedsMoreInput() {
		return fmt.Errorf("filter: add input: %w", operator.ErrInvalidState)
	}

	mask, err := f.eval.EvalBool(f.ctx.Ctx, batch, f.conditionSQL)
	if err != nil {
		return err
	}
	defer mask.Release()

	result, err := helpers.Filter(f.ctx.Ctx, batch, mask)
	if err != nil {
		return err
	}
	if result.NumRows() == 0 {
		result.Release()
		return nil
	}

	f.pending = result
	f.ctx.Metrics.BatchesProcessed.Add(1)
	f.ctx.Metrics.RowsProcessed.Add(batch.NumRows())
	return nil
}

func (f *Filter) Finish() error {
	f.finishing = true
	return nil
}

func (f *Filter) GetOutput() (arrow.Record, error) {
	out := f.pending
	f.pending = nil
	if out == nil && f.finishing {
		f.done = true
	}
	return out, nil
}

func (f *Filter) IsFinished() bool { return f.done }

func (f *Filter) Close() error {
	if f.pending != nil {
		f.pending.Release()
		f.pending = nil
	}
	f.done = true
	return nil
}
