package operators

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/cyclotron/pkg/expr"
	"github.com/sandboxws/cyclotron/pkg/operator"
)

// Project evaluates column-level SQL expressions to produce a new batch.
// Each entry in columns maps output_name → SQL expression. Output columns
// are ordered by name for determinism.
type Project struct {
	columns map[string]string
	names   []string
	eval    *expr.Evaluator
	ctx     *operator.Context

	pending   arrow.Record
	finishing bool
	done      bool
}

// NewProject creates a Project operator.
func NewProject(columns map[string]string) *Project {
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Project{columns: columns, names: names}
}

func (p *Project) Open(ctx *operator.Context) error {
	p.eval = expr.NewEvaluator(ctx.Alloc)
	p.ctx = ctx
	return nil
}

func (p *Project) NeedsMoreInput() bool {
	return !p.finishing && p.pending == nil
}

func (p *Project) AddInput(batch arrow.Record) error {
	if !p.NeedsMoreInput() {
		return fmt.Errorf("project: add input: %w", operator.ErrInvalidState)
	}

	fields := make([]arrow.Field, 0, len(p.names))
	arrays := make([]arrow.Array, 0, len(p.names))
	for _, name := range p.names {
		arr, err := p.eval.Eval(p.ctx.Ctx, batch, p.columns[name])
		if err != nil {
			for _, a := range arrays {
				a.Release()
			}
			return fmt.Errorf("project %q: %w", name, err)
		}
		fields = append(fields, arrow.Field{Name: name, Type: arr.DataType()})
		arrays = append(arrays, arr)
	}

	schema := arrow.NewSchema(fields, nil)
	p.pending = array.NewRecord(schema, arrays, batch.NumRows())
	for _, a := range arrays {
		a.Release()
	}

	p.ctx.Metrics.BatchesProcessed.Add(1)
	p.ctx.Metrics.RowsProcessed.Add(batch.NumRows())
	return nil
}

func (p *Project) Finish() error {
	p.finishing = true
	return nil
}

func (p *Project) GetOutput() (arrow.Record, error) {
	out := p.pending
	p.pending = nil
	if out == nil && p.finishing {
		p.done = true
	}
	return out, nil
}

func (p *Project) IsFinished() bool { return p.done }

func (p *Project) Close() error {
	if p.pending != nil {
		p.pending.Release()
		p.pending = nil
	}
	p.done = true
	return nil
}
