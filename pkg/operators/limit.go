package operators

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/cyclotron/pkg/operator"
)

// Limit passes through at most n rows and finishes early once the limit is
// reached, letting the driver stop pulling from upstream.
type Limit struct {
	limit int64
	seen  int64
	ctx   *operator.Context

	pending   arrow.Record
	finishing bool
	done      bool
}

// NewLimit creates a Limit operator keeping the first n rows.
func NewLimit(n int64) *Limit {
	return &Limit{limit: n}
}

func (l *Limit) Open(ctx *operator.Context) error {
	l.ctx = ctx
	return nil
}

func (l *Limit) NeedsMoreInput() bool {
	return !l.finishing && l.pending == nil && l.seen < l.limit
}

func (l *Limit) AddInput(batch arrow.Record) error {
	if !l.NeedsMoreInput() {
		return fmt.Errorf("limit: add input: %w", operator.ErrInvalidState)
	}

	remaining := l.limit - l.seen
	if batch.NumRows() <= remaining {
		batch.Retain()
		l.pending = batch
		l.seen += batch.NumRows()
	} else {
		l.pending = batch.NewSlice(0, remaining)
		l.seen = l.limit
	}

	l.ctx.Metrics.BatchesProcessed.Add(1)
	l.ctx.Metrics.RowsProcessed.Add(l.pending.NumRows())
	return nil
}

func (l *Limit) Finish() error {
	l.finishing = true
	return nil
}

func (l *Limit) GetOutput() (arrow.Record, error) {
	out := l.pending
	l.pending = nil
	if out == nil && (l.finishing || l.seen >= l.limit) {
		l.done = true
	}
	return out, nil
}

func (l *Limit) IsFinished() bool { return l.done }

func (l *Limit) Close() error {
	if l.pending != nil {
		l.pending.Release()
		l.pending = nil
	}
	l.done = true
	return nil
}
