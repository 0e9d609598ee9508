// Package task implements hierarchical memory accounting for execution tasks.
//
// A task owns one hard memory ceiling shared by every pipeline and operator
// running under it. Reservations propagate to the task root atomically, so
// sibling pipeline drivers on different goroutines contend for the same
// budget. A reservation that would cross the ceiling fails immediately; it
// is never queued, retried, or partially granted.
package task

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/sandboxws/cyclotron/pkg/metrics"
)

// MemoryLimitError reports a reservation that would have exceeded the task's
// configured memory ceiling. It is fatal to the owning task.
type MemoryLimitError struct {
	Limit int64
}

func (e *MemoryLimitError) Error() string {
	return fmt.Sprintf("Task exceeded max memory size of %s", humanize.IBytes(uint64(e.Limit)))
}

// Context is the root of the memory-accounting hierarchy for one task.
type Context struct {
	id        string
	maxMemory int64 // <= 0 means unlimited
	reserved  atomic.Int64
}

// NewContext creates a task context with the given memory ceiling in bytes.
// A non-positive ceiling disables the limit.
func NewContext(id string, maxMemory int64) *Context {
	return &Context{id: id, maxMemory: maxMemory}
}

// ID returns the task identifier used in diagnostics.
func (c *Context) ID() string { return c.id }

// MaxMemory returns the configured ceiling in bytes.
func (c *Context) MaxMemory() int64 { return c.maxMemory }

// ReservedBytes returns the bytes currently reserved across the whole task.
func (c *Context) ReservedBytes() int64 { return c.reserved.Load() }

// ReserveBytes attempts to reserve n bytes against the task ceiling.
// It returns a *MemoryLimitError if the reservation would exceed the ceiling,
// leaving the reservation count untouched.
func (c *Context) ReserveBytes(n int64) error {
	for {
		cur := c.reserved.Load()
		next := cur + n
		if c.maxMemory > 0 && next > c.maxMemory {
			return &MemoryLimitError{Limit: c.maxMemory}
		}
		if c.reserved.CompareAndSwap(cur, next) {
			metrics.TaskReservedBytes.WithLabelValues(c.id).Set(float64(next))
			return nil
		}
	}
}

// FreeBytes releases n previously reserved bytes.
func (c *Context) FreeBytes(n int64) {
	next := c.reserved.Add(-n)
	metrics.TaskReservedBytes.WithLabelValues(c.id).Set(float64(next))
}

// NewPipelineContext creates a child context for one pipeline instance.
func (c *Context) NewPipelineContext() *PipelineContext {
	return &PipelineContext{task: c}
}

// PipelineContext scopes reservations to one pipeline instance so they can
// be released together when the pipeline is torn down.
type PipelineContext struct {
	task     *Context
	reserved atomic.Int64
}

// Task returns the owning task context.
func (p *PipelineContext) Task() *Context { return p.task }

// ReservedBytes returns the bytes currently reserved by this pipeline.
func (p *PipelineContext) ReservedBytes() int64 { return p.reserved.Load() }

// NewOperatorContext creates a child context for one operator instance.
func (p *PipelineContext) NewOperatorContext(operatorID string) *OperatorContext {
	return &OperatorContext{pipeline: p, operatorID: operatorID}
}

// Close releases any bytes the pipeline's operators have not freed themselves.
func (p *PipelineContext) Close() {
	if remaining := p.reserved.Swap(0); remaining > 0 {
		p.task.FreeBytes(remaining)
	}
}

// OperatorContext is the reservation handle passed to a single operator.
// Operators reserve through it on every buffered batch and Close it when
// they are discarded, guaranteeing the task gets its bytes back even on
// abort paths.
type OperatorContext struct {
	pipeline   *PipelineContext
	operatorID string
	reserved   atomic.Int64
	closed     atomic.Bool
}

// OperatorID returns the identifier used in diagnostics.
func (o *OperatorContext) OperatorID() string { return o.operatorID }

// ReservedBytes returns the bytes currently reserved by this operator.
func (o *OperatorContext) ReservedBytes() int64 { return o.reserved.Load() }

// ReserveBytes reserves n bytes against the task ceiling on behalf of this
// operator. On failure no accounting state changes anywhere in the hierarchy.
func (o *OperatorContext) ReserveBytes(n int64) error {
	if err := o.pipeline.task.ReserveBytes(n); err != nil {
		return err
	}
	o.pipeline.reserved.Add(n)
	o.reserved.Add(n)
	return nil
}

// FreeBytes releases n previously reserved bytes back to the task.
func (o *OperatorContext) FreeBytes(n int64) {
	o.reserved.Add(-n)
	o.pipeline.reserved.Add(-n)
	o.pipeline.task.FreeBytes(n)
}

// Close releases everything this operator still holds. Safe to call more
// than once.
func (o *OperatorContext) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	if remaining := o.reserved.Swap(0); remaining > 0 {
		o.pipeline.reserved.Add(-remaining)
		o.pipeline.task.FreeBytes(remaining)
	}
}
