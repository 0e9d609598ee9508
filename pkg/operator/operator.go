// Package operator defines the pull-based Operator contract that all
// pipeline operators implement, plus the Source and Sink endpoint
// interfaces that feed and drain a pipeline.
package operator

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
)

// ErrInvalidState reports a use of an operator outside its lifecycle
// contract, such as feeding input after Finish. It is a programming error
// and is never retried.
var ErrInvalidState = errors.New("operator used in invalid state")

// Operator is the pull-based contract driven by a pipeline Driver.
//
// The lifecycle is: Open, then any interleaving of AddInput/GetOutput
// guarded by the state predicates, then Finish exactly once when upstream
// is exhausted, then GetOutput until IsFinished, then Close.
//
// Operators are not required to be internally thread-safe: a single driver
// goroutine owns all calls. Readiness is communicated through
// NeedsMoreInput/IsFinished rather than blocking calls.
type Operator interface {
	// Open binds the operator to its execution context. Called once.
	Open(ctx *Context) error

	// NeedsMoreInput reports whether the operator can accept another batch.
	NeedsMoreInput() bool

	// AddInput hands one batch to the operator. Valid only while
	// NeedsMoreInput returns true; otherwise it fails with ErrInvalidState.
	// Implementations MUST Retain any input data they hold beyond this call;
	// the caller releases the batch after it returns.
	AddInput(batch arrow.Record) error

	// Finish signals that no more input will arrive.
	Finish() error

	// GetOutput returns the next output batch, or (nil, nil) when no output
	// is ready. The caller is responsible for releasing returned batches.
	GetOutput() (arrow.Record, error)

	// IsFinished reports whether all output has been produced.
	IsFinished() bool

	// Close releases buffered data and memory reservations. Called once,
	// on both completion and abort paths.
	Close() error
}

// Factory builds operator instances, one per pipeline instance.
// Construction-time validation (schemas, channel indices) belongs to the
// factory constructor so malformed wiring fails before any input flows.
type Factory interface {
	CreateOperator(ctx *Context) (Operator, error)
}

// Source produces the batches that feed a pipeline.
type Source interface {
	// Open initializes the source.
	Open(ctx *Context) error

	// Next returns the next batch, or (nil, nil) once the source is
	// exhausted. The caller releases returned batches.
	Next() (arrow.Record, error)

	// Close releases resources.
	Close() error
}

// Sink consumes a pipeline's output batches.
type Sink interface {
	// Open initializes the sink.
	Open(ctx *Context) error

	// WriteBatch writes one batch to the external system.
	WriteBatch(batch arrow.Record) error

	// Close flushes and releases resources.
	Close() error
}
