//go:build !duckdb

// Package duckdb provides DuckDB-backed table sources for cyclotron
// pipelines. When compiled without the "duckdb" build tag, all
// functions return errors directing users to rebuild with -tags duckdb.
package duckdb

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/cyclotron/pkg/operator"
)

// ErrDuckDBNotAvailable is returned when DuckDB functions are called
// without the duckdb build tag.
var ErrDuckDBNotAvailable = errors.New("DuckDB source requires building with -tags duckdb")

// Instance is a stub for DuckDB instance management.
type Instance struct{}

// NewInstance returns an error when DuckDB is not compiled in.
func NewInstance(_ memory.Allocator, _ string, _ int64) (*Instance, error) {
	return nil, ErrDuckDBNotAvailable
}

// Close is a no-op stub.
func (inst *Instance) Close() error { return nil }

// RegisterView is a stub.
func (inst *Instance) RegisterView(_ arrow.Record, _ string) error {
	return ErrDuckDBNotAvailable
}

// Query is a stub.
func (inst *Instance) Query(_ string) (arrow.Record, error) {
	return nil, ErrDuckDBNotAvailable
}

// TableSource is a stub source.
type TableSource struct{}

// NewTableSource returns a stub source whose Open fails.
func NewTableSource(_, _ string, _ int) *TableSource { return &TableSource{} }

func (t *TableSource) Open(_ *operator.Context) error    { return ErrDuckDBNotAvailable }
func (t *TableSource) Next() (arrow.Record, error)       { return nil, ErrDuckDBNotAvailable }
func (t *TableSource) Close() error                      { return nil }
