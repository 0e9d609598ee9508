//go:build duckdb

package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	goduckdb "github.com/marcboeker/go-duckdb"

	"github.com/sandboxws/cyclotron/pkg/arrow/helpers"
	"github.com/sandboxws/cyclotron/pkg/operator"
)

// Instance manages an isolated DuckDB database used as a batch-at-rest
// table store.
type Instance struct {
	db          *sql.DB
	conn        *sql.Conn
	alloc       memory.Allocator
	releaseView func()
}

// NewInstance opens a DuckDB database. An empty path opens an in-memory
// database. memoryLimit of 0 uses the default (256MB).
func NewInstance(alloc memory.Allocator, path string, memoryLimit int64) (*Instance, error) {
	if memoryLimit == 0 {
		memoryLimit = 256 * 1024 * 1024
	}

	connector, err := goduckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("duckdb: create connector: %w", err)
	}

	db := sql.OpenDB(connector)

	conn, err := db.Conn(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: get connection: %w", err)
	}

	limitMB := memoryLimit / (1024 * 1024)
	if limitMB < 1 {
		limitMB = 1
	}
	if _, err := conn.ExecContext(context.Background(), fmt.Sprintf("SET memory_limit='%dMB'", limitMB)); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("duckdb: set memory_limit: %w", err)
	}

	return &Instance{db: db, conn: conn, alloc: alloc}, nil
}

// Close destroys the DuckDB instance and releases all memory.
func (inst *Instance) Close() error {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}
	if inst.conn != nil {
		inst.conn.Close()
	}
	if inst.db != nil {
		return inst.db.Close()
	}
	return nil
}

// RegisterView registers an Arrow RecordBatch as a DuckDB view with the
// given name, enabling zero-copy transfer from Arrow to DuckDB.
func (inst *Instance) RegisterView(batch arrow.Record, name string) error {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}

	return inst.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}

		recRdr, err := array.NewRecordReader(batch.Schema(), []arrow.Record{batch})
		if err != nil {
			return fmt.Errorf("duckdb: create record reader: %w", err)
		}

		release, err := arrowConn.RegisterView(recRdr, name)
		if err != nil {
			return fmt.Errorf("duckdb: register view: %w", err)
		}
		inst.releaseView = release
		return nil
	})
}

// Query executes a SQL query and returns the result as a single Arrow
// RecordBatch.
func (inst *Instance) Query(querySQL string) (arrow.Record, error) {
	var result arrow.Record
	err := inst.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}

		rdr, err := arrowConn.QueryContext(context.Background(), querySQL)
		if err != nil {
			return fmt.Errorf("duckdb: query: %w", err)
		}
		defer rdr.Release()

		var records []arrow.Record
		for rdr.Next() {
			rec := rdr.Record()
			rec.Retain()
			records = append(records, rec)
		}
		if rdr.Err() != nil {
			for _, r := range records {
				r.Release()
			}
			return fmt.Errorf("duckdb: read results: %w", rdr.Err())
		}

		if len(records) == 0 {
			result = array.NewRecord(rdr.Schema(), nil, 0)
			return nil
		}

		if len(records) == 1 {
			result = records[0]
			return nil
		}

		result, err = concatenateRecords(inst.alloc, records)
		for _, r := range records {
			r.Release()
		}
		return err
	})

	return result, err
}

// concatenateRecords merges multiple records into one.
func concatenateRecords(alloc memory.Allocator, records []arrow.Record) (arrow.Record, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to concatenate")
	}

	schema := records[0].Schema()
	numCols := int(records[0].NumCols())

	var totalRows int64
	for _, r := range records {
		totalRows += r.NumRows()
	}

	builders := make([]array.Builder, numCols)
	for i := 0; i < numCols; i++ {
		builders[i] = array.NewBuilder(alloc, schema.Field(i).Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, rec := range records {
		for col := 0; col < numCols; col++ {
			arr := rec.Column(col)
			for row := 0; row < int(rec.NumRows()); row++ {
				helpers.AppendValue(builders[col], arr, row)
			}
		}
	}

	arrays := make([]arrow.Array, numCols)
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}

	result := array.NewRecord(schema, arrays, totalRows)
	for _, a := range arrays {
		a.Release()
	}
	return result, nil
}

// TableSource runs a query against a DuckDB database and yields the
// result set as a sequence of fixed-size batches.
type TableSource struct {
	path         string
	query        string
	rowsPerBatch int

	inst   *Instance
	result arrow.Record
	offset int64
}

// NewTableSource creates a DuckDB-backed source. An empty path opens an
// in-memory database; rowsPerBatch <= 0 uses a default.
func NewTableSource(path, query string, rowsPerBatch int) *TableSource {
	if rowsPerBatch <= 0 {
		rowsPerBatch = 1024
	}
	return &TableSource{path: path, query: query, rowsPerBatch: rowsPerBatch}
}

func (t *TableSource) Open(ctx *operator.Context) error {
	inst, err := NewInstance(ctx.Alloc, t.path, 0)
	if err != nil {
		return err
	}
	result, err := inst.Query(t.query)
	if err != nil {
		inst.Close()
		return err
	}
	t.inst = inst
	t.result = result
	return nil
}

func (t *TableSource) Next() (arrow.Record, error) {
	if t.result == nil || t.offset >= t.result.NumRows() {
		return nil, nil
	}
	n := int64(t.rowsPerBatch)
	if t.offset+n > t.result.NumRows() {
		n = t.result.NumRows() - t.offset
	}
	slice := t.result.NewSlice(t.offset, t.offset+n)
	t.offset += n
	return slice, nil
}

func (t *TableSource) Close() error {
	if t.result != nil {
		t.result.Release()
		t.result = nil
	}
	if t.inst != nil {
		return t.inst.Close()
	}
	return nil
}
