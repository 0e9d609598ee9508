// Package plan defines the JSON execution plan format and its mapping
// to Arrow schemas. A plan describes a single linear pipeline: one
// source, a chain of operators, and one sink.
package plan

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
)

// Plan is the top-level execution plan.
type Plan struct {
	PipelineName   string         `json:"pipeline_name"`
	MaxMemoryBytes int64          `json:"max_memory_bytes,omitempty"`
	Source         *SourceSpec    `json:"source"`
	Operators      []OperatorSpec `json:"operators,omitempty"`
	Sink           *SinkSpec      `json:"sink"`
}

// SourceSpec configures the pipeline source.
type SourceSpec struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"` // "generator", "kafka", "duckdb"
	Schema []Field         `json:"schema"`
	Config json.RawMessage `json:"config,omitempty"`
}

// OperatorSpec configures one operator in the chain.
type OperatorSpec struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"` // "filter", "project", "limit", "window"
	Config json.RawMessage `json:"config,omitempty"`
}

// SinkSpec configures the pipeline sink.
type SinkSpec struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"` // "console", "kafka"
	Config json.RawMessage `json:"config,omitempty"`
}

// Field is one column in a plan schema.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

// FilterConfig configures a filter operator.
type FilterConfig struct {
	Condition string `json:"condition"`
}

// ProjectConfig configures a project operator. Columns maps output
// column name to the expression that produces it.
type ProjectConfig struct {
	Columns map[string]string `json:"columns"`
}

// LimitConfig configures a limit operator.
type LimitConfig struct {
	Limit int64 `json:"limit"`
}

// WindowConfig configures a window operator.
type WindowConfig struct {
	OutputChannels    []int            `json:"output_channels,omitempty"`
	PartitionChannels []int            `json:"partition_channels,omitempty"`
	OrderingChannels  []int            `json:"ordering_channels,omitempty"`
	Ascending         []bool           `json:"ascending,omitempty"`
	Functions         []WindowFunction `json:"functions"`
	MaxOutputRows     int              `json:"max_output_rows,omitempty"`
}

// WindowFunction names one window function in a WindowConfig.
type WindowFunction struct {
	Name string `json:"name"` // "row_number", "rank", "dense_rank"
}

// GeneratorConfig configures a generator source.
type GeneratorConfig struct {
	NumBatches   int   `json:"num_batches"`
	RowsPerBatch int   `json:"rows_per_batch"`
	Seed         int64 `json:"seed,omitempty"`
}

// KafkaSourceConfig configures a Kafka source.
type KafkaSourceConfig struct {
	Brokers      []string `json:"brokers"`
	Topic        string   `json:"topic"`
	GroupID      string   `json:"group_id"`
	MaxBatchRows int      `json:"max_batch_rows,omitempty"`
}

// KafkaSinkConfig configures a Kafka sink.
type KafkaSinkConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// DuckDBSourceConfig configures a DuckDB table source.
type DuckDBSourceConfig struct {
	Path         string `json:"path,omitempty"` // empty for in-memory
	Query        string `json:"query"`
	RowsPerBatch int    `json:"rows_per_batch,omitempty"`
}

// Load reads and parses a plan from a JSON file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a plan from JSON bytes and validates it.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal execution plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan for structural integrity.
func (p *Plan) Validate() error {
	if p.PipelineName == "" {
		return fmt.Errorf("pipeline_name is required")
	}
	if p.Source == nil {
		return fmt.Errorf("plan must have a source")
	}
	if p.Sink == nil {
		return fmt.Errorf("plan must have a sink")
	}
	if p.Source.ID == "" {
		return fmt.Errorf("source has empty id")
	}
	if p.Sink.ID == "" {
		return fmt.Errorf("sink has empty id")
	}
	if len(p.Source.Schema) == 0 {
		return fmt.Errorf("source %q must declare a schema", p.Source.ID)
	}

	seen := map[string]bool{p.Source.ID: true}
	if seen[p.Sink.ID] {
		return fmt.Errorf("duplicate node id: %s", p.Sink.ID)
	}
	seen[p.Sink.ID] = true

	for i, op := range p.Operators {
		if op.ID == "" {
			return fmt.Errorf("operator[%d] has empty id", i)
		}
		if seen[op.ID] {
			return fmt.Errorf("duplicate node id: %s", op.ID)
		}
		seen[op.ID] = true
		if op.Type == "" {
			return fmt.Errorf("operator %q has empty type", op.ID)
		}
	}

	if _, err := ToArrowSchema(p.Source.Schema); err != nil {
		return fmt.Errorf("source %q: %w", p.Source.ID, err)
	}
	return nil
}

// ToArrowSchema converts plan fields into an Arrow schema.
func ToArrowSchema(fields []Field) (*arrow.Schema, error) {
	out := make([]arrow.Field, len(fields))
	for i, f := range fields {
		dt, err := ArrowType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}
	}
	return arrow.NewSchema(out, nil), nil
}

// ArrowType maps a plan type name to an Arrow data type.
func ArrowType(name string) (arrow.DataType, error) {
	switch name {
	case "int8":
		return arrow.PrimitiveTypes.Int8, nil
	case "int16":
		return arrow.PrimitiveTypes.Int16, nil
	case "int32":
		return arrow.PrimitiveTypes.Int32, nil
	case "int64":
		return arrow.PrimitiveTypes.Int64, nil
	case "float32":
		return arrow.PrimitiveTypes.Float32, nil
	case "float64":
		return arrow.PrimitiveTypes.Float64, nil
	case "string":
		return arrow.BinaryTypes.String, nil
	case "bool":
		return arrow.FixedWidthTypes.Boolean, nil
	case "timestamp_ms":
		return arrow.FixedWidthTypes.Timestamp_ms, nil
	case "timestamp_us":
		return arrow.FixedWidthTypes.Timestamp_us, nil
	default:
		return nil, fmt.Errorf("unknown type %q", name)
	}
}

// TypeName maps an Arrow data type back to its plan type name.
func TypeName(dt arrow.DataType) (string, error) {
	switch dt.ID() {
	case arrow.INT8:
		return "int8", nil
	case arrow.INT16:
		return "int16", nil
	case arrow.INT32:
		return "int32", nil
	case arrow.INT64:
		return "int64", nil
	case arrow.FLOAT32:
		return "float32", nil
	case arrow.FLOAT64:
		return "float64", nil
	case arrow.STRING:
		return "string", nil
	case arrow.BOOL:
		return "bool", nil
	case arrow.TIMESTAMP:
		ts := dt.(*arrow.TimestampType)
		switch ts.Unit {
		case arrow.Millisecond:
			return "timestamp_ms", nil
		case arrow.Microsecond:
			return "timestamp_us", nil
		}
		return "", fmt.Errorf("unsupported timestamp unit %v", ts.Unit)
	default:
		return "", fmt.Errorf("unsupported arrow type %s", dt)
	}
}
