package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/cyclotron/pkg/connectors"
	"github.com/sandboxws/cyclotron/pkg/duckdb"
	"github.com/sandboxws/cyclotron/pkg/operator"
	"github.com/sandboxws/cyclotron/pkg/operators"
	"github.com/sandboxws/cyclotron/pkg/plan"
	"github.com/sandboxws/cyclotron/pkg/task"
	"github.com/sandboxws/cyclotron/pkg/window"
)

// Engine builds a pipeline from an execution plan and runs it under a
// task's memory budget.
type Engine struct {
	plan    *plan.Plan
	taskCtx *task.Context
	alloc   memory.Allocator
	logger  *slog.Logger

	cancel context.CancelFunc
}

// New creates an execution engine for the given plan. All operators in
// the pipeline reserve memory against taskCtx.
func New(p *plan.Plan, taskCtx *task.Context, alloc memory.Allocator) *Engine {
	return &Engine{
		plan:    p,
		taskCtx: taskCtx,
		alloc:   alloc,
		logger:  slog.Default().With("pipeline", p.PipelineName),
	}
}

// Run builds the pipeline, opens all components, and drives it until
// the source drains or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.plan.Validate(); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	ctx, e.cancel = context.WithCancel(ctx)
	defer e.cancel()

	pipeline := e.taskCtx.NewPipelineContext()
	defer pipeline.Close()

	sourceSchema, err := plan.ToArrowSchema(e.plan.Source.Schema)
	if err != nil {
		return fmt.Errorf("source %s: %w", e.plan.Source.ID, err)
	}

	source, err := e.buildSource(e.plan.Source, sourceSchema)
	if err != nil {
		return err
	}
	srcCtx := operator.NewContext(ctx, e.alloc, pipeline, e.plan.Source.ID, e.plan.Source.Type)
	if err := source.Open(srcCtx); err != nil {
		return fmt.Errorf("open source %s: %w", e.plan.Source.ID, err)
	}
	defer source.Close()

	// Operators see the schema as it stands at their position in the
	// chain; buildOperator tracks it through schema-preserving stages.
	schema := sourceSchema
	ops := make([]operator.Operator, 0, len(e.plan.Operators))
	defer func() {
		for _, op := range ops {
			op.Close()
		}
	}()
	for _, spec := range e.plan.Operators {
		opCtx := operator.NewContext(ctx, e.alloc, pipeline, spec.ID, spec.Type)
		op, nextSchema, err := e.buildOperator(spec, schema, opCtx)
		if err != nil {
			return err
		}
		ops = append(ops, op)
		schema = nextSchema
	}

	sink, err := e.buildSink(e.plan.Sink)
	if err != nil {
		return err
	}
	sinkCtx := operator.NewContext(ctx, e.alloc, pipeline, e.plan.Sink.ID, e.plan.Sink.Type)
	if err := sink.Open(sinkCtx); err != nil {
		return fmt.Errorf("open sink %s: %w", e.plan.Sink.ID, err)
	}
	defer sink.Close()

	e.logger.Info("pipeline starting",
		"source", e.plan.Source.ID, "operators", len(ops), "sink", e.plan.Sink.ID)

	driver := NewDriver(e.logger, source, ops, sink)
	if err := driver.Run(ctx); err != nil {
		e.logger.Error("pipeline failed", "error", err)
		return err
	}
	e.logger.Info("pipeline finished")
	return nil
}

// Stop triggers a graceful shutdown of a running pipeline.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) buildSource(spec *plan.SourceSpec, schema *arrow.Schema) (operator.Source, error) {
	switch spec.Type {
	case "generator":
		var cfg plan.GeneratorConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("source %s: %w", spec.ID, err)
		}
		return connectors.NewGenerator(schema, cfg.NumBatches, cfg.RowsPerBatch, cfg.Seed), nil

	case "kafka":
		var cfg plan.KafkaSourceConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("source %s: %w", spec.ID, err)
		}
		if len(cfg.Brokers) == 0 || cfg.Topic == "" {
			return nil, fmt.Errorf("source %s: brokers and topic are required", spec.ID)
		}
		return connectors.NewKafkaSource(cfg.Brokers, cfg.Topic, cfg.GroupID, schema, cfg.MaxBatchRows), nil

	case "duckdb":
		var cfg plan.DuckDBSourceConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("source %s: %w", spec.ID, err)
		}
		if cfg.Query == "" {
			return nil, fmt.Errorf("source %s: query is required", spec.ID)
		}
		return duckdb.NewTableSource(cfg.Path, cfg.Query, cfg.RowsPerBatch), nil

	default:
		return nil, fmt.Errorf("source %s: unknown type %q", spec.ID, spec.Type)
	}
}

// buildOperator constructs and opens one operator. It returns the
// schema flowing out of the operator, or nil once the schema can no
// longer be tracked statically.
func (e *Engine) buildOperator(spec plan.OperatorSpec, schema *arrow.Schema, opCtx *operator.Context) (operator.Operator, *arrow.Schema, error) {
	switch spec.Type {
	case "filter":
		var cfg plan.FilterConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, nil, fmt.Errorf("operator %s: %w", spec.ID, err)
		}
		if cfg.Condition == "" {
			return nil, nil, fmt.Errorf("operator %s: condition is required", spec.ID)
		}
		op := operators.NewFilter(cfg.Condition)
		if err := op.Open(opCtx); err != nil {
			return nil, nil, fmt.Errorf("open operator %s: %w", spec.ID, err)
		}
		return op, schema, nil

	case "project":
		var cfg plan.ProjectConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, nil, fmt.Errorf("operator %s: %w", spec.ID, err)
		}
		if len(cfg.Columns) == 0 {
			return nil, nil, fmt.Errorf("operator %s: at least one column is required", spec.ID)
		}
		op := operators.NewProject(cfg.Columns)
		if err := op.Open(opCtx); err != nil {
			return nil, nil, fmt.Errorf("open operator %s: %w", spec.ID, err)
		}
		// Projected column types depend on expression evaluation, so
		// schema tracking stops here.
		return op, nil, nil

	case "limit":
		var cfg plan.LimitConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, nil, fmt.Errorf("operator %s: %w", spec.ID, err)
		}
		op := operators.NewLimit(cfg.Limit)
		if err := op.Open(opCtx); err != nil {
			return nil, nil, fmt.Errorf("open operator %s: %w", spec.ID, err)
		}
		return op, schema, nil

	case "window":
		if schema == nil {
			return nil, nil, fmt.Errorf("operator %s: window requires a statically known input schema; place it before any projection", spec.ID)
		}
		var cfg plan.WindowConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, nil, fmt.Errorf("operator %s: %w", spec.ID, err)
		}
		factory, err := windowFactory(spec.ID, schema, cfg)
		if err != nil {
			return nil, nil, err
		}
		op, err := factory.CreateOperator(opCtx)
		if err != nil {
			return nil, nil, fmt.Errorf("open operator %s: %w", spec.ID, err)
		}
		// Window appends function columns; downstream operators would
		// need the projected schema, which the factory owns.
		return op, nil, nil

	default:
		return nil, nil, fmt.Errorf("operator %s: unknown type %q", spec.ID, spec.Type)
	}
}

func windowFactory(id string, schema *arrow.Schema, cfg plan.WindowConfig) (*operators.WindowOperatorFactory, error) {
	if len(cfg.Functions) == 0 {
		return nil, fmt.Errorf("operator %s: at least one window function is required", id)
	}
	factories := make([]window.Factory, len(cfg.Functions))
	for i, fn := range cfg.Functions {
		f, ok := window.Lookup(fn.Name)
		if !ok {
			return nil, fmt.Errorf("operator %s: unknown window function %q", id, fn.Name)
		}
		factories[i] = f
	}

	ascending := cfg.Ascending
	if ascending == nil {
		ascending = make([]bool, len(cfg.OrderingChannels))
		for i := range ascending {
			ascending[i] = true
		}
	}

	maxOutputRows := cfg.MaxOutputRows
	if maxOutputRows <= 0 {
		maxOutputRows = 1024
	}

	return operators.NewWindowOperatorFactory(
		id, schema, cfg.OutputChannels, factories,
		cfg.PartitionChannels, cfg.OrderingChannels, ascending, maxOutputRows)
}

func (e *Engine) buildSink(spec *plan.SinkSpec) (operator.Sink, error) {
	switch spec.Type {
	case "console":
		var cfg struct {
			MaxRows int32 `json:"max_rows,omitempty"`
		}
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("sink %s: %w", spec.ID, err)
		}
		return connectors.NewConsole(cfg.MaxRows), nil

	case "kafka":
		var cfg plan.KafkaSinkConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("sink %s: %w", spec.ID, err)
		}
		if len(cfg.Brokers) == 0 || cfg.Topic == "" {
			return nil, fmt.Errorf("sink %s: brokers and topic are required", spec.ID)
		}
		return connectors.NewKafkaSink(cfg.Brokers, cfg.Topic), nil

	default:
		return nil, fmt.Errorf("sink %s: unknown type %q", spec.ID, spec.Type)
	}
}

func decodeConfig(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
