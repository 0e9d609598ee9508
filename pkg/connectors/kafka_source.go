package connectors

import (
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/cyclotron/pkg/operator"
)

// KafkaSource consumes JSON records from a Kafka topic and assembles
// them into Arrow RecordBatches.
type KafkaSource struct {
	brokers      []string
	topic        string
	group        string
	schema       *arrow.Schema
	maxBatchRows int

	alloc  memory.Allocator
	ctx    *operator.Context
	client *kgo.Client
	buffer []map[string]any
}

// NewKafkaSource creates a Kafka source connector.
func NewKafkaSource(brokers []string, topic, group string, schema *arrow.Schema, maxBatchRows int) *KafkaSource {
	if maxBatchRows <= 0 {
		maxBatchRows = defaultBatchRows
	}
	return &KafkaSource{
		brokers:      brokers,
		topic:        topic,
		group:        group,
		schema:       schema,
		maxBatchRows: maxBatchRows,
	}
}

func (k *KafkaSource) Open(ctx *operator.Context) error {
	if k.schema == nil {
		return fmt.Errorf("kafka source: nil schema")
	}
	k.alloc = ctx.Alloc
	k.ctx = ctx

	opts := []kgo.Opt{
		kgo.SeedBrokers(k.brokers...),
		kgo.ConsumeTopics(k.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if k.group != "" {
		opts = append(opts, kgo.ConsumerGroup(k.group))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka source: create client: %w", err)
	}
	k.client = client
	return nil
}

// Next polls Kafka until a full batch of rows is buffered, then returns
// it. Returns (nil, nil) when the execution context is cancelled.
func (k *KafkaSource) Next() (arrow.Record, error) {
	for len(k.buffer) < k.maxBatchRows {
		select {
		case <-k.ctx.Done():
			return k.drain()
		default:
		}

		fetches := k.client.PollFetches(k.ctx.Ctx)
		if fetches.IsClientClosed() || k.ctx.Ctx.Err() != nil {
			return k.drain()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				k.ctx.Logger.Error("kafka fetch error",
					"topic", e.Topic, "partition", e.Partition, "error", e.Err)
				k.ctx.Metrics.Errors.Add(1)
			}
			continue
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			var row map[string]any
			if err := json.Unmarshal(rec.Value, &row); err != nil {
				k.ctx.Logger.Error("kafka json decode error", "error", err)
				k.ctx.Metrics.Errors.Add(1)
				return
			}
			k.buffer = append(k.buffer, row)
		})
	}

	chunk := k.buffer[:k.maxBatchRows]
	k.buffer = k.buffer[k.maxBatchRows:]
	return k.emit(chunk)
}

// drain flushes whatever is buffered on shutdown; a nil record ends the
// source.
func (k *KafkaSource) drain() (arrow.Record, error) {
	if len(k.buffer) == 0 {
		return nil, nil
	}
	chunk := k.buffer
	k.buffer = nil
	return k.emit(chunk)
}

func (k *KafkaSource) emit(rows []map[string]any) (arrow.Record, error) {
	batch, err := jsonRowsToRecord(k.alloc, k.schema, rows)
	if err != nil {
		return nil, fmt.Errorf("kafka source: build batch: %w", err)
	}
	k.ctx.Metrics.BatchesProcessed.Add(1)
	k.ctx.Metrics.RowsProcessed.Add(int64(len(rows)))
	return batch, nil
}

func (k *KafkaSource) Close() error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}

// jsonRowsToRecord converts JSON row maps to an Arrow RecordBatch.
func jsonRowsToRecord(alloc memory.Allocator, schema *arrow.Schema, rows []map[string]any) (arrow.Record, error) {
	numCols := schema.NumFields()
	builders := make([]array.Builder, numCols)
	for i := 0; i < numCols; i++ {
		builders[i] = array.NewBuilder(alloc, schema.Field(i).Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, row := range rows {
		for i := 0; i < numCols; i++ {
			f := schema.Field(i)
			val, exists := row[f.Name]
			if !exists || val == nil {
				builders[i].AppendNull()
				continue
			}
			appendJSONValue(builders[i], val)
		}
	}

	arrays := make([]arrow.Array, numCols)
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}

	rec := array.NewRecord(schema, arrays, int64(len(rows)))
	for _, a := range arrays {
		a.Release()
	}
	return rec, nil
}

func appendJSONValue(bldr array.Builder, val any) {
	switch b := bldr.(type) {
	case *array.Int64Builder:
		switch v := val.(type) {
		case float64:
			b.Append(int64(v))
		case json.Number:
			n, _ := v.Int64()
			b.Append(n)
		default:
			b.AppendNull()
		}
	case *array.Float64Builder:
		switch v := val.(type) {
		case float64:
			b.Append(v)
		case json.Number:
			n, _ := v.Float64()
			b.Append(n)
		default:
			b.AppendNull()
		}
	case *array.StringBuilder:
		if s, ok := val.(string); ok {
			b.Append(s)
		} else {
			b.Append(fmt.Sprintf("%v", val))
		}
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.TimestampBuilder:
		if v, ok := val.(float64); ok {
			b.Append(arrow.Timestamp(int64(v)))
		} else {
			b.AppendNull()
		}
	default:
		bldr.AppendNull()
	}
}
