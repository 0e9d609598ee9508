package connectors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/cyclotron/pkg/operator"
)

// KafkaSink serializes Arrow RecordBatches as JSON rows and produces
// them to a Kafka topic.
type KafkaSink struct {
	brokers []string
	topic   string
	client  *kgo.Client
}

// NewKafkaSink creates a Kafka sink connector.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{brokers: brokers, topic: topic}
}

func (k *KafkaSink) Open(_ *operator.Context) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.brokers...),
		kgo.DefaultProduceTopic(k.topic),
	)
	if err != nil {
		return fmt.Errorf("kafka sink: create client: %w", err)
	}
	k.client = client
	return nil
}

func (k *KafkaSink) WriteBatch(batch arrow.Record) error {
	numRows := int(batch.NumRows())
	schema := batch.Schema()

	for row := 0; row < numRows; row++ {
		record := make(map[string]any, schema.NumFields())
		for col := 0; col < schema.NumFields(); col++ {
			f := schema.Field(col)
			arr := batch.Column(col)
			if arr.IsNull(row) {
				record[f.Name] = nil
			} else {
				record[f.Name] = jsonValue(arr, row)
			}
		}

		value, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("kafka sink: marshal row %d: %w", row, err)
		}

		k.client.Produce(context.Background(), &kgo.Record{Value: value}, nil)
	}

	if err := k.client.Flush(context.Background()); err != nil {
		return fmt.Errorf("kafka sink: flush: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}

// jsonValue extracts a natively typed value so numbers stay numbers in
// the produced JSON.
func jsonValue(arr arrow.Array, row int) any {
	switch a := arr.(type) {
	case *array.Int8:
		return a.Value(row)
	case *array.Int16:
		return a.Value(row)
	case *array.Int32:
		return a.Value(row)
	case *array.Int64:
		return a.Value(row)
	case *array.Float32:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.String:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	case *array.Timestamp:
		return int64(a.Value(row))
	default:
		return nil
	}
}
