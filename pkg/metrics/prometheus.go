// Package metrics provides Prometheus instrumentation for the Cyclotron runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RowsProcessed counts total rows processed by each operator.
	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclotron_rows_processed_total",
		Help: "Total number of rows processed by operator",
	}, []string{"operator_id", "operator_name"})

	// BatchesProcessed counts total batches processed by each operator.
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclotron_batches_processed_total",
		Help: "Total number of batches processed by operator",
	}, []string{"operator_id", "operator_name"})

	// BatchLatency tracks per-batch processing latency.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cyclotron_batch_latency_seconds",
		Help:    "Latency of batch processing in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"operator_id", "operator_name"})

	// Errors counts errors by operator.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclotron_errors_total",
		Help: "Total number of errors by operator",
	}, []string{"operator_id", "operator_name"})

	// TaskReservedBytes tracks memory currently reserved against each task's ceiling.
	TaskReservedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cyclotron_task_reserved_bytes",
		Help: "Bytes currently reserved against the task memory ceiling",
	}, []string{"task_id"})

	// WindowPartitions counts partitions built by window operators.
	WindowPartitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclotron_window_partitions_total",
		Help: "Total number of window partitions built by operator",
	}, []string{"operator_id"})

	// WindowBufferedRows tracks rows buffered by window operators awaiting evaluation.
	WindowBufferedRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cyclotron_window_buffered_rows",
		Help: "Rows currently buffered by window operators",
	}, []string{"operator_id"})
)

// ServeMetrics starts an HTTP server on the given address to serve
// Prometheus metrics at /metrics.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go server.ListenAndServe()
	return server
}
