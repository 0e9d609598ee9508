// Command cyclotron loads a JSON execution plan and runs it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"

	"github.com/sandboxws/cyclotron/pkg/engine"
	"github.com/sandboxws/cyclotron/pkg/metrics"
	"github.com/sandboxws/cyclotron/pkg/plan"
	"github.com/sandboxws/cyclotron/pkg/task"
)

func main() {
	var (
		maxMemory   = flag.String("max-memory", "", "task memory ceiling, e.g. 512MiB (overrides the plan; empty = plan value or unlimited)")
		metricsAddr = flag.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (empty = disabled)")
		timeout     = flag.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown drain timeout")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: cyclotron [flags] <plan.json>\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	planPath := flag.Arg(0)

	p, err := plan.Load(planPath)
	if err != nil {
		slog.Error("failed to load plan", "path", planPath, "error", err)
		os.Exit(1)
	}

	limit := p.MaxMemoryBytes
	if *maxMemory != "" {
		parsed, err := humanize.ParseBytes(*maxMemory)
		if err != nil {
			slog.Error("invalid -max-memory", "value", *maxMemory, "error", err)
			os.Exit(1)
		}
		limit = int64(parsed)
	}

	slog.Info("loaded execution plan",
		"pipeline", p.PipelineName,
		"operators", len(p.Operators),
		"max_memory", limit,
	)

	if *metricsAddr != "" {
		go func() {
			if err := metrics.ServeMetrics(*metricsAddr); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	taskCtx := task.NewContext(p.PipelineName, limit)
	eng := engine.New(p, taskCtx, memory.DefaultAllocator)

	if err := engine.RunWithGracefulShutdown(context.Background(), eng, *timeout); err != nil {
		slog.Error("pipeline failed", "error", err)
		os.Exit(1)
	}
}
