// Package main drives the Pattern Aggregator (spec §4.2) as a one-shot
// process: it drains raw_sql_log in bounded batches, fingerprinting each
// entry via the Fingerprinter and upserting the resulting SqlPattern rows,
// until a batch comes back short or the batch cap is reached, then exits. Invoking it repeatedly is an external scheduler's job
// (spec.md §1 Non-goals, §5) — this binary never loops on a timer. Running
// several instances concurrently is safe: the upsert conflicts on sql_hash
// at the database level.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/lumigraph/lumigraph/internal/aggregator"
	"github.com/lumigraph/lumigraph/internal/config"
	"github.com/lumigraph/lumigraph/internal/pipeline"
	"github.com/lumigraph/lumigraph/internal/rawlog"
	"github.com/lumigraph/lumigraph/internal/storage"
)

const (
	version = "0.1.0-dev"
	name    = "aggregate"

	defaultBatchLimit = 500
	defaultMaxBatches = 20
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LUMIGRAPH_LOG_LEVEL", slog.LevelInfo),
	}))
	logger.Info("starting pipeline stage driver", slog.String("stage", name), slog.String("version", version))

	conn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		logger.Error("failed to connect to control-plane database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	policy, err := aggregator.LoadPolicyConfig(config.GetEnvStr(aggregator.PolicyPathEnvVar, aggregator.DefaultPolicyPath))
	if err != nil {
		logger.Error("failed to load re-analysis policy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var publisher *aggregator.DirtyPatternPublisher
	if config.GetEnvBool("KAFKA_PUBLISHER_ENABLED", false) {
		publisher = aggregator.NewDirtyPatternPublisher(aggregator.LoadPublisherConfig())
		defer func() { _ = publisher.Close() }()
	}

	agg := aggregator.New(
		conn,
		rawlog.NewPostgresSource(conn),
		storage.NewPatternStore(conn),
		storage.NewNormalizationErrorStore(conn),
		publisher,
		policy,
	)

	drainCfg := pipeline.LoadDrainConfig("AGGREGATE", defaultBatchLimit, defaultMaxBatches)

	err = pipeline.DrainUntilEmpty(context.Background(), logger, name, drainCfg, func(ctx context.Context) (pipeline.StepResult, error) {
		result, err := agg.DrainBatch(ctx, drainCfg.BatchLimit)
		if err != nil {
			return pipeline.StepResult{}, err
		}

		logger.Info("drain batch complete",
			slog.Int("observed", result.Observed),
			slog.Int("upserted", result.Upserted),
			slog.Int("rejected", result.Rejected),
			slog.Int("publish_failures", result.PublishFailures),
		)

		return pipeline.StepResult{Processed: result.Observed}, nil
	})
	if err != nil {
		logger.Error("stage driver exited with error", slog.String("stage", name), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("stage driver stopped", slog.String("stage", name))
}
