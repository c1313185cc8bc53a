// Package main drives the Lineage Graph Builder (spec §4.6) as a one-shot
// process: it claims successfully-extracted SqlPattern rows in bounded
// batches for one monitored data source, materializes each
// LineageDocument's column-level edges into the property graph (retrying
// transient graph conflicts before giving up on a pattern), and exits once a
// batch comes back short or the batch cap is reached.
//
// One process is started per monitored data source, matching the builder
// type's own one-source-per-instance contract (the same convention the LLM
// Extractor's stage driver uses); re-invocation on a schedule is the
// external scheduler's job (spec.md §1 Non-goals, §5).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/lumigraph/lumigraph/internal/catalog"
	"github.com/lumigraph/lumigraph/internal/config"
	"github.com/lumigraph/lumigraph/internal/graphbuild/lineage"
	"github.com/lumigraph/lumigraph/internal/pipeline"
	"github.com/lumigraph/lumigraph/internal/storage"
)

const (
	version = "0.1.0-dev"
	name    = "buildlineage"

	defaultBatchLimit = 50
	defaultMaxBatches = 10
	defaultGraphName  = "lineage_graph"
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

	sourceID := config.GetEnvInt64("DATA_SOURCE_ID", 0)
	if sourceID == 0 {
		logger.Error("DATA_SOURCE_ID must be set to a positive data_sources.id")
		os.Exit(1)
	}

	sourceName := config.GetEnvStr("DATA_SOURCE_NAME", "")
	if sourceName == "" {
		logger.Error("DATA_SOURCE_NAME must be set to the data source's data_sources.name")
		os.Exit(1)
	}

	conn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		logger.Error("failed to connect to control-plane database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	reader := catalog.NewPostgresReader(conn)
	patterns := storage.NewPatternStore(conn)
	graphName := config.GetEnvStr("LINEAGE_GRAPH_NAME", defaultGraphName)

	builder := lineage.New(conn, patterns, reader, graphName, sourceID, sourceName)

	drainCfg := pipeline.LoadDrainConfig("BUILDLINEAGE", defaultBatchLimit, defaultMaxBatches)

	err = pipeline.DrainUntilEmpty(context.Background(), logger, name, drainCfg, func(ctx context.Context) (pipeline.StepResult, error) {
		result, err := builder.ProcessBatch(ctx, drainCfg.BatchLimit)
		if err != nil {
			return pipeline.StepResult{}, err
		}

		logger.Info("lineage build batch complete",
			slog.Int64("source_id", sourceID),
			slog.String("source", sourceName),
			slog.Int("claimed", result.Claimed),
			slog.Int("loaded", result.Loaded),
			slog.Int("failed", result.Failed),
		)

		return pipeline.StepResult{Processed: result.Claimed}, nil
	})
	if err != nil {
		logger.Error("stage driver exited with error", slog.String("stage", name), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("stage driver stopped", slog.String("stage", name))
}
