// Package main drives the LLM Extractor (spec §4.4) as a one-shot process:
// it resets any IN_PROGRESS rows stranded by a prior crash back to PENDING,
// claims PENDING SqlPattern rows in bounded batches for one monitored data
// source, assembles prompt context via the Context Assembler, calls the
// configured LLM, validates the response against the embedded
// LineageDocument schema, records each outcome, and exits once a batch comes
// back short or the batch cap is reached.
//
// One process is started per monitored data source (DATA_SOURCE_ID /
// DATA_SOURCE_SEARCH_PATH identify which one), matching the Extractor type's
// own one-source-per-instance contract; re-invocation on a schedule is the
// external scheduler's job (spec.md §1 Non-goals, §5).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/lumigraph/lumigraph/internal/catalog"
	"github.com/lumigraph/lumigraph/internal/config"
	ctxassemble "github.com/lumigraph/lumigraph/internal/context"
	"github.com/lumigraph/lumigraph/internal/extractor"
	"github.com/lumigraph/lumigraph/internal/pipeline"
	"github.com/lumigraph/lumigraph/internal/storage"
)

const (
	version = "0.1.0-dev"
	name    = "extract"

	defaultBatchLimit           = 20
	defaultMaxBatches           = 10
	defaultTokenBudget          = 8000
	defaultStaleInProgressGrace = 15 * time.Minute
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

	searchPath := config.ParseCommaSeparatedList(config.GetEnvStr("DATA_SOURCE_SEARCH_PATH", "public"))

	conn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		logger.Error("failed to connect to control-plane database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	reader := catalog.NewPostgresReader(conn)
	assembler := ctxassemble.New(reader, config.GetEnvInt("CONTEXT_TOKEN_BUDGET", defaultTokenBudget))
	client := extractor.NewHTTPClient(extractor.LoadClientConfigFromEnv())
	limiter := extractor.NewLimiter(extractor.LoadLimiterConfigFromEnv())
	patterns := storage.NewPatternStore(conn)
	temperature := config.GetEnvFloat("LLM_TEMPERATURE", 0.0)

	staleGrace := config.GetEnvDuration("EXTRACT_STALE_IN_PROGRESS_GRACE", defaultStaleInProgressGrace)
	if reset, err := patterns.ResetStaleInProgress(context.Background(), staleGrace); err != nil {
		logger.Error("failed to reset stale in_progress patterns", slog.String("error", err.Error()))
		os.Exit(1)
	} else if reset > 0 {
		logger.Info("reset stale in_progress patterns to pending", slog.Int64("count", reset))
	}

	ext := extractor.New(client, limiter, assembler, patterns, sourceID, searchPath, temperature)

	drainCfg := pipeline.LoadDrainConfig("EXTRACT", defaultBatchLimit, defaultMaxBatches)

	err = pipeline.DrainUntilEmpty(context.Background(), logger, name, drainCfg, func(ctx context.Context) (pipeline.StepResult, error) {
		result, err := ext.ProcessBatch(ctx, drainCfg.BatchLimit)
		if err != nil {
			return pipeline.StepResult{}, err
		}

		logger.Info("extraction batch complete",
			slog.Int("claimed", result.Claimed),
			slog.Int("completed_success", result.CompletedSuccess),
			slog.Int("completed_no_lineage", result.CompletedNoLineage),
			slog.Int("failed_parse", result.FailedParse),
			slog.Int("failed_llm", result.FailedLLM),
		)

		return pipeline.StepResult{Processed: result.Claimed}, nil
	})
	if err != nil {
		logger.Error("stage driver exited with error", slog.String("stage", name), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("stage driver stopped", slog.String("stage", name))
}
