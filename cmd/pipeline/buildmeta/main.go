// Package main drives the Metadata Graph Builder (spec §4.5) as a one-shot
// process: one full converge pass of the property graph's structural
// (containment) side toward the latest catalog metadata snapshot, across
// every configured data source, then exit. Re-invocation on a schedule is
// the external scheduler's job (spec.md §1 Non-goals, §5).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/lumigraph/lumigraph/internal/catalog"
	"github.com/lumigraph/lumigraph/internal/config"
	"github.com/lumigraph/lumigraph/internal/graphbuild/metadata"
	"github.com/lumigraph/lumigraph/internal/storage"
)

const (
	version = "0.1.0-dev"
	name    = "buildmeta"

	defaultGraphName = "lineage_graph"
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

	reader := catalog.NewPostgresReader(conn)
	graphName := config.GetEnvStr("LINEAGE_GRAPH_NAME", defaultGraphName)
	builder := metadata.New(conn, reader, graphName)

	results, err := builder.RefreshAll(context.Background())
	if err != nil {
		logger.Error("stage driver exited with error", slog.String("stage", name), slog.String("error", err.Error()))
		os.Exit(1)
	}

	var processed, failed int

	for _, r := range results {
		processed += r.Processed
		failed += r.Failed

		logger.Info("metadata refresh for data source",
			slog.Int64("source_id", r.SourceID),
			slog.String("source", r.Source),
			slog.Int("processed", r.Processed),
			slog.Int("failed", r.Failed),
			slog.Bool("aborted", r.Aborted),
		)
	}

	logger.Info("metadata refresh complete",
		slog.Int("sources", len(results)), slog.Int("processed", processed), slog.Int("failed", failed))
}
