// Package main provides the lumigraph read-only query API: liveness/
// readiness probes and the SqlPattern lookup-by-hash endpoint (spec §6).
// Ingestion and graph-building run as separate stage drivers under
// cmd/pipeline; this binary never writes to the control plane.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/lumigraph/lumigraph/internal/api"
	"github.com/lumigraph/lumigraph/internal/storage"
)

const (
	version = "0.1.0-dev"
	name    = "lumigraph-api"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: serverConfig.LogLevel}))
	logger.Info("starting lumigraph service", slog.String("service", name), slog.String("version", version))

	conn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		logger.Error("failed to connect to control-plane database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	patterns := storage.NewPatternStore(conn)

	server := api.NewServer(&serverConfig, conn, patterns)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("lumigraph service stopped")
}
