// Package main is the lumigraph schema migrator: a standalone CLI operators
// run against the control-plane database before starting any of the
// cmd/pipeline stage drivers or cmd/api — none of those binaries apply
// migrations themselves, they assume the schema in migrations/*.sql is
// already current.
package main

import (
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"strconv"
)

const (
	version = "0.1.0-dev"
	name    = "lumigraph-migrate"
)

// ErrUnknownCommand is returned for an unrecognized positional command.
var ErrUnknownCommand = errors.New("unknown command")

// ErrDropRequiresForce guards the destructive drop command behind --force.
var ErrDropRequiresForce = errors.New("drop command requires --force flag for safety (this will destroy all data)")

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		force       = flag.Bool("force", false, "force dangerous operations without confirmation")
	)
	flag.Parse()

	if *showVersion {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting migrator", slog.String("command", args[0]), slog.String("version", version))

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := NewMigrationRunner(cfg)
	if err != nil {
		logger.Error("failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = runner.Close() }()

	if err := executeCommand(args[0], runner, *force); err != nil {
		logger.Error("migration command failed", slog.String("command", args[0]), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("migrator finished", slog.String("command", args[0]))
}

// executeCommand dispatches to the MigrationRunner method matching command.
func executeCommand(command string, runner MigrationRunner, force bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		if !force {
			return ErrDropRequiresForce
		}

		return runner.Drop()
	default:
		return errors.Join(ErrUnknownCommand, errors.New(command))
	}
}

// getMaxSchemaVersion detects the highest sequence number among the
// embedded migration files, independent of any database connection.
func getMaxSchemaVersion() int {
	files, err := NewEmbeddedMigration(nil).ListEmbeddedMigrations()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, filename := range files {
		matches := migrationFilenameRegex.FindStringSubmatch(filename)
		if len(matches) >= expectedRegexMatches-2 {
			if sequence, err := strconv.Atoi(matches[1]); err == nil && sequence > maxSequence {
				maxSequence = sequence
			}
		}
	}

	return maxSequence
}

func printUsage() {
	log.Printf(`%s v%s - lumigraph schema migrator

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      apply all pending migrations
    down    roll back the last migration
    status  show migration status
    version show current migration version
    drop    drop all tables (destructive, requires --force)

OPTIONS:
    --version  show version information
    --force    force dangerous operations without confirmation

ENVIRONMENT:
    DATABASE_URL     PostgreSQL connection string (required)
    MIGRATION_TABLE  name of the migration tracking table (default: schema_migrations)
`, name, version, name)
}
