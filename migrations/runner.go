package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type (
	// MigrationRunner defines the interface for running database migrations.
	MigrationRunner interface {
		// Up applies all pending migrations
		Up() error

		// Down rollbacks the last migration
		Down() error

		// Status shows the current migration status
		Status() error

		// Version shows the current migration version
		Version() error

		// Drop drops all tables (destructive operation)
		Drop() error

		// Close closes any open connections
		Close() error
	}

	// Runner implements MigrationRunner using golang-migrate.
	Runner struct {
		config            *Config
		migrate           *migrate.Migrate
		db                *sql.DB
		embeddedMigration *EmbeddedMigration // For embedded migration validation and access
		logger            *slog.Logger
	}

	// slogMigrateLogger adapts golang-migrate's Logger interface onto slog, the
	// logging convention the rest of lumigraph's binaries use.
	slogMigrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*slogMigrateLogger)(nil)

func (l *slogMigrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l *slogMigrateLogger) Verbose() bool { return true }

// NewMigrationRunner creates a new migration runner with the given configuration.
func NewMigrationRunner(config *Config) (*Runner, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("initializing migration runner", slog.String("config", config.String()))

	embeddedMigration := NewEmbeddedMigration(nil)

	if err := embeddedMigration.ValidateEmbeddedMigrations(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: config.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(embeddedMigration.GetEmbeddedMigrations(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance with embedded migrations: %w", err)
	}

	m.Log = &slogMigrateLogger{logger: logger}

	logger.Info("migration runner initialized")

	return &Runner{
		config:            config,
		migrate:           m,
		db:                db,
		embeddedMigration: embeddedMigration,
		logger:            logger,
	}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	err := r.embeddedMigration.ValidateEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	r.log().Info("starting migration up")

	err = r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		r.log().Info("no new migrations to apply")
	} else {
		r.log().Info("all migrations applied successfully")
	}

	return nil
}

// Down rollbacks the last migration.
func (r *Runner) Down() error {
	if err := r.embeddedMigration.ValidateEmbeddedMigrations(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	r.log().Info("starting migration down")

	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		r.log().Info("no migrations to rollback")
	} else {
		r.log().Info("last migration rolled back successfully")
	}

	return nil
}

// Status shows the current migration status with schema compatibility information.
func (r *Runner) Status() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			r.log().Info("migration status: no migrations applied yet")
			r.showSchemaCompatibility(0)

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	status := "clean"
	if dirty {
		status = "dirty (needs manual intervention)"
	}

	r.log().Info("migration status", slog.Int("version", int(ver)), slog.String("status", status)) //nolint:gosec

	r.showSchemaCompatibility(int(ver)) //nolint:gosec // version numbers are safe to convert

	if err := r.showPendingMigrations(); err != nil {
		r.log().Warn("could not determine pending migrations", slog.String("error", err.Error()))
	}

	return nil
}

// Version shows the current migration version with schema compatibility.
func (r *Runner) Version() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			r.log().Info("current version: no migrations applied")
			r.showSchemaCompatibility(0)

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	r.log().Info("current version", slog.Int("version", int(ver)), slog.Bool("dirty", dirty)) //nolint:gosec

	r.showSchemaCompatibility(int(ver)) //nolint:gosec // version numbers are safe to convert

	return nil
}

// Drop drops all tables (destructive operation).
func (r *Runner) Drop() error {
	if err := r.embeddedMigration.ValidateEmbeddedMigrations(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	r.log().Warn("dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	r.log().Info("all tables dropped successfully")

	return nil
}

// Close closes database connections.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		err := r.db.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// showPendingMigrations is a placeholder: golang-migrate exposes no direct
// way to list pending migrations short of diffing the source against the
// current version, which Status doesn't need today.
func (r *Runner) showPendingMigrations() error {
	r.log().Info("use the up command to apply any pending migrations")

	return nil
}

// showSchemaCompatibility logs how the database's applied version compares
// to the highest version this migrator binary knows how to apply.
func (r *Runner) showSchemaCompatibility(currentVersion int) {
	maxSchemaVersion := r.getMaxEmbeddedSchemaVersion()

	attrs := []any{
		slog.Int("database_schema_version", currentVersion),
		slog.Int("migrator_supports_version", maxSchemaVersion),
	}

	switch {
	case currentVersion == maxSchemaVersion:
		r.log().Info("schema up to date", attrs...)
	case currentVersion < maxSchemaVersion:
		attrs = append(attrs, slog.Int("pending", maxSchemaVersion-currentVersion))
		r.log().Info("migrations available", attrs...)
	default:
		r.log().Warn("database schema newer than this migrator binary supports", attrs...)
	}
}

// log returns the Runner's logger, falling back to a discarding logger for
// Runners assembled directly in tests without going through
// NewMigrationRunner.
func (r *Runner) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return r.logger
}

// getMaxEmbeddedSchemaVersion returns the highest migration sequence number
// from embedded migration files in this migrator binary.
func (r *Runner) getMaxEmbeddedSchemaVersion() int {
	files, err := r.embeddedMigration.ListEmbeddedMigrations()
	if err != nil {
		return 0 // If we can't read migrations, assume no schema support
	}

	maxSequence := 0

	for _, filename := range files {
		if migration, err := r.embeddedMigration.parseMigrationFilename(filename); err == nil {
			if migration.Sequence > maxSequence {
				maxSequence = migration.Sequence
			}
		}
	}

	return maxSequence
}
