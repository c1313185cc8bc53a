// Package storage provides the PostgreSQL-backed control-plane store for the
// lineage extraction pipeline: connection management plus the domain record
// types defined elsewhere in this package (SqlPattern, ObjectMetadata,
// ColumnMetadata, FunctionMetadata, DataSource).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresDriver = "postgres"
	ctxTimeout     = 5 * time.Second
)

// Connection represents a database connection.
type Connection struct {
	*sql.DB
}

// Querier is satisfied by *Connection and *sql.Tx, letting a store run its
// statements either directly against the pool or inside a transaction a
// caller controls — the same shape as graph.Client's Querier, used here so
// the Pattern Aggregator can upsert a pattern and mark its raw_sql_log row
// consumed atomically (spec §4.2 "mark the log row consumed in the same
// transaction as the upsert").
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var (
	_ Querier = (*Connection)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// NewConnection returns a new Database Connection.
func NewConnection(config *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, err
	}

	// Configure connection pool with production-ready settings
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Perform immediate health check with timeout
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck checks if the database connection is healthy with timeout.
// This method is used for health checks and monitoring.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the database connection pool gracefully.
// This method is safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns database connection pool statistics for monitoring.
// Useful for observability and debugging connection pool issues.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}
