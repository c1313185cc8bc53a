// Package rawlog provides read access to the external raw_sql_log table
// populated by a log collector (out of scope per spec.md: log discovery,
// CSV/SSH transport). This package only reads unprocessed rows and marks them
// consumed once the Fingerprinter has produced a sql_hash for them.
package rawlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lumigraph/lumigraph/internal/storage"
)

// ErrRawLogReadFailed is returned when a raw_sql_log read or update fails.
var ErrRawLogReadFailed = errors.New("raw sql log read failed")

// Entry is one observed execution from the external log collector.
type Entry struct {
	ID                 int64
	LogTime            time.Time
	SourceDatabaseName string
	Username           string
	RawSQLText         string
	DurationMs         int64
}

// Source is the contract the Fingerprinter/Pattern Aggregator stage drivers
// use to claim unprocessed log rows.
type Source interface {
	// NextBatch returns up to limit rows with is_processed_for_analysis=false,
	// oldest first.
	NextBatch(ctx context.Context, limit int) ([]*Entry, error)
	// MarkConsumed sets normalised_sql_hash and is_processed_for_analysis=true
	// for the given entry. Safe to call twice for the same id (idempotent).
	MarkConsumed(ctx context.Context, id int64, normalizedSQLHash string) error
	// WithQuerier returns a copy of the source bound to a different
	// storage.Querier — typically a *sql.Tx — so MarkConsumed can run in the
	// same transaction as the caller's pattern upsert or rejection record
	// (spec §4.2 "mark the log row consumed in the same transaction as the
	// upsert").
	WithQuerier(q storage.Querier) Source
}

// PostgresSource implements Source against the control-plane Connection.
type PostgresSource struct {
	conn *storage.Connection
	q    storage.Querier
}

var _ Source = (*PostgresSource)(nil)

// NewPostgresSource wraps a Connection for raw_sql_log access.
func NewPostgresSource(conn *storage.Connection) *PostgresSource {
	return &PostgresSource{conn: conn, q: conn}
}

// WithQuerier implements Source.
func (s *PostgresSource) WithQuerier(q storage.Querier) Source {
	return &PostgresSource{conn: s.conn, q: q}
}

// NextBatch implements Source.
func (s *PostgresSource) NextBatch(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, log_time, source_database_name, username, raw_sql_text, duration_ms
		FROM raw_sql_log
		WHERE is_processed_for_analysis = false
		ORDER BY log_time ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: next batch: %w", ErrRawLogReadFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.LogTime, &e.SourceDatabaseName, &e.Username, &e.RawSQLText, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("%w: scan log row: %w", ErrRawLogReadFailed, err)
		}

		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate log rows: %w", ErrRawLogReadFailed, err)
	}

	return entries, nil
}

// MarkConsumed implements Source.
func (s *PostgresSource) MarkConsumed(ctx context.Context, id int64, normalizedSQLHash string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE raw_sql_log
		SET normalised_sql_hash = $1, is_processed_for_analysis = true
		WHERE id = $2
	`, nullableHash(normalizedSQLHash), id)
	if err != nil {
		return fmt.Errorf("%w: mark consumed for %d: %w", ErrRawLogReadFailed, id, err)
	}

	return nil
}

func nullableHash(hash string) sql.NullString {
	if hash == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: hash, Valid: true}
}
