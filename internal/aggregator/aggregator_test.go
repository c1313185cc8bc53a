package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/lumigraph/lumigraph/internal/config"
	"github.com/lumigraph/lumigraph/internal/rawlog"
	"github.com/lumigraph/lumigraph/internal/storage"
)

func setupAggregatorDatabase(ctx context.Context, t *testing.T) *storage.Connection {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return &storage.Connection{DB: testDB.Connection}
}

func insertRawSQLLogRow(ctx context.Context, t *testing.T, conn *storage.Connection, rawSQL string) int64 {
	t.Helper()

	var id int64

	err := conn.QueryRowContext(ctx, `
		INSERT INTO raw_sql_log (log_time, source_database_name, username, raw_sql_text, duration_ms)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, time.Now().UTC(), "orders_db", "app", rawSQL, int64(12)).Scan(&id)
	require.NoError(t, err)

	return id
}

func newTestAggregator(conn *storage.Connection) *Aggregator {
	return New(
		conn,
		rawlog.NewPostgresSource(conn),
		storage.NewPatternStore(conn),
		storage.NewNormalizationErrorStore(conn),
		nil,
		&PolicyConfig{},
	)
}

// TestAggregator_DrainBatch_UpsertsAndMarksConsumed exercises the ordinary
// path: one observation creates a brand-new PENDING pattern and the source
// row is consumed in the same pass.
func TestAggregator_DrainBatch_UpsertsAndMarksConsumed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAggregatorDatabase(ctx, t)
	insertRawSQLLogRow(ctx, t, conn, "SELECT id FROM orders WHERE status = 'open'")

	agg := newTestAggregator(conn)

	result, err := agg.DrainBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Observed)
	require.Equal(t, 1, result.Upserted)
	require.Equal(t, 0, result.Rejected)

	var count int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT count(*) FROM sql_patterns`).Scan(&count))
	require.Equal(t, 1, count)

	var processed bool
	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT is_processed_for_analysis FROM raw_sql_log`).Scan(&processed))
	require.True(t, processed, "the source row must be marked consumed in the same pass as the upsert")
}

// TestAggregator_DrainBatch_RedeliveryIsNoOp proves spec §4.2's re-delivery
// requirement: once a row's upsert and consumed-marker have committed
// together, draining again never observes that row a second time, so
// execution_count can never be double-folded for one physical log entry.
func TestAggregator_DrainBatch_RedeliveryIsNoOp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAggregatorDatabase(ctx, t)
	insertRawSQLLogRow(ctx, t, conn, "SELECT id FROM orders WHERE status = 'open'")

	agg := newTestAggregator(conn)

	first, err := agg.DrainBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, first.Upserted)

	second, err := agg.DrainBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, second.Observed, "a consumed row must never be redelivered by NextBatch")

	var executionCount int64
	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT execution_count FROM sql_patterns`).Scan(&executionCount))
	require.Equal(t, int64(1), executionCount, "redelivery must not double-count an already-consumed observation")
}

// TestAggregator_DrainBatch_RejectionMarksConsumedAtomically exercises the
// rejection path: a non-data-flow statement is recorded as a normalization
// error and its source row consumed in the same transaction, so it is never
// retried on a later drain.
func TestAggregator_DrainBatch_RejectionMarksConsumedAtomically(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAggregatorDatabase(ctx, t)
	id := insertRawSQLLogRow(ctx, t, conn, "VACUUM;")

	agg := newTestAggregator(conn)

	result, err := agg.DrainBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Observed)
	require.Equal(t, 0, result.Upserted)
	require.Equal(t, 1, result.Rejected)

	var reason string
	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT reason FROM sql_normalization_errors WHERE raw_sql_log_id = $1`, id).Scan(&reason))
	require.NotEmpty(t, reason)

	second, err := agg.DrainBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, second.Observed, "a rejected row must be consumed too, never redelivered")
}

// TestUpsertAndMarkConsumed_RollbackLeavesBothUndone proves the mechanism the
// Aggregator relies on directly: PatternStore.WithQuerier and
// rawlog.Source.WithQuerier bound to the same *sql.Tx commit or roll back
// together. Without this, a crash between the upsert and the mark-consumed
// update is exactly the gap spec §4.2 requires closed — a rolled-back upsert
// with no matching rollback of the consumed-marker (or vice versa) would
// leave the two permanently out of sync.
func TestUpsertAndMarkConsumed_RollbackLeavesBothUndone(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAggregatorDatabase(ctx, t)
	id := insertRawSQLLogRow(ctx, t, conn, "SELECT id FROM orders")

	patterns := storage.NewPatternStore(conn)
	source := rawlog.NewPostgresSource(conn)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)

	_, _, err = patterns.WithQuerier(tx).UpsertObservation(ctx, storage.Observation{
		SqlHash:            "deadbeef",
		RawSQL:             "SELECT id FROM orders",
		SourceDatabaseName: "orders_db",
		ObservedAt:         time.Now().UTC(),
		DurationMs:         5,
	}, "SELECT id FROM orders", storage.ReanalysisPolicy{})
	require.NoError(t, err)

	require.NoError(t, source.WithQuerier(tx).MarkConsumed(ctx, id, "deadbeef"))

	require.NoError(t, tx.Rollback())

	var patternCount int
	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT count(*) FROM sql_patterns WHERE sql_hash = $1`, "deadbeef").Scan(&patternCount))
	require.Equal(t, 0, patternCount, "a rolled-back upsert must not leave a pattern row behind")

	var processed bool
	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT is_processed_for_analysis FROM raw_sql_log WHERE id = $1`, id).Scan(&processed))
	require.False(t, processed, "a rolled-back mark-consumed must leave the source row unprocessed")
}
