package lineage_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lumigraph/lumigraph/internal/catalog"
	"github.com/lumigraph/lumigraph/internal/extractor"
	"github.com/lumigraph/lumigraph/internal/graphbuild/lineage"
	"github.com/lumigraph/lumigraph/internal/storage"
)

const testGraphName = "lineage_builder_test"

type fakeReader struct {
	objects map[string]*storage.ObjectMetadata // keyed by "schema.name"
	columns map[int64][]*storage.ColumnMetadata
}

func (f *fakeReader) DataSources(context.Context) ([]*storage.DataSource, error) { return nil, nil }

func (f *fakeReader) ObjectsFor(context.Context, int64) ([]*storage.ObjectMetadata, error) {
	return nil, nil
}

func (f *fakeReader) FunctionsFor(context.Context, int64) ([]*storage.FunctionMetadata, error) {
	return nil, nil
}

func (f *fakeReader) DefinitionFor(context.Context, int64, string, string, string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeReader) ColumnsFor(_ context.Context, objectID int64) ([]*storage.ColumnMetadata, error) {
	return f.columns[objectID], nil
}

func (f *fakeReader) FindObject(_ context.Context, _ int64, _ string, searchPath []string, name string) (*storage.ObjectMetadata, error) {
	for _, schema := range searchPath {
		if o, ok := f.objects[schema+"."+name]; ok {
			return o, nil
		}
	}

	return nil, nil
}

var _ catalog.Reader = (*fakeReader)(nil)

func setupAGEDatabase(ctx context.Context, t *testing.T) *storage.Connection {
	t.Helper()

	container, err := postgres.Run(ctx,
		"apache/age:release_PG16_1.5.0",
		postgres.WithDatabase("lineage_builder_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err, "failed to start age postgres container")

	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS age; LOAD 'age'; SET search_path = ag_catalog, "$user", public;`)
	require.NoError(t, err, "failed to load age extension")

	_, err = db.ExecContext(ctx, `SELECT create_graph($1)`, testGraphName)
	require.NoError(t, err, "failed to create graph")

	return &storage.Connection{DB: db}
}

func setupControlPlane(ctx context.Context, t *testing.T, conn *storage.Connection) *storage.PatternStore {
	t.Helper()

	_, err := conn.ExecContext(ctx, `
		CREATE TABLE sql_patterns (
			sql_hash text PRIMARY KEY,
			normalized_sql text NOT NULL,
			sample_raw_sql text NOT NULL,
			source_database_name text NOT NULL,
			first_seen_at timestamptz NOT NULL DEFAULT now(),
			last_seen_at timestamptz NOT NULL DEFAULT now(),
			execution_count bigint NOT NULL DEFAULT 1,
			duration_total_ms bigint NOT NULL DEFAULT 0,
			duration_avg_ms double precision NOT NULL DEFAULT 0,
			duration_min_ms bigint NOT NULL DEFAULT 0,
			duration_max_ms bigint NOT NULL DEFAULT 0,
			llm_status text NOT NULL,
			llm_extracted_json jsonb,
			last_llm_analysis_at timestamptz,
			loaded_to_graph boolean NOT NULL DEFAULT false,
			graph_load_error text
		)
	`)
	require.NoError(t, err)

	return storage.NewPatternStore(conn)
}

func targetCol(schema, name, col string, srcSchema, srcName, srcCol string) extractor.ColumnLineage {
	c := srcCol

	return extractor.ColumnLineage{
		TargetColumn:       col,
		TargetObjectSchema: schema,
		TargetObjectName:   name,
		DerivationType:     extractor.DerivationDirectMapping,
		Sources: []extractor.ColumnSource{{
			SourceObject:        extractor.ObjectRef{Schema: srcSchema, Name: srcName, Type: extractor.ObjectKindTable},
			SourceColumn:        &c,
			TransformationLogic: "direct copy",
		}},
	}
}

func TestProcessBatch_MaterializesEndpointsAndConvergesOnRerun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAGEDatabase(ctx, t)
	store := setupControlPlane(ctx, t, conn)

	reader := &fakeReader{
		objects: map[string]*storage.ObjectMetadata{
			"public.customers": {ID: 1, SourceID: 1, Database: "analytics", Schema: "public", Name: "customers", ObjectType: storage.ObjectTypeTable},
		},
		columns: map[int64][]*storage.ColumnMetadata{
			1: {{ObjectID: 1, ColumnName: "id", Ordinal: 1, DataType: "bigint"}},
		},
	}

	doc := extractor.LineageDocument{
		SqlPatternHash:     "hash-1",
		SourceDatabaseName: "analytics",
		ColumnLevelLineage: []extractor.ColumnLineage{
			targetCol("reporting", "customer_summary", "customer_id", "public", "customers", "id"),
		},
		ParsingConfidence: 0.9,
	}

	rawJSON, err := json.Marshal(doc)
	require.NoError(t, err)

	_, _, err = store.UpsertObservation(ctx, storage.Observation{
		SqlHash:            "hash-1",
		RawSQL:             "INSERT INTO reporting.customer_summary SELECT id FROM public.customers",
		SourceDatabaseName: "analytics",
		ObservedAt:         time.Now(),
	}, "INSERT INTO reporting.customer_summary SELECT id FROM public.customers", storage.ReanalysisPolicy{})
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `UPDATE sql_patterns SET llm_status = $1, llm_extracted_json = $2 WHERE sql_hash = $3`,
		storage.LLMStatusCompletedSuccess, rawJSON, "hash-1")
	require.NoError(t, err)

	b := lineage.New(conn, store, reader, testGraphName, 1, "warehouse")

	result, err := b.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Claimed)
	require.Equal(t, 1, result.Loaded)
	require.Zero(t, result.Failed)

	pattern, err := store.GetBySqlHash(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, pattern.LoadedToGraph)

	result2, err := b.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, result2.Claimed, "already-loaded pattern must not be reclaimed")
}

func TestProcessBatch_UnresolvedObjectBecomesTempTableStub(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAGEDatabase(ctx, t)
	store := setupControlPlane(ctx, t, conn)

	reader := &fakeReader{objects: map[string]*storage.ObjectMetadata{}, columns: map[int64][]*storage.ColumnMetadata{}}

	doc := extractor.LineageDocument{
		SqlPatternHash:     "hash-2",
		SourceDatabaseName: "analytics",
		ColumnLevelLineage: []extractor.ColumnLineage{
			targetCol("scratch", "tmp_result", "total", "scratch", "raw_events", "amount"),
		},
		ParsingConfidence: 0.9,
	}

	rawJSON, err := json.Marshal(doc)
	require.NoError(t, err)

	_, _, err = store.UpsertObservation(ctx, storage.Observation{
		SqlHash:            "hash-2",
		RawSQL:             "SELECT amount FROM scratch.raw_events",
		SourceDatabaseName: "analytics",
		ObservedAt:         time.Now(),
	}, "SELECT amount FROM scratch.raw_events", storage.ReanalysisPolicy{})
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `UPDATE sql_patterns SET llm_status = $1, llm_extracted_json = $2 WHERE sql_hash = $3`,
		storage.LLMStatusCompletedSuccess, rawJSON, "hash-2")
	require.NoError(t, err)

	b := lineage.New(conn, store, reader, testGraphName, 1, "warehouse")

	result, err := b.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Loaded)

	rows, err := conn.QueryContext(ctx,
		`SELECT * FROM cypher($1, $$ MATCH (n {label: 'TempTable'}) RETURN n $$) AS (n agtype)`, testGraphName)
	require.NoError(t, err)

	count := 0
	for rows.Next() {
		count++
	}
	require.NoError(t, rows.Close())
	require.Positive(t, count, "unresolved source object must materialize as a TempTable stub")
}
