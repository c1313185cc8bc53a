package metadata_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lumigraph/lumigraph/internal/catalog"
	"github.com/lumigraph/lumigraph/internal/graphbuild/metadata"
	"github.com/lumigraph/lumigraph/internal/storage"
)

const testGraphName = "metadata_test"

// fakeReader is an in-memory catalog.Reader fixture. Only the methods the
// builder actually calls are populated for a given test.
type fakeReader struct {
	sources   []*storage.DataSource
	objects   map[int64][]*storage.ObjectMetadata
	columns   map[int64][]*storage.ColumnMetadata
	functions map[int64][]*storage.FunctionMetadata
}

func (f *fakeReader) DataSources(context.Context) ([]*storage.DataSource, error) {
	return f.sources, nil
}

func (f *fakeReader) ObjectsFor(_ context.Context, sourceID int64) ([]*storage.ObjectMetadata, error) {
	return f.objects[sourceID], nil
}

func (f *fakeReader) ColumnsFor(_ context.Context, objectID int64) ([]*storage.ColumnMetadata, error) {
	return f.columns[objectID], nil
}

func (f *fakeReader) FunctionsFor(_ context.Context, sourceID int64) ([]*storage.FunctionMetadata, error) {
	return f.functions[sourceID], nil
}

func (f *fakeReader) FindObject(context.Context, int64, string, []string, string) (*storage.ObjectMetadata, error) {
	return nil, nil
}

func (f *fakeReader) DefinitionFor(context.Context, int64, string, string, string) (string, bool, error) {
	return "", false, nil
}

var _ catalog.Reader = (*fakeReader)(nil)

func setupAGEDatabase(ctx context.Context, t *testing.T) *storage.Connection {
	t.Helper()

	container, err := postgres.Run(ctx,
		"apache/age:release_PG16_1.5.0",
		postgres.WithDatabase("metadata_builder_test"),
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

func TestRefreshAll_BuildsContainmentChainAndConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAGEDatabase(ctx, t)

	reader := &fakeReader{
		sources: []*storage.DataSource{{ID: 1, Name: "warehouse"}},
		objects: map[int64][]*storage.ObjectMetadata{
			1: {{
				ID: 100, SourceID: 1, Database: "analytics", Schema: "public",
				Name: "orders", ObjectType: storage.ObjectTypeTable, Owner: "alice",
			}},
		},
		columns: map[int64][]*storage.ColumnMetadata{
			100: {{
				ObjectID: 100, ColumnName: "id", Ordinal: 1, DataType: "bigint",
				IsPrimaryKey: true,
			}, {
				ObjectID: 100, ColumnName: "customer_id", Ordinal: 2, DataType: "bigint",
				FKTargetSchema: sql.NullString{String: "public", Valid: true},
				FKTargetTable:  sql.NullString{String: "customers", Valid: true},
				FKTargetColumn: sql.NullString{String: "id", Valid: true},
			}},
		},
		functions: map[int64][]*storage.FunctionMetadata{
			1: {{
				ID: 200, SourceID: 1, Database: "analytics", Schema: "reporting",
				Name: "total_revenue", ParameterTypeList: "date,date",
				ReturnType: "numeric", ParameterList: "start date, end date",
				Language: "sql",
			}},
		},
	}

	b := metadata.New(conn, reader, testGraphName)

	results, err := b.RefreshAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Aborted)
	require.Zero(t, results[0].Failed)

	rows, err := conn.QueryContext(ctx,
		`SELECT * FROM cypher($1, $$ MATCH (n {label: 'Table', fqn: 'warehouse.analytics.public.orders'}) RETURN n $$) AS (n agtype)`,
		testGraphName)
	require.NoError(t, err)
	require.NoError(t, rows.Close())

	results2, err := b.RefreshAll(ctx)
	require.NoError(t, err)
	require.False(t, results2[0].Aborted)
	require.Zero(t, results2[0].Failed, "re-run must converge, not error")

	require.Equal(t, results[0].Processed, results2[0].Processed, "re-run must touch the same entity count")
}

func TestRefreshAll_SchemaWithOnlyAFunctionStillGetsDatabaseAndSchemaNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAGEDatabase(ctx, t)

	reader := &fakeReader{
		sources: []*storage.DataSource{{ID: 1, Name: "warehouse"}},
		functions: map[int64][]*storage.FunctionMetadata{
			1: {{
				ID: 300, SourceID: 1, Database: "analytics", Schema: "only_functions",
				Name: "noop", ParameterTypeList: "", ReturnType: "void",
				ParameterList: "", Language: "sql",
			}},
		},
	}

	b := metadata.New(conn, reader, testGraphName)

	results, err := b.RefreshAll(ctx)
	require.NoError(t, err)
	require.False(t, results[0].Aborted)
	require.Zero(t, results[0].Failed)
	require.Equal(t, 4, results[0].Processed, "database + schema + HAS_SCHEMA edge + function = 4 upserts")
}

func TestRefreshAll_RefreshesEachSourceWithItsOwnResult(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAGEDatabase(ctx, t)

	reader := &fakeReader{
		sources: []*storage.DataSource{
			{ID: 1, Name: "warehouse_a"},
			{ID: 2, Name: "warehouse_b"},
		},
		objects: map[int64][]*storage.ObjectMetadata{
			1: {{
				ID: 100, SourceID: 1, Database: "analytics", Schema: "public",
				Name: "orders", ObjectType: storage.ObjectTypeTable,
			}},
			2: {{
				ID: 101, SourceID: 2, Database: "analytics", Schema: "public",
				Name: "customers", ObjectType: storage.ObjectTypeTable,
			}},
		},
	}

	b := metadata.New(conn, reader, testGraphName)

	results, err := b.RefreshAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		require.False(t, r.Aborted)
		require.Zero(t, r.Failed)
	}
}
