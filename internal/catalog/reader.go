// Package catalog provides read-only access to catalog metadata
// (ObjectMetadata, ColumnMetadata, FunctionMetadata, DataSource) collected by
// an external catalog collector. Collection itself — connecting to a
// monitored source and reading its system catalogs — is out of scope; this
// package only reads what the collector already wrote.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lumigraph/lumigraph/internal/storage"
)

// ErrCatalogReadFailed is returned when a catalog query fails.
var ErrCatalogReadFailed = errors.New("catalog read failed")

// Reader is the read-only metadata contract the Context Assembler and both
// graph builders depend on.
type Reader interface {
	// FindObject resolves name against database using the first schema in
	// searchPath that contains a matching object; returns (nil, nil) if
	// unresolved against every schema in the path (spec §4.3).
	FindObject(ctx context.Context, sourceID int64, database string, searchPath []string, name string) (*storage.ObjectMetadata, error)
	// ColumnsFor returns an object's columns, ordered ordinally.
	ColumnsFor(ctx context.Context, objectID int64) ([]*storage.ColumnMetadata, error)
	// DefinitionFor returns object_metadata's definition SQL for the object
	// at exactly (database, schema, name), if one is cataloged; function
	// metadata is not searched.
	DefinitionFor(ctx context.Context, sourceID int64, database, schema, name string) (string, bool, error)
	// FunctionsFor returns every cataloged function for a data source.
	FunctionsFor(ctx context.Context, sourceID int64) ([]*storage.FunctionMetadata, error)
	// ObjectsFor returns every cataloged object for a data source, ordered
	// (database, schema, name) for the Metadata Graph Builder's fixed
	// iteration order (spec §4.5).
	ObjectsFor(ctx context.Context, sourceID int64) ([]*storage.ObjectMetadata, error)
	// DataSources returns every configured data source.
	DataSources(ctx context.Context) ([]*storage.DataSource, error)
}

// PostgresReader implements Reader against the control-plane Connection.
type PostgresReader struct {
	conn *storage.Connection
}

var _ Reader = (*PostgresReader)(nil)

// NewPostgresReader wraps a Connection for catalog access.
func NewPostgresReader(conn *storage.Connection) *PostgresReader {
	return &PostgresReader{conn: conn}
}

// ObjectsFor implements Reader.
func (r *PostgresReader) ObjectsFor(ctx context.Context, sourceID int64) ([]*storage.ObjectMetadata, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, source_id, database, schema, name, object_type,
		       owner, description, definition_sql, row_count_estimate, properties
		FROM object_metadata
		WHERE source_id = $1
		ORDER BY database, schema, name
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: list objects for source %d: %w", ErrCatalogReadFailed, sourceID, err)
	}
	defer func() { _ = rows.Close() }()

	var objects []*storage.ObjectMetadata

	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan object row: %w", ErrCatalogReadFailed, err)
		}

		objects = append(objects, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate object rows: %w", ErrCatalogReadFailed, err)
	}

	return objects, nil
}

// ColumnsFor implements Reader.
func (r *PostgresReader) ColumnsFor(ctx context.Context, objectID int64) ([]*storage.ColumnMetadata, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT object_id, column_name, ordinal, data_type, nullable, default_value,
		       is_primary_key, is_unique, fk_target_schema, fk_target_table, fk_target_column, description
		FROM column_metadata
		WHERE object_id = $1
		ORDER BY ordinal
	`, objectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list columns for object %d: %w", ErrCatalogReadFailed, objectID, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []*storage.ColumnMetadata

	for rows.Next() {
		var c storage.ColumnMetadata
		if err := rows.Scan(
			&c.ObjectID, &c.ColumnName, &c.Ordinal, &c.DataType, &c.Nullable, &c.DefaultValue,
			&c.IsPrimaryKey, &c.IsUnique, &c.FKTargetSchema, &c.FKTargetTable, &c.FKTargetColumn, &c.Description,
		); err != nil {
			return nil, fmt.Errorf("%w: scan column row: %w", ErrCatalogReadFailed, err)
		}

		columns = append(columns, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate column rows: %w", ErrCatalogReadFailed, err)
	}

	return columns, nil
}

// FindObject implements Reader.
func (r *PostgresReader) FindObject(
	ctx context.Context,
	sourceID int64,
	database string,
	searchPath []string,
	name string,
) (*storage.ObjectMetadata, error) {
	for _, schema := range searchPath {
		row := r.conn.QueryRowContext(ctx, `
			SELECT id, source_id, database, schema, name, object_type,
			       owner, description, definition_sql, row_count_estimate, properties
			FROM object_metadata
			WHERE source_id = $1 AND database = $2 AND schema = $3 AND name = $4
		`, sourceID, database, schema, name)

		o, err := scanObject(row)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return nil, fmt.Errorf("%w: find object %s.%s: %w", ErrCatalogReadFailed, schema, name, err)
		default:
			return o, nil
		}
	}

	return nil, nil //nolint:nilnil // unresolved is a valid outcome, not an error (spec §4.3)
}

// DefinitionFor implements Reader. Reads definition_sql from object_metadata
// for the one object at the given schema and name; no search-path walk is
// done and function_metadata is not consulted.
func (r *PostgresReader) DefinitionFor(
	ctx context.Context,
	sourceID int64,
	database, schema, name string,
) (string, bool, error) {
	var def sql.NullString

	err := r.conn.QueryRowContext(ctx, `
		SELECT definition_sql FROM object_metadata
		WHERE source_id = $1 AND database = $2 AND schema = $3 AND name = $4
	`, sourceID, database, schema, name).Scan(&def)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("%w: definition for %s.%s: %w", ErrCatalogReadFailed, schema, name, err)
	case !def.Valid:
		return "", false, nil
	default:
		return def.String, true, nil
	}
}

// FunctionsFor implements Reader.
func (r *PostgresReader) FunctionsFor(ctx context.Context, sourceID int64) ([]*storage.FunctionMetadata, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, source_id, database, schema, name, function_type, parameter_type_list,
		       return_type, parameter_list, body_sql, language, description
		FROM function_metadata
		WHERE source_id = $1
		ORDER BY database, schema, name
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: list functions for source %d: %w", ErrCatalogReadFailed, sourceID, err)
	}
	defer func() { _ = rows.Close() }()

	var functions []*storage.FunctionMetadata

	for rows.Next() {
		var f storage.FunctionMetadata
		if err := rows.Scan(
			&f.ID, &f.SourceID, &f.Database, &f.Schema, &f.Name, &f.FunctionType, &f.ParameterTypeList,
			&f.ReturnType, &f.ParameterList, &f.BodySQL, &f.Language, &f.Description,
		); err != nil {
			return nil, fmt.Errorf("%w: scan function row: %w", ErrCatalogReadFailed, err)
		}

		functions = append(functions, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate function rows: %w", ErrCatalogReadFailed, err)
	}

	return functions, nil
}

// DataSources implements Reader.
func (r *PostgresReader) DataSources(ctx context.Context) ([]*storage.DataSource, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, name, retrieval_method FROM data_sources ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list data sources: %w", ErrCatalogReadFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var sources []*storage.DataSource

	for rows.Next() {
		var d storage.DataSource
		if err := rows.Scan(&d.ID, &d.Name, &d.RetrievalMethod); err != nil {
			return nil, fmt.Errorf("%w: scan data source row: %w", ErrCatalogReadFailed, err)
		}

		sources = append(sources, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate data source rows: %w", ErrCatalogReadFailed, err)
	}

	return sources, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*storage.ObjectMetadata, error) {
	var (
		o          storage.ObjectMetadata
		objectType string
	)

	err := row.Scan(
		&o.ID, &o.SourceID, &o.Database, &o.Schema, &o.Name, &objectType,
		&o.Owner, &o.Description, &o.DefinitionSQL, &o.RowCountEstimate, &o.Properties,
	)
	if err != nil {
		return nil, err
	}

	o.ObjectType = storage.ObjectType(objectType)

	return &o, nil
}
