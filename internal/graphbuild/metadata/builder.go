package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lumigraph/lumigraph/internal/catalog"
	"github.com/lumigraph/lumigraph/internal/graph"
	"github.com/lumigraph/lumigraph/internal/storage"
)

// Builder converges the graph's structural (containment) side toward the
// latest catalog metadata snapshot, one data source at a time (spec §4.5).
type Builder struct {
	db     *storage.Connection
	reader catalog.Reader
	graph  string
	logger *slog.Logger
}

// New builds a Builder. graphName names the AGE graph both this builder and
// the lineage builder write into.
func New(db *storage.Connection, reader catalog.Reader, graphName string) *Builder {
	return &Builder{
		db:     db,
		reader: reader,
		graph:  graphName,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// SourceResult summarizes one data source's refresh.
type SourceResult struct {
	SourceID  int64
	Source    string
	Processed int
	Failed    int
	Aborted   bool
}

// RefreshAll iterates every configured data source and converges its
// structural graph. One source's abort (a graph conflict, or a failure to
// begin, read or commit) does not stop the others — each gets its own
// transaction and its own result.
func (b *Builder) RefreshAll(ctx context.Context) ([]SourceResult, error) {
	sources, err := b.reader.DataSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}

	results := make([]SourceResult, 0, len(sources))

	for _, src := range sources {
		result := b.refreshSource(ctx, src)
		results = append(results, result)

		if result.Aborted {
			b.logger.Error("metadata refresh aborted for data source",
				slog.Int64("source_id", src.ID), slog.String("source", src.Name))
		}
	}

	return results, nil
}

// refreshSource runs the fixed Database -> Schema -> Object -> Column ->
// Function -> FK iteration order (spec §4.5) inside one transaction.
func (b *Builder) refreshSource(ctx context.Context, src *storage.DataSource) SourceResult {
	result := SourceResult{SourceID: src.ID, Source: src.Name}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		b.logger.Error("begin metadata refresh transaction", slog.String("error", err.Error()))
		result.Aborted = true

		return result
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	gc := graph.New(b.db, b.graph).WithQuerier(tx)

	objects, err := b.reader.ObjectsFor(ctx, src.ID)
	if err != nil {
		result.Aborted = true

		return result
	}

	functions, err := b.reader.FunctionsFor(ctx, src.ID)
	if err != nil {
		result.Aborted = true

		return result
	}

	now := time.Now().UTC().Format(time.RFC3339)

	seenDatabase := make(map[string]bool)
	seenSchema := make(map[string]bool)

	for _, obj := range objects {
		dbFQN := DatabaseFQN(src.Name, obj.Database)
		schemaFQN := SchemaFQN(dbFQN, obj.Schema)

		if b.ensureDatabaseAndSchema(ctx, gc, &result, seenDatabase, seenSchema, src.Name, obj.Database, obj.Schema, now) {
			return result
		}

		if b.refreshObject(ctx, gc, &result, dbFQN, obj, schemaFQN, now) {
			return result
		}
	}

	for _, fn := range functions {
		dbFQN := DatabaseFQN(src.Name, fn.Database)
		schemaFQN := SchemaFQN(dbFQN, fn.Schema)

		if b.ensureDatabaseAndSchema(ctx, gc, &result, seenDatabase, seenSchema, src.Name, fn.Database, fn.Schema, now) {
			return result
		}

		if b.upsertAbortable(&result, func() error {
			return b.upsertFunction(ctx, gc, schemaFQN, fn, now)
		}) {
			return result
		}
	}

	if err := tx.Commit(); err != nil {
		b.logger.Error("commit metadata refresh transaction", slog.String("error", err.Error()))
		result.Aborted = true

		return result
	}

	committed = true

	return result
}

// ensureDatabaseAndSchema upserts the Database and Schema nodes (and the
// HAS_SCHEMA edge between them) the first time either is seen during this
// source's refresh — both the object loop and the function loop feed the
// same dbFQN/schemaFQN derivation, since a schema with only functions and no
// tables would otherwise never get a Database/Schema node. Returns true on
// abort.
func (b *Builder) ensureDatabaseAndSchema(
	ctx context.Context,
	gc *graph.Client,
	result *SourceResult,
	seenDatabase, seenSchema map[string]bool,
	sourceName, database, schema, now string,
) bool {
	dbFQN := DatabaseFQN(sourceName, database)
	schemaFQN := SchemaFQN(dbFQN, schema)

	if !seenDatabase[dbFQN] {
		if b.upsertAbortable(result, func() error {
			_, err := gc.UpsertNode(ctx, LabelDatabase, dbFQN,
				map[string]any{"name": database, "source_name": sourceName, "created_at": now},
				map[string]any{"updated_at": now})

			return err
		}) {
			return true
		}

		seenDatabase[dbFQN] = true
	}

	if !seenSchema[schemaFQN] {
		if b.upsertAbortable(result, func() error {
			_, err := gc.UpsertNode(ctx, LabelSchema, schemaFQN,
				map[string]any{"name": schema, "created_at": now},
				map[string]any{"updated_at": now})

			return err
		}) {
			return true
		}

		if b.upsertAbortable(result, func() error {
			_, err := gc.UpsertEdge(ctx, EdgeHasSchema,
				graph.EdgeEndpoint{Label: LabelDatabase, FQN: dbFQN},
				graph.EdgeEndpoint{Label: LabelSchema, FQN: schemaFQN},
				nil, map[string]any{"created_at": now}, map[string]any{"updated_at": now})

			return err
		}) {
			return true
		}

		seenSchema[schemaFQN] = true
	}

	return false
}

// refreshObject upserts by FQN alone, so an object the lineage builder
// already stubbed as TempTable/TempColumn at this FQN converts to its real
// structural label here rather than getting a second, disconnected node.
func (b *Builder) refreshObject(
	ctx context.Context,
	gc *graph.Client,
	result *SourceResult,
	dbFQN string,
	obj *storage.ObjectMetadata,
	schemaFQN string,
	now string,
) (aborted bool) {
	label := objectLabel(obj.ObjectType)
	objFQN := ObjectFQN(schemaFQN, obj.Name)

	if b.upsertAbortable(result, func() error {
		_, err := gc.UpsertNode(ctx, label, objFQN,
			map[string]any{"name": obj.Name, "kind": string(obj.ObjectType), "created_at": now},
			objectSetProps(obj, now))

		return err
	}) {
		return true
	}

	if b.upsertAbortable(result, func() error {
		_, err := gc.UpsertEdge(ctx, EdgeHasObject,
			graph.EdgeEndpoint{Label: LabelSchema, FQN: schemaFQN},
			graph.EdgeEndpoint{Label: label, FQN: objFQN},
			nil, map[string]any{"created_at": now}, map[string]any{"updated_at": now})

		return err
	}) {
		return true
	}

	columns, err := b.reader.ColumnsFor(ctx, obj.ID)
	if err != nil {
		result.Failed++
		b.logger.Error("load columns", slog.Int64("object_id", obj.ID), slog.String("error", err.Error()))

		return false
	}

	for _, col := range columns {
		if b.refreshColumn(ctx, gc, result, dbFQN, label, objFQN, col, now) {
			return true
		}
	}

	return false
}

func (b *Builder) refreshColumn(
	ctx context.Context,
	gc *graph.Client,
	result *SourceResult,
	dbFQN string,
	objLabel string,
	objFQN string,
	col *storage.ColumnMetadata,
	now string,
) (aborted bool) {
	colFQN := ColumnFQN(objFQN, col.ColumnName)

	if b.upsertAbortable(result, func() error {
		_, err := gc.UpsertNode(ctx, LabelColumn, colFQN,
			map[string]any{"name": col.ColumnName, "created_at": now},
			columnSetProps(col, now))

		return err
	}) {
		return true
	}

	if b.upsertAbortable(result, func() error {
		_, err := gc.UpsertEdge(ctx, EdgeHasColumn,
			graph.EdgeEndpoint{Label: objLabel, FQN: objFQN},
			graph.EdgeEndpoint{Label: LabelColumn, FQN: colFQN},
			nil, map[string]any{"created_at": now}, map[string]any{"updated_at": now})

		return err
	}) {
		return true
	}

	if col.FKTargetSchema.Valid && col.FKTargetTable.Valid && col.FKTargetColumn.Valid {
		targetSchemaFQN := SchemaFQN(dbFQN, col.FKTargetSchema.String)
		targetObjFQN := ObjectFQN(targetSchemaFQN, col.FKTargetTable.String)
		targetColFQN := ColumnFQN(targetObjFQN, col.FKTargetColumn.String)

		if b.upsertAbortable(result, func() error {
			_, err := gc.UpsertEdge(ctx, EdgeReferencesColumn,
				graph.EdgeEndpoint{Label: LabelColumn, FQN: colFQN},
				graph.EdgeEndpoint{Label: LabelColumn, FQN: targetColFQN},
				nil, map[string]any{"created_at": now}, map[string]any{"updated_at": now})

			return err
		}) {
			return true
		}
	}

	result.Processed++

	return false
}

func (b *Builder) upsertFunction(ctx context.Context, gc *graph.Client, schemaFQN string, fn *storage.FunctionMetadata, now string) error {
	fnFQN := FunctionFQN(schemaFQN, fn.Name, fn.ParameterTypeList)

	if _, err := gc.UpsertNode(ctx, LabelFunction, fnFQN,
		map[string]any{"name": fn.Name, "created_at": now},
		functionSetProps(fn, now)); err != nil {
		return err
	}

	_, err := gc.UpsertEdge(ctx, EdgeHasFunction,
		graph.EdgeEndpoint{Label: LabelSchema, FQN: schemaFQN},
		graph.EdgeEndpoint{Label: LabelFunction, FQN: fnFQN},
		nil, map[string]any{"created_at": now}, map[string]any{"updated_at": now})

	return err
}

// upsertAbortable runs one mutation and classifies its failure: only an
// error matching graph.ErrConflict aborts the whole source (returns true so
// the caller stops immediately); any other failure, a lost connection
// included, is counted in Failed, logged and skipped.
func (b *Builder) upsertAbortable(result *SourceResult, mutate func() error) bool {
	if err := mutate(); err != nil {
		if errors.Is(err, graph.ErrConflict) {
			result.Aborted = true
			result.Failed++

			return true
		}

		result.Failed++
		b.logger.Error("metadata entity upsert failed, skipping", slog.String("error", err.Error()))

		return false
	}

	result.Processed++

	return false
}

func objectLabel(t storage.ObjectType) string {
	switch t {
	case storage.ObjectTypeView:
		return LabelView
	case storage.ObjectTypeMaterializedView:
		return LabelMaterializedView
	default:
		return LabelTable
	}
}

// ObjectLabel exposes objectLabel for internal/graphbuild/lineage, which
// needs the same object-type-to-node-label mapping when an endpoint
// resolves against cataloged metadata (spec §4.6 step 1).
func ObjectLabel(t storage.ObjectType) string {
	return objectLabel(t)
}

func objectSetProps(obj *storage.ObjectMetadata, now string) map[string]any {
	props := map[string]any{"updated_at": now}

	if obj.Owner != "" {
		props["owner"] = obj.Owner
	}

	if obj.Description.Valid {
		props["description"] = obj.Description.String
	}

	if obj.DefinitionSQL.Valid {
		props["definition_sql"] = obj.DefinitionSQL.String
	}

	if obj.RowCountEstimate.Valid {
		props["row_count_estimate"] = obj.RowCountEstimate.Int64
	}

	return props
}

func columnSetProps(col *storage.ColumnMetadata, now string) map[string]any {
	props := map[string]any{
		"ordinal":        col.Ordinal,
		"data_type":      col.DataType,
		"nullable":       col.Nullable,
		"is_primary_key": col.IsPrimaryKey,
		"is_unique":      col.IsUnique,
		"updated_at":     now,
	}

	if col.DefaultValue.Valid {
		props["default_value"] = col.DefaultValue.String
	}

	if col.Description.Valid {
		props["description"] = col.Description.String
	}

	return props
}

func functionSetProps(fn *storage.FunctionMetadata, now string) map[string]any {
	props := map[string]any{
		"return_type":    fn.ReturnType,
		"parameter_list": fn.ParameterList,
		"language":       fn.Language,
		"updated_at":     now,
	}

	if fn.BodySQL.Valid {
		props["body_sql"] = fn.BodySQL.String
	}

	if fn.Description.Valid {
		props["description"] = fn.Description.String
	}

	return props
}
