package lineage

import (
	"context"

	"github.com/lumigraph/lumigraph/internal/catalog"
	"github.com/lumigraph/lumigraph/internal/extractor"
	"github.com/lumigraph/lumigraph/internal/graphbuild/metadata"
)

// endpoint identifies one resolved node in the graph by its node label and
// FQN, plus whether it matched a cataloged object — an unresolved endpoint
// gets the TempTable/TempColumn label instead (spec §4.6 step 1).
type endpoint struct {
	Label    string
	FQN      string
	Resolved bool
	objectID int64 // only valid when Resolved
}

// resolveObject finds the node an ObjectRef materializes to. A TEMP_TABLE
// type always stubs; otherwise it tries the catalog, falling back to a stub
// when the FQN does not resolve against any metadata-sourced object.
func resolveObject(ctx context.Context, reader catalog.Reader, sourceID int64, sourceName, sourceDatabaseName string, ref extractor.ObjectRef) (endpoint, error) {
	dbFQN := metadata.DatabaseFQN(sourceName, sourceDatabaseName)
	schemaFQN := metadata.SchemaFQN(dbFQN, ref.Schema)

	if ref.Type == extractor.ObjectKindTempTable {
		return endpoint{Label: LabelTempTable, FQN: metadata.ObjectFQN(schemaFQN, ref.Name)}, nil
	}

	meta, err := reader.FindObject(ctx, sourceID, sourceDatabaseName, []string{ref.Schema}, ref.Name)
	if err != nil {
		return endpoint{}, err
	}

	if meta == nil {
		return endpoint{Label: LabelTempTable, FQN: metadata.ObjectFQN(schemaFQN, ref.Name)}, nil
	}

	objSchemaFQN := metadata.SchemaFQN(dbFQN, meta.Schema)

	return endpoint{
		Label:    metadata.ObjectLabel(meta.ObjectType),
		FQN:      metadata.ObjectFQN(objSchemaFQN, meta.Name),
		Resolved: true,
		objectID: meta.ID,
	}, nil
}

// resolveColumn finds the node a column name materializes to, given the
// object endpoint it belongs to. An unresolved object, or a column the
// catalog doesn't know about, stubs as TempColumn.
func resolveColumn(ctx context.Context, reader catalog.Reader, obj endpoint, columnName string) (endpoint, error) {
	if !obj.Resolved {
		return endpoint{Label: LabelTempColumn, FQN: metadata.ColumnFQN(obj.FQN, columnName)}, nil
	}

	cols, err := reader.ColumnsFor(ctx, obj.objectID)
	if err != nil {
		return endpoint{}, err
	}

	for _, c := range cols {
		if c.ColumnName == columnName {
			return endpoint{Label: metadata.LabelColumn, FQN: metadata.ColumnFQN(obj.FQN, columnName), Resolved: true}, nil
		}
	}

	return endpoint{Label: LabelTempColumn, FQN: metadata.ColumnFQN(obj.FQN, columnName)}, nil
}

// columnLineageTargetRef builds the ObjectRef a ColumnLineage entry's target
// column belongs to. column_level_lineage doesn't carry an explicit object
// Type the way target_object/referenced_objects do, so it defaults to TABLE
// — resolveObject still upgrades to the real View/MaterializedView label
// when the catalog resolves it; only an object genuinely absent from the
// catalog falls back to a TempTable stub.
func columnLineageTargetRef(c extractor.ColumnLineage) extractor.ObjectRef {
	return extractor.ObjectRef{Schema: c.TargetObjectSchema, Name: c.TargetObjectName, Type: extractor.ObjectKindTable}
}
