// Package metadata builds and converges the structural (containment) side of
// the property graph from catalog metadata snapshots (spec §4.5).
package metadata

import "fmt"

// Node labels, matching spec §3's graph data model exactly.
const (
	LabelDatabase         = "Database"
	LabelSchema           = "Schema"
	LabelTable            = "Table"
	LabelView             = "View"
	LabelMaterializedView = "MaterializedView"
	LabelColumn           = "Column"
	LabelFunction         = "Function"
)

// Containment/referential edge kinds, matching spec §3.
const (
	EdgeHasSchema        = "HAS_SCHEMA"
	EdgeHasObject        = "HAS_OBJECT"
	EdgeHasColumn        = "HAS_COLUMN"
	EdgeHasFunction      = "HAS_FUNCTION"
	EdgeReferencesColumn = "REFERENCES_COLUMN"
)

// DatabaseFQN is "{source_name}.{db_name}" (spec §3).
func DatabaseFQN(sourceName, dbName string) string {
	return sourceName + "." + dbName
}

// SchemaFQN is "{db_fqn}.{schema_name}" (spec §3).
func SchemaFQN(dbFQN, schemaName string) string {
	return dbFQN + "." + schemaName
}

// ObjectFQN is "{schema_fqn}.{object_name}" (spec §3), shared by
// Table/View/MaterializedView.
func ObjectFQN(schemaFQN, objectName string) string {
	return schemaFQN + "." + objectName
}

// ColumnFQN is "{object_fqn}.{column_name}" (spec §3).
func ColumnFQN(objectFQN, columnName string) string {
	return objectFQN + "." + columnName
}

// FunctionFQN is "{schema_fqn}.{fn_name}({param_type_list})" (spec §3).
func FunctionFQN(schemaFQN, fnName, paramTypeList string) string {
	return fmt.Sprintf("%s.%s(%s)", schemaFQN, fnName, paramTypeList)
}

